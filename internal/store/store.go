// Package store persists tool-call records for the collector. A single
// tool_calls table backs manual approval, the dashboard, and the
// operator db tooling.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Sentinel errors returned by store operations.
var (
	ErrDuplicate   = errors.New("tool call already recorded")
	ErrNotFound    = errors.New("tool call not found")
	ErrNotPending  = errors.New("tool call is not pending")
	ErrEmptyFilter = errors.New("refusing to operate without a filter")
)

// Filter selects tool-call records. Zero-valued fields are ignored;
// set fields are AND-composed.
type Filter struct {
	User     string
	Tool     string
	Model    string
	IsError  *bool
	Approval string
	Search   string // substring match within params JSON
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Empty reports whether the filter has no selection criteria at all
// (limit/offset are pagination, not criteria).
func (f Filter) Empty() bool {
	return f.User == "" && f.Tool == "" && f.Model == "" && f.IsError == nil &&
		f.Approval == "" && f.Search == "" && f.From.IsZero() && f.To.IsZero()
}

// Stats holds aggregate counts over the whole table.
type Stats struct {
	TotalCalls int64 `json:"total_calls"`
	ErrorCount int64 `json:"error_count"`
	Users      int64 `json:"users"`
	Tools      int64 `json:"tools"`
	Models     int64 `json:"models"`
}

// FilterValues holds the distinct values used to build filter UIs.
type FilterValues struct {
	Users  []string `json:"users"`
	Tools  []string `json:"tools"`
	Models []string `json:"models"`
}

// Store is the persistence interface for tool-call records.
type Store interface {
	InsertCall(ev *event.ToolCallEvent, status event.ApprovalStatus, reason string) error
	UpdateResult(res *event.ToolResultEvent) error
	UpdateApprovalStatus(id string, status event.ApprovalStatus, reason string) error
	GetCall(id string) (*event.ToolCall, error)
	Query(f Filter) ([]*event.ToolCall, error)
	Count(f Filter) (int64, error)
	Delete(f Filter) (int64, error)
	PendingApprovals() ([]*event.ToolCall, error)
	Stats() (*Stats, error)
	FilterValues() (*FilterValues, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the tool-call database at
// dbPath, defaulting to ~/.toolwatch/toolwatch.db.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".toolwatch", "toolwatch.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps readers concurrent while writes serialize on the
	// busy_timeout.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug().Str("path", dbPath).Msg("Opened tool-call store")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		tool_call_id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		user TEXT NOT NULL,
		hostname TEXT,
		session_id TEXT,
		cwd TEXT,
		model TEXT,
		tool TEXT NOT NULL,
		params TEXT,
		is_error INTEGER,
		duration_ms INTEGER,
		exit_code INTEGER,
		result_ts INTEGER,
		approval_status TEXT,
		approval_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tool_calls_user ON tool_calls(user);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_ts ON tool_calls(ts);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_approval ON tool_calls(approval_status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// InsertCall records a tool call on first sight. Immediate allow/deny
// verdicts pass their terminal status; asynchronous paths pass pending.
// A duplicate ToolCallID is rejected with ErrDuplicate.
func (s *SQLiteStore) InsertCall(ev *event.ToolCallEvent, status event.ApprovalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tool_calls WHERE tool_call_id = ?", ev.ToolCallID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for existing call: %w", err)
	}
	if exists > 0 {
		return ErrDuplicate
	}

	var paramsJSON []byte
	if ev.Params != nil {
		paramsJSON, err = json.Marshal(ev.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO tool_calls (tool_call_id, ts, user, hostname, session_id, cwd, model, tool, params, approval_status, approval_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ToolCallID,
		ev.Timestamp.UnixMilli(),
		ev.User,
		ev.Hostname,
		nullString(ev.SessionID),
		ev.Cwd,
		ev.Model,
		ev.Tool,
		string(paramsJSON),
		nullString(string(status)),
		nullString(reason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}

	return nil
}

// UpdateResult populates the result fields for a previously recorded
// call. Returns ErrNotFound when the id is unknown.
func (s *SQLiteStore) UpdateResult(res *event.ToolResultEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exitCode any
	if res.ExitCode != nil {
		exitCode = *res.ExitCode
	}

	result, err := s.db.Exec(
		`UPDATE tool_calls SET is_error = ?, duration_ms = ?, exit_code = ?, result_ts = ?
		 WHERE tool_call_id = ?`,
		boolToInt(res.IsError),
		res.DurationMS,
		exitCode,
		res.Timestamp.UnixMilli(),
		res.ToolCallID,
	)
	if err != nil {
		return fmt.Errorf("failed to update result: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateApprovalStatus transitions a pending call to its terminal
// approval state. The WHERE guard on the current status is what makes
// concurrent resolution attempts from multiple processes race-safe:
// exactly one caller observes a row change, every other caller gets
// ErrNotPending.
func (s *SQLiteStore) UpdateApprovalStatus(id string, status event.ApprovalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE tool_calls SET approval_status = ?, approval_reason = ?
		 WHERE tool_call_id = ? AND approval_status = 'pending'`,
		string(status), nullString(reason), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotPending
	}

	return nil
}

// GetCall retrieves a single record by id.
func (s *SQLiteStore) GetCall(id string) (*event.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectColumns+" FROM tool_calls WHERE tool_call_id = ?", id)
	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	return call, nil
}

// Query returns records matching the filter, newest first.
func (s *SQLiteStore) Query(f Filter) ([]*event.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildWhere(f)
	query := selectColumns + " FROM tool_calls" + where + " ORDER BY ts DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

// Count returns the number of records matching the filter.
func (s *SQLiteStore) Count(f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildWhere(f)

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM tool_calls"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tool calls: %w", err)
	}
	return count, nil
}

// Delete removes records matching the filter. An empty filter is
// rejected with ErrEmptyFilter so a bare delete can never wipe the
// table by omission.
func (s *SQLiteStore) Delete(f Filter) (int64, error) {
	if f.Empty() {
		return 0, ErrEmptyFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildWhere(f)
	result, err := s.db.Exec("DELETE FROM tool_calls"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tool calls: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		logger.Info().Int64("deleted", deleted).Msg("Deleted tool-call records")
	}
	return deleted, nil
}

// PendingApprovals returns pending records oldest first, so manual
// review drains in roughly FIFO order.
func (s *SQLiteStore) PendingApprovals() ([]*event.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(selectColumns + " FROM tool_calls WHERE approval_status = 'pending' ORDER BY ts ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

// Stats returns aggregate counts over the whole table.
func (s *SQLiteStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN is_error = 1 THEN 1 ELSE 0 END), 0),
		        COUNT(DISTINCT user),
		        COUNT(DISTINCT tool),
		        COUNT(DISTINCT model)
		 FROM tool_calls`,
	).Scan(&stats.TotalCalls, &stats.ErrorCount, &stats.Users, &stats.Tools, &stats.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	return &stats, nil
}

// FilterValues returns the distinct users, tools and models present in
// the table.
func (s *SQLiteStore) FilterValues() (*FilterValues, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fv := &FilterValues{}
	for _, col := range []struct {
		name string
		dst  *[]string
	}{
		{"user", &fv.Users},
		{"tool", &fv.Tools},
		{"model", &fv.Models},
	} {
		rows, err := s.db.Query("SELECT DISTINCT " + col.name + " FROM tool_calls WHERE " + col.name + " != '' ORDER BY " + col.name)
		if err != nil {
			return nil, fmt.Errorf("failed to query distinct %s: %w", col.name, err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan distinct %s: %w", col.name, err)
			}
			*col.dst = append(*col.dst, v)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	return fv, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT tool_call_id, ts, user, hostname, session_id, cwd, model, tool, params,
	is_error, duration_ms, exit_code, result_ts, approval_status, approval_reason`

func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any

	if f.User != "" {
		conds = append(conds, "user = ?")
		args = append(args, f.User)
	}
	if f.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if f.IsError != nil {
		conds = append(conds, "is_error = ?")
		args = append(args, boolToInt(*f.IsError))
	}
	if f.Approval != "" {
		conds = append(conds, "approval_status = ?")
		args = append(args, f.Approval)
	}
	if f.Search != "" {
		conds = append(conds, "params LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.To.UnixMilli())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*event.ToolCall, error) {
	var call event.ToolCall
	var ts int64
	var sessionID, params, approvalStatus, approvalReason sql.NullString
	var isError, durationMS, exitCode, resultTS sql.NullInt64

	err := row.Scan(
		&call.ToolCallID, &ts, &call.User, &call.Hostname, &sessionID,
		&call.Cwd, &call.Model, &call.Tool, &params,
		&isError, &durationMS, &exitCode, &resultTS,
		&approvalStatus, &approvalReason,
	)
	if err != nil {
		return nil, err
	}

	call.Timestamp = time.UnixMilli(ts)
	call.SessionID = sessionID.String
	call.ApprovalStatus = event.ApprovalStatus(approvalStatus.String)
	call.ApprovalReason = approvalReason.String

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &call.Params); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal params")
		}
	}
	if isError.Valid {
		v := isError.Int64 != 0
		call.IsError = &v
	}
	if durationMS.Valid {
		v := durationMS.Int64
		call.DurationMS = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		call.ExitCode = &v
	}
	if resultTS.Valid {
		v := time.UnixMilli(resultTS.Int64)
		call.ResultTS = &v
	}

	return &call, nil
}

func scanCalls(rows *sql.Rows) ([]*event.ToolCall, error) {
	var calls []*event.ToolCall
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
