package event

import (
	"strings"
	"time"
)

// ToolCallEvent is the record of an attempted tool call, emitted by the
// host agent before the tool runs. Params are assumed to already be
// filtered of large or sensitive payloads by the caller.
type ToolCallEvent struct {
	ToolCallID string         `json:"toolCallId"`
	Timestamp  time.Time      `json:"ts"`
	User       string         `json:"user"`
	Hostname   string         `json:"hostname"`
	SessionID  string         `json:"sessionId,omitempty"`
	Cwd        string         `json:"cwd"`
	Model      string         `json:"model"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
}

// ToolResultEvent is the record of a finished tool call, correlated to
// the originating call by ToolCallID. Results carry no approval
// semantics; they are audited but never gated.
type ToolResultEvent struct {
	ToolCallID string    `json:"toolCallId"`
	Timestamp  time.Time `json:"ts"`
	IsError    bool      `json:"isError"`
	DurationMS int64     `json:"durationMs"`
	ExitCode   *int      `json:"exitCode,omitempty"`
}

// ApprovalResponse is the terminal output of every evaluation path.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalStatus is the persisted approval state of a tool call.
type ApprovalStatus string

// Approval states. An empty status means the call was never subject to
// asynchronous approval.
const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
)

// ToolCall is the persisted superset of a ToolCallEvent plus result and
// approval fields. Result fields stay nil until (unless) the matching
// ToolResultEvent arrives.
type ToolCall struct {
	ToolCallID     string         `json:"toolCallId"`
	Timestamp      time.Time      `json:"ts"`
	User           string         `json:"user"`
	Hostname       string         `json:"hostname"`
	SessionID      string         `json:"sessionId,omitempty"`
	Cwd            string         `json:"cwd"`
	Model          string         `json:"model"`
	Tool           string         `json:"tool"`
	Params         map[string]any `json:"params,omitempty"`
	IsError        *bool          `json:"isError,omitempty"`
	DurationMS     *int64         `json:"durationMs,omitempty"`
	ExitCode       *int           `json:"exitCode,omitempty"`
	ResultTS       *time.Time     `json:"resultTs,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approvalStatus,omitempty"`
	ApprovalReason string         `json:"approvalReason,omitempty"`
}

// Lookup resolves a dotted field path against the event, e.g. "tool" or
// "params.command". The second return is false when the path does not
// resolve (absent field, or an intermediate that is not an object).
func (e *ToolCallEvent) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")

	var current any
	switch parts[0] {
	case "toolCallId":
		current = e.ToolCallID
	case "user":
		current = e.User
	case "hostname":
		current = e.Hostname
	case "sessionId":
		current = e.SessionID
	case "cwd":
		current = e.Cwd
	case "model":
		current = e.Model
	case "tool":
		current = e.Tool
	case "params":
		current = e.Params
	default:
		return nil, false
	}

	for _, part := range parts[1:] {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
