package collector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/toolwatch/toolwatch/internal/approval"
	"github.com/toolwatch/toolwatch/internal/audit"
	"github.com/toolwatch/toolwatch/internal/config"
	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/plugin"
	"github.com/toolwatch/toolwatch/internal/policy"
	"github.com/toolwatch/toolwatch/internal/store"
)

// Handlers contains the HTTP handlers for the collector API.
type Handlers struct {
	store       store.Store
	coordinator *approval.Coordinator
	registry    *plugin.Registry
	matcher     *policy.Matcher
	sender      *audit.Sender
	cfg         *config.Config
	baseDir     string
	startedAt   time.Time
	version     string
}

// NewHandlers creates a new handlers instance.
func NewHandlers(st store.Store, coord *approval.Coordinator, registry *plugin.Registry, sender *audit.Sender, cfg *config.Config, baseDir, version string) *Handlers {
	return &Handlers{
		store:       st,
		coordinator: coord,
		registry:    registry,
		matcher:     policy.NewMatcher(),
		sender:      sender,
		cfg:         cfg,
		baseDir:     baseDir,
		startedAt:   time.Now(),
		version:     version,
	}
}

// Events handles POST /events: tool-call events are evaluated (or, with
// the audit-only header, recorded as already approved); tool-result
// events update the matching record's result fields.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// A call event carries a tool name; a result event does not.
	var probe struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if probe.Tool == "" {
		h.handleResult(w, body)
		return
	}

	h.handleCall(w, r, body)
}

func (h *Handlers) handleResult(w http.ResponseWriter, body []byte) {
	var res event.ToolResultEvent
	if err := json.Unmarshal(body, &res); err != nil || res.ToolCallID == "" {
		writeError(w, http.StatusBadRequest, "invalid result event")
		return
	}

	if err := h.store.UpdateResult(&res); err != nil {
		// Result delivery is best-effort; an unknown id usually means
		// the call was recorded by a different collector.
		logger.Debug().Err(err).Str("toolCallId", res.ToolCallID).Msg("Result update failed")
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleCall(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev event.ToolCallEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid call event")
		return
	}
	if ev.ToolCallID == "" {
		ev.ToolCallID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// Audit-only: the sender already made its decision locally and is
	// using the collector purely as a sink.
	if r.Header.Get(audit.Header) == "true" {
		if err := h.store.InsertCall(&ev, event.StatusApproved, ""); err != nil && !errors.Is(err, store.ErrDuplicate) {
			logger.Warn().Err(err).Str("toolCallId", ev.ToolCallID).Msg("Audit record insert failed")
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	eval := h.matcher.EvaluateRules(&ev, h.cfg.Rules)

	switch {
	case eval.RequiresManual:
		h.evaluateManual(w, r, &ev)

	case eval.PluginName != "":
		h.evaluatePlugin(w, r, &ev, eval.PluginName)

	default:
		status := event.StatusDenied
		if eval.Response.Approved {
			status = event.StatusApproved
		}
		if err := h.store.InsertCall(&ev, status, eval.Response.Reason); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				writeError(w, http.StatusConflict, "tool call already recorded")
				return
			}
			logger.Warn().Err(err).Str("toolCallId", ev.ToolCallID).Msg("Insert failed")
		}
		writeJSON(w, http.StatusOK, eval.Response)
	}
}

func (h *Handlers) evaluateManual(w http.ResponseWriter, r *http.Request, ev *event.ToolCallEvent) {
	if err := h.store.InsertCall(ev, event.StatusPending, ""); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "tool call already recorded")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record pending call")
		return
	}

	resp, err := h.coordinator.Evaluate(r.Context(), ev)
	if err != nil {
		writeJSON(w, http.StatusOK, event.ApprovalResponse{Approved: false, Reason: "Approval error: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) evaluatePlugin(w http.ResponseWriter, r *http.Request, ev *event.ToolCallEvent, name string) {
	if err := h.store.InsertCall(ev, event.StatusPending, ""); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "tool call already recorded")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record pending call")
		return
	}

	resp := h.runPlugin(r, ev, name)

	status := event.StatusDenied
	if resp.Approved {
		status = event.StatusApproved
	}
	if err := h.store.UpdateApprovalStatus(ev.ToolCallID, status, resp.Reason); err != nil {
		logger.Debug().Err(err).Str("toolCallId", ev.ToolCallID).Msg("Plugin verdict CAS failed")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) runPlugin(r *http.Request, ev *event.ToolCallEvent, name string) event.ApprovalResponse {
	p, ok := h.registry.Load(name, h.cfg.Plugins[name], h.baseDir)
	if !ok {
		return event.ApprovalResponse{Approved: false, Reason: "Plugin not found: " + name}
	}

	resp, err := p.Evaluate(r.Context(), ev)
	if err != nil {
		logger.Warn().Err(err).Str("plugin", name).Msg("Plugin evaluation failed")
		return event.ApprovalResponse{Approved: false, Reason: "Plugin " + name + " error: " + err.Error()}
	}
	return *resp
}

// Approve handles POST /approve/{id}.
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	h.resolveCall(w, r, true)
}

// Deny handles POST /deny/{id}.
func (h *Handlers) Deny(w http.ResponseWriter, r *http.Request) {
	h.resolveCall(w, r, false)
}

func (h *Handlers) resolveCall(w http.ResponseWriter, r *http.Request, approve bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	reason := r.URL.Query().Get("reason")

	var err error
	if approve {
		err = h.coordinator.Approve(id, reason)
	} else {
		err = h.coordinator.Deny(id, reason)
	}
	if err != nil {
		// Unknown id and already-resolved both surface as a failed CAS.
		writeError(w, http.StatusNotFound, "tool call not pending")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Pending handles GET /api/pending.
func (h *Handlers) Pending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.PendingApprovals()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(pending))
}

// Calls handles GET /api/calls with filtering and pagination.
func (h *Handlers) Calls(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)

	calls, err := h.store.Query(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(calls))
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"total_calls": stats.TotalCalls,
		"error_count": stats.ErrorCount,
		"users":       stats.Users,
		"tools":       stats.Tools,
		"models":      stats.Models,
	}
	if h.sender != nil {
		resp["audit"] = h.sender.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Filters handles GET /api/filters.
func (h *Handlers) Filters(w http.ResponseWriter, r *http.Request) {
	fv, err := h.store.FilterValues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    h.version,
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"started_at": h.startedAt,
	})
}

func parseFilter(r *http.Request) store.Filter {
	q := r.URL.Query()

	f := store.Filter{
		User:     q.Get("user"),
		Tool:     q.Get("tool"),
		Model:    q.Get("model"),
		Approval: q.Get("approval"),
		Search:   q.Get("search"),
	}

	if v := q.Get("isError"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.IsError = &b
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}

	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
