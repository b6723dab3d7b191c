package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
)

// ErrorAction decides the verdict when remote evaluation fails.
type ErrorAction string

// Error actions. Block is the safe default.
const (
	ErrorActionBlock ErrorAction = "block"
	ErrorActionAllow ErrorAction = "allow"
)

// Remote forwards evaluation to a collector service over HTTP.
type Remote struct {
	url         string
	timeout     time.Duration // zero means wait indefinitely
	errorAction ErrorAction
	client      *http.Client
}

// RemoteResult is a verdict plus the audit-fallback signal. AuditFailed
// is set on every failure path so the caller knows the collector did
// not record the event and local fallback logging is needed.
type RemoteResult struct {
	Response    event.ApprovalResponse
	AuditFailed bool
}

// NewRemote creates a remote evaluator. An empty errorAction defaults
// to block.
func NewRemote(url string, timeout time.Duration, errorAction ErrorAction) *Remote {
	if errorAction == "" {
		errorAction = ErrorActionBlock
	}
	return &Remote{
		url:         url,
		timeout:     timeout,
		errorAction: errorAction,
		client:      &http.Client{},
	}
}

// Evaluate POSTs the event to the collector and returns its verdict.
// Timeouts, transport failures and non-2xx responses all resolve per
// the configured error action.
func (r *Remote) Evaluate(ctx context.Context, ev *event.ToolCallEvent) RemoteResult {
	data, err := json.Marshal(ev)
	if err != nil {
		return r.fail(fmt.Sprintf("Approval error: %v", err))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return r.fail(fmt.Sprintf("Approval error: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Str("url", r.url).Dur("timeout", r.timeout).Msg("Remote approval timed out")
			return r.fail("Approval timeout")
		}
		logger.Warn().Err(err).Str("url", r.url).Msg("Remote approval request failed")
		return r.fail(fmt.Sprintf("Approval error: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Str("url", r.url).Msg("Remote approval returned error status")
		return r.fail(fmt.Sprintf("Approval error: collector returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.fail(fmt.Sprintf("Approval error: %v", err))
	}

	var approval event.ApprovalResponse
	if err := json.Unmarshal(body, &approval); err != nil {
		return r.fail(fmt.Sprintf("Approval error: invalid collector response: %v", err))
	}

	return RemoteResult{Response: approval}
}

// fail resolves a failure per the configured error action and flags
// the audit fallback.
func (r *Remote) fail(reason string) RemoteResult {
	return RemoteResult{
		Response: event.ApprovalResponse{
			Approved: r.errorAction == ErrorActionAllow,
			Reason:   reason,
		},
		AuditFailed: true,
	}
}
