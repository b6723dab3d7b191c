// Package approval coordinates manual human approval of tool calls on
// the collector side. Decisions can arrive from this process (an
// operator clicking approve/deny) or from another process entirely;
// the store is the single source of truth and a polling loop
// reconciles decisions made elsewhere with resolvers blocked here.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/store"
)

// DefaultPollInterval bounds how stale a cross-process decision can be
// before a resolver blocked in this process observes it.
const DefaultPollInterval = 500 * time.Millisecond

type outcome struct {
	status event.ApprovalStatus
	reason string
}

// Coordinator owns the process-local resolver map and the polling
// loop. Construct one at startup and pass it by reference to every
// handler; there is no package-level state.
type Coordinator struct {
	mu        sync.Mutex
	resolvers map[string]chan outcome

	store        store.Store
	pollInterval time.Duration
	broadcast    func(pending []*event.ToolCall)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator backed by the given store. A
// zero pollInterval uses the default.
func NewCoordinator(st store.Store, pollInterval time.Duration) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Coordinator{
		resolvers:    make(map[string]chan outcome),
		store:        st,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
}

// SetBroadcast registers the function invoked with the full current
// pending list on every state change.
func (c *Coordinator) SetBroadcast(fn func(pending []*event.ToolCall)) {
	c.broadcast = fn
}

// Start launches the reconciliation poller.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.reconcile()
			}
		}
	}()
}

// Stop stops the poller and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Evaluate blocks until an operator (in this process or another)
// resolves the call, or until ctx expires. The pending record must
// already be persisted by the caller. This is the only operation in
// the system that blocks indefinitely; it is bounded only by whatever
// timeout the caller's context imposes.
func (c *Coordinator) Evaluate(ctx context.Context, ev *event.ToolCallEvent) (*event.ApprovalResponse, error) {
	if c.store == nil {
		return &event.ApprovalResponse{Approved: false, Reason: "Approval storage unavailable"}, nil
	}

	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.resolvers[ev.ToolCallID] = ch
	c.mu.Unlock()

	c.broadcastPending()

	logger.Info().
		Str("toolCallId", ev.ToolCallID).
		Str("tool", ev.Tool).
		Str("user", ev.User).
		Msg("Waiting for manual approval")

	select {
	case out := <-ch:
		reason := out.reason
		if out.status == event.StatusApproved {
			return &event.ApprovalResponse{Approved: true, Reason: reason}, nil
		}
		if reason == "" {
			reason = "Denied by operator"
		}
		return &event.ApprovalResponse{Approved: false, Reason: reason}, nil

	case <-ctx.Done():
		// The caller gave up waiting. Drop our resolver; the record
		// stays pending in the store and may still be resolved later.
		c.mu.Lock()
		delete(c.resolvers, ev.ToolCallID)
		c.mu.Unlock()
		return &event.ApprovalResponse{Approved: false, Reason: "Approval wait cancelled"}, nil
	}
}

// Approve resolves a pending call as approved.
func (c *Coordinator) Approve(id, reason string) error {
	return c.resolve(id, event.StatusApproved, reason)
}

// Deny resolves a pending call as denied.
func (c *Coordinator) Deny(id, reason string) error {
	return c.resolve(id, event.StatusDenied, reason)
}

// resolve performs the store-level CAS, then completes the local
// resolver if one exists. Removing the resolver from the map before
// completing it, under the mutex, guarantees the poll path and the
// local path deliver exactly one completion between them. A CAS
// failure (someone else won the race) still attempts local completion
// but is reported to the caller.
func (c *Coordinator) resolve(id string, status event.ApprovalStatus, reason string) error {
	var casErr error
	if c.store != nil {
		casErr = c.store.UpdateApprovalStatus(id, status, reason)
	}

	c.complete(id, outcome{status: status, reason: reason})
	c.broadcastPending()

	if casErr != nil {
		logger.Warn().Err(casErr).Str("toolCallId", id).Str("status", string(status)).Msg("Approval status update failed")
		return casErr
	}

	logger.Info().Str("toolCallId", id).Str("status", string(status)).Msg("Tool call resolved")
	return nil
}

// complete removes the resolver for id (if any) and delivers the
// outcome to it. A second completion for the same id is a no-op.
func (c *Coordinator) complete(id string, out outcome) {
	c.mu.Lock()
	ch, ok := c.resolvers[id]
	if ok {
		delete(c.resolvers, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- out
	}
}

// reconcile wakes resolvers whose records were resolved by another
// process. The store is shared across collector instances while
// resolvers are process-local; without this pass a decision recorded
// by instance B would never reach a call blocked in instance A.
func (c *Coordinator) reconcile() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.resolvers))
	for id := range c.resolvers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		call, err := c.store.GetCall(id)
		if err != nil {
			logger.Debug().Err(err).Str("toolCallId", id).Msg("Failed to re-read pending call")
			continue
		}
		if call.ApprovalStatus == event.StatusPending {
			continue
		}

		logger.Debug().
			Str("toolCallId", id).
			Str("status", string(call.ApprovalStatus)).
			Msg("Pending call resolved externally")
		c.complete(id, outcome{status: call.ApprovalStatus, reason: call.ApprovalReason})
		c.broadcastPending()
	}
}

// broadcastPending publishes the full current pending list to live
// viewers. Full-list snapshots trade bandwidth for never needing
// reconciliation on the viewer side.
func (c *Coordinator) broadcastPending() {
	if c.broadcast == nil || c.store == nil {
		return
	}

	pending, err := c.store.PendingApprovals()
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to load pending approvals for broadcast")
		return
	}
	c.broadcast(pending)
}
