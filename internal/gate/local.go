// Package gate decides whether a tool call may proceed. The local
// evaluator runs the rule engine in-process; the remote evaluator
// defers to a collector over HTTP. Verdicts are always values, never
// errors: a failing plugin or an unreachable collector degrades to a
// denial (or a configured allow), not a fault.
package gate

import (
	"context"
	"fmt"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/plugin"
	"github.com/toolwatch/toolwatch/internal/policy"
)

// Local evaluates events in-process against the configured rules,
// delegating manual approval and plugin dispatch as needed.
type Local struct {
	matcher  *policy.Matcher
	registry *plugin.Registry
	rules    []policy.Rule
	plugins  map[string]string // plugin name -> path
	baseDir  string
	manual   plugin.Plugin // nil when no interactive context exists
}

// NewLocal creates a local evaluator. manual may be nil, in which case
// manual-approval rules fail closed.
func NewLocal(rules []policy.Rule, plugins map[string]string, baseDir string, registry *plugin.Registry, manual plugin.Plugin) *Local {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	return &Local{
		matcher:  policy.NewMatcher(),
		registry: registry,
		rules:    rules,
		plugins:  plugins,
		baseDir:  baseDir,
		manual:   manual,
	}
}

// Evaluate returns the verdict for the event.
func (l *Local) Evaluate(ctx context.Context, ev *event.ToolCallEvent) event.ApprovalResponse {
	eval := l.matcher.EvaluateRules(ev, l.rules)

	if eval.RequiresManual {
		return l.evaluateManual(ctx, ev)
	}

	if eval.PluginName != "" {
		return l.evaluatePlugin(ctx, ev, eval.PluginName)
	}

	return eval.Response
}

func (l *Local) evaluateManual(ctx context.Context, ev *event.ToolCallEvent) event.ApprovalResponse {
	if l.manual == nil {
		return event.ApprovalResponse{Approved: false, Reason: "Manual approval requires interactive UI"}
	}

	resp, err := l.manual.Evaluate(ctx, ev)
	if err != nil {
		logger.Warn().Err(err).Str("toolCallId", ev.ToolCallID).Msg("Manual approval failed")
		return event.ApprovalResponse{Approved: false, Reason: fmt.Sprintf("Manual approval error: %v", err)}
	}
	return *resp
}

func (l *Local) evaluatePlugin(ctx context.Context, ev *event.ToolCallEvent, name string) event.ApprovalResponse {
	p, ok := l.registry.Load(name, l.plugins[name], l.baseDir)
	if !ok {
		return event.ApprovalResponse{Approved: false, Reason: "Plugin not found: " + name}
	}

	resp, err := p.Evaluate(ctx, ev)
	if err != nil {
		logger.Warn().Err(err).Str("plugin", name).Str("toolCallId", ev.ToolCallID).Msg("Plugin evaluation failed")
		return event.ApprovalResponse{Approved: false, Reason: fmt.Sprintf("Plugin %s error: %v", name, err)}
	}
	return *resp
}
