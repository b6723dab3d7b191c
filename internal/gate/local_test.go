package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/plugin"
	"github.com/toolwatch/toolwatch/internal/policy"
)

type stubPlugin struct {
	resp *event.ApprovalResponse
	err  error
}

func (p *stubPlugin) Evaluate(ctx context.Context, ev *event.ToolCallEvent) (*event.ApprovalResponse, error) {
	return p.resp, p.err
}

func testEvent() *event.ToolCallEvent {
	return &event.ToolCallEvent{
		ToolCallID: "tc-1",
		User:       "amy",
		Tool:       "bash",
		Params:     map[string]any{"command": "ls"},
	}
}

func TestLocalImmediateVerdicts(t *testing.T) {
	rules := []policy.Rule{
		{Match: map[string]policy.PatternList{"tool": {"bash"}}, Action: policy.ActionDeny, Reason: "Bash is denied"},
		{Action: policy.ActionAllow},
	}

	l := NewLocal(rules, nil, "", nil, nil)

	got := l.Evaluate(context.Background(), testEvent())
	if got.Approved || got.Reason != "Bash is denied" {
		t.Errorf("bash verdict = %+v", got)
	}

	got = l.Evaluate(context.Background(), &event.ToolCallEvent{ToolCallID: "tc-2", Tool: "read"})
	if !got.Approved {
		t.Errorf("read verdict = %+v", got)
	}
}

func TestLocalManualWithoutUIFailsClosed(t *testing.T) {
	rules := []policy.Rule{{Action: policy.ActionManual}}

	l := NewLocal(rules, nil, "", nil, nil)
	got := l.Evaluate(context.Background(), testEvent())

	if got.Approved {
		t.Error("manual approval without a UI must fail closed")
	}
	if !strings.Contains(got.Reason, "interactive UI") {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestLocalManualDelegate(t *testing.T) {
	rules := []policy.Rule{{Action: policy.ActionManual}}
	manual := &stubPlugin{resp: &event.ApprovalResponse{Approved: true, Reason: "operator said yes"}}

	l := NewLocal(rules, nil, "", nil, manual)
	got := l.Evaluate(context.Background(), testEvent())

	if !got.Approved || got.Reason != "operator said yes" {
		t.Errorf("verdict = %+v", got)
	}
}

func TestLocalPluginDispatch(t *testing.T) {
	rules := []policy.Rule{{Action: policy.ActionPlugin, Plugin: "checker"}}

	registry := plugin.NewRegistry()
	registry.Register("checker", &stubPlugin{resp: &event.ApprovalResponse{Approved: true}})

	l := NewLocal(rules, nil, "", registry, nil)
	got := l.Evaluate(context.Background(), testEvent())

	if !got.Approved {
		t.Errorf("verdict = %+v", got)
	}
}

func TestLocalPluginNotFoundDenies(t *testing.T) {
	rules := []policy.Rule{{Action: policy.ActionPlugin, Plugin: "ghost"}}

	l := NewLocal(rules, nil, "", plugin.NewRegistry(), nil)
	got := l.Evaluate(context.Background(), testEvent())

	if got.Approved {
		t.Error("missing plugin must deny")
	}
	if !strings.Contains(got.Reason, "Plugin not found") {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestLocalPluginFaultBecomesDenial(t *testing.T) {
	rules := []policy.Rule{{Action: policy.ActionPlugin, Plugin: "faulty"}}

	registry := plugin.NewRegistry()
	registry.Register("faulty", &stubPlugin{err: errors.New("boom")})

	l := NewLocal(rules, nil, "", registry, nil)
	got := l.Evaluate(context.Background(), testEvent())

	if got.Approved {
		t.Error("plugin fault must deny")
	}
	if !strings.Contains(got.Reason, "boom") {
		t.Errorf("reason should carry the fault, got %q", got.Reason)
	}
}

func TestLocalPluginWithoutNameDenies(t *testing.T) {
	rules := []policy.Rule{{Action: policy.ActionPlugin}}

	l := NewLocal(rules, nil, "", nil, nil)
	got := l.Evaluate(context.Background(), testEvent())

	if got.Approved {
		t.Error("plugin rule without a name must deny")
	}
	if got.Reason != "Plugin not specified" {
		t.Errorf("reason = %q", got.Reason)
	}
}
