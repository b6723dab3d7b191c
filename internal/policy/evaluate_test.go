package policy

import (
	"testing"

	"github.com/toolwatch/toolwatch/internal/event"
)

func TestEvaluateRulesEmptyListAllows(t *testing.T) {
	got := NewMatcher().EvaluateRules(bashEvent("ls"), nil)

	if !got.Response.Approved {
		t.Error("empty rule list should default-allow")
	}
	if got.Response.Reason != "" {
		t.Errorf("default allow should carry no reason, got %q", got.Response.Reason)
	}
	if got.MatchedRule != nil {
		t.Error("no rule should be reported as matched")
	}
}

func TestEvaluateRulesDispatch(t *testing.T) {
	tests := []struct {
		name         string
		rule         Rule
		wantApproved bool
		wantReason   string
		wantManual   bool
		wantPlugin   string
	}{
		{
			name:         "allow carries the comment as reason",
			rule:         Rule{Comment: "trusted tool", Action: ActionAllow},
			wantApproved: true,
			wantReason:   "trusted tool",
		},
		{
			name:         "deny prefers the explicit reason",
			rule:         Rule{Comment: "c", Reason: "nope", Action: ActionDeny},
			wantApproved: false,
			wantReason:   "nope",
		},
		{
			name:         "deny falls back to the comment",
			rule:         Rule{Comment: "blocked by policy team", Action: ActionDeny},
			wantApproved: false,
			wantReason:   "blocked by policy team",
		},
		{
			name:         "deny with neither reason nor comment",
			rule:         Rule{Action: ActionDeny},
			wantApproved: false,
			wantReason:   DefaultDenyReason,
		},
		{
			name:         "manual returns a placeholder denial",
			rule:         Rule{Action: ActionManual},
			wantApproved: false,
			wantManual:   true,
		},
		{
			name:         "plugin without a name is a config error",
			rule:         Rule{Action: ActionPlugin},
			wantApproved: false,
			wantReason:   "Plugin not specified",
		},
		{
			name:         "named plugin returns a placeholder",
			rule:         Rule{Action: ActionPlugin, Plugin: "checker"},
			wantApproved: false,
			wantPlugin:   "checker",
		},
	}

	m := NewMatcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.EvaluateRules(bashEvent("ls"), []Rule{tt.rule})

			if got.Response.Approved != tt.wantApproved {
				t.Errorf("approved = %v, want %v", got.Response.Approved, tt.wantApproved)
			}
			if got.Response.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Response.Reason, tt.wantReason)
			}
			if got.RequiresManual != tt.wantManual {
				t.Errorf("requiresManual = %v, want %v", got.RequiresManual, tt.wantManual)
			}
			if got.PluginName != tt.wantPlugin {
				t.Errorf("pluginName = %q, want %q", got.PluginName, tt.wantPlugin)
			}
			if got.MatchedRule == nil {
				t.Error("matched rule should be reported")
			}
		})
	}
}

func TestEvaluateRulesEndToEnd(t *testing.T) {
	rules := []Rule{
		{Match: map[string]PatternList{"tool": {"bash"}}, Action: ActionDeny, Reason: "Bash is denied"},
		{Action: ActionAllow},
	}

	m := NewMatcher()

	got := m.EvaluateRules(bashEvent("ls"), rules)
	if got.Response.Approved {
		t.Error("bash event should be denied")
	}
	if got.Response.Reason != "Bash is denied" {
		t.Errorf("reason = %q, want %q", got.Response.Reason, "Bash is denied")
	}

	readEv := &event.ToolCallEvent{ToolCallID: "tc-2", User: "amy", Tool: "read"}
	got = m.EvaluateRules(readEv, rules)
	if !got.Response.Approved {
		t.Errorf("read event should be allowed, got reason %q", got.Response.Reason)
	}
}
