package policy

import (
	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
)

// DefaultDenyReason is returned for a deny rule that carries neither a
// reason nor a comment.
const DefaultDenyReason = "Denied by policy"

// Evaluation is the outcome of matching an event against a rule list.
// When RequiresManual is set or PluginName is non-empty, Response is a
// placeholder denial the caller must replace with the real outcome.
type Evaluation struct {
	Response       event.ApprovalResponse
	PluginName     string
	RequiresManual bool
	MatchedRule    *Rule
}

// EvaluateRules matches the event against the rules and dispatches on
// the matched rule's action. No matching rule means default-allow.
func (m *Matcher) EvaluateRules(ev *event.ToolCallEvent, rules []Rule) Evaluation {
	rule := m.FindMatchingRule(ev, rules)
	if rule == nil {
		return Evaluation{Response: event.ApprovalResponse{Approved: true}}
	}

	logger.Debug().
		Str("tool", ev.Tool).
		Str("action", string(rule.Action)).
		Str("comment", rule.Comment).
		Msg("Rule matched")

	switch rule.Action {
	case ActionAllow:
		return Evaluation{
			Response:    event.ApprovalResponse{Approved: true, Reason: rule.Comment},
			MatchedRule: rule,
		}

	case ActionDeny:
		reason := rule.Reason
		if reason == "" {
			reason = rule.Comment
		}
		if reason == "" {
			reason = DefaultDenyReason
		}
		return Evaluation{
			Response:    event.ApprovalResponse{Approved: false, Reason: reason},
			MatchedRule: rule,
		}

	case ActionManual:
		return Evaluation{
			Response:       event.ApprovalResponse{Approved: false},
			RequiresManual: true,
			MatchedRule:    rule,
		}

	case ActionPlugin:
		if rule.Plugin == "" {
			return Evaluation{
				Response:    event.ApprovalResponse{Approved: false, Reason: "Plugin not specified"},
				MatchedRule: rule,
			}
		}
		return Evaluation{
			Response:    event.ApprovalResponse{Approved: false},
			PluginName:  rule.Plugin,
			MatchedRule: rule,
		}

	default:
		logger.Warn().Str("action", string(rule.Action)).Msg("Unknown rule action, denying")
		return Evaluation{
			Response:    event.ApprovalResponse{Approved: false, Reason: "Unknown rule action: " + string(rule.Action)},
			MatchedRule: rule,
		}
	}
}
