package policy

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Action is the disposition a rule assigns to a matching event.
type Action string

// Rule actions.
const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionManual Action = "manual"
	ActionPlugin Action = "plugin"
)

// Rule is a single declarative policy unit. An absent or empty Match
// matches every event; rules are evaluated in list order and the first
// match wins.
type Rule struct {
	Comment string                 `json:"comment,omitempty" yaml:"comment,omitempty"`
	Match   map[string]PatternList `json:"match,omitempty" yaml:"match,omitempty"`
	Action  Action                 `json:"action" yaml:"action"`
	Plugin  string                 `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Reason  string                 `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// PatternList holds the pattern(s) for one match field. In the config
// file a field may be a single pattern string or an array of patterns;
// an array matches when any element matches.
type PatternList []string

// UnmarshalJSON accepts either a string or an array of strings.
func (p *PatternList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = PatternList{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("match value must be a string or list of strings: %w", err)
	}
	*p = PatternList(list)
	return nil
}

// UnmarshalYAML accepts either a scalar or a sequence of scalars.
func (p *PatternList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = PatternList{node.Value}
		return nil
	}

	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("match value must be a string or list of strings: %w", err)
	}
	*p = PatternList(list)
	return nil
}
