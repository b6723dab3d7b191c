package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/toolwatch/toolwatch/internal/event"
)

// Matcher matches events against declarative rules. Compiled regular
// expressions are cached across calls.
type Matcher struct {
	cache sync.Map // pattern string -> *regexp.Regexp, or nil for invalid
}

// NewMatcher creates a new rule matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// FindMatchingRule returns the first rule (in list order) whose match
// condition is empty or fully satisfied by the event. Returns nil when
// no rule matches.
func (m *Matcher) FindMatchingRule(ev *event.ToolCallEvent, rules []Rule) *Rule {
	for i := range rules {
		rule := &rules[i]
		if m.ruleMatches(ev, rule) {
			return rule
		}
	}
	return nil
}

// ruleMatches reports whether every field of the rule's match condition
// matches the event (logical AND). An empty condition matches all.
func (m *Matcher) ruleMatches(ev *event.ToolCallEvent, rule *Rule) bool {
	if len(rule.Match) == 0 {
		return true
	}

	for path, patterns := range rule.Match {
		value, ok := ev.Lookup(path)
		if !ok {
			return false
		}

		strValue := fmt.Sprintf("%v", value)
		if !m.anyPatternMatches(patterns, strValue) {
			return false
		}
	}

	return true
}

// anyPatternMatches reports whether any pattern in the list matches the
// value (logical OR).
func (m *Matcher) anyPatternMatches(patterns PatternList, value string) bool {
	for _, pattern := range patterns {
		if m.patternMatches(pattern, value) {
			return true
		}
	}
	return false
}

// patternMatches tests a single pattern. A pattern of the form
// /expr/flags is treated as a regular expression; a pattern whose regex
// body fails to compile degrades to a byte-for-byte comparison against
// the original delimited text. Anything else is an exact string match.
func (m *Matcher) patternMatches(pattern, value string) bool {
	if body, flags, ok := splitRegexLiteral(pattern); ok {
		re := m.getOrCompile(pattern, body, flags)
		if re != nil {
			return re.MatchString(value)
		}
		// Invalid regex: fall through to literal comparison of the
		// delimited pattern text.
	}
	return pattern == value
}

// splitRegexLiteral splits a /expr/flags pattern into its body and
// flags. Requires a leading slash and at least one more slash.
func splitRegexLiteral(pattern string) (body, flags string, ok bool) {
	if len(pattern) < 2 || pattern[0] != '/' {
		return "", "", false
	}
	last := strings.LastIndexByte(pattern[1:], '/')
	if last < 0 {
		return "", "", false
	}
	last++ // index within pattern
	return pattern[1:last], pattern[last+1:], true
}

// getOrCompile returns the compiled regex for the pattern, caching both
// successes and failures. A nil result means the body is not valid
// regex syntax.
func (m *Matcher) getOrCompile(pattern, body, flags string) *regexp.Regexp {
	if cached, ok := m.cache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}

	expr := body
	if mods := regexMods(flags); mods != "" {
		expr = "(?" + mods + ")" + body
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		m.cache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}

	m.cache.Store(pattern, re)
	return re
}

// regexMods translates supported regex literal flags to Go inline
// modifiers. Unknown flags are ignored.
func regexMods(flags string) string {
	var mods strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 's', 'm':
			mods.WriteRune(f)
		}
	}
	return mods.String()
}
