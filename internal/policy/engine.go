package policy

import "strings"

// Input is the proposed tool call under evaluation.
type Input struct {
	ToolName string
	ArgsJSON string
}

// Verdict is the evaluation result. Matched reports whether a rule produced
// the decision; when false the decision is the no-match default.
type Verdict struct {
	Decision Decision
	Matched  bool
	Rule     Rule
}

// Evaluate applies the ordered rule set to the input under the given mode.
// The highest-priority applicable matching rule wins; priority ties break by
// declaration order, first declared wins. No matching rule yields ASK_USER:
// the engine fails toward asking a human, never toward silent approval or
// denial. Evaluate never panics; an internal fault also maps to ASK_USER.
func Evaluate(input Input, mode Mode, rules []Rule) (verdict Verdict) {
	defer func() {
		if recover() != nil {
			verdict = Verdict{Decision: DecisionAskUser}
		}
	}()

	toolName := strings.ToLower(strings.TrimSpace(input.ToolName))
	argsJSON := CompactArgs(input.ArgsJSON)

	best := -1
	for i := range rules {
		if !rules[i].AppliesTo(mode) {
			continue
		}
		if !rules[i].matches(toolName, argsJSON) {
			continue
		}
		if best < 0 || rules[i].Priority > rules[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return Verdict{Decision: DecisionAskUser}
	}
	return Verdict{Decision: rules[best].Decision, Matched: true, Rule: rules[best]}
}

// Engine binds Evaluate to a live rule set for callers that do not manage
// their own snapshots, and exposes the rules for inspection commands.
type Engine struct {
	rules *RuleSet
}

// NewEngine creates an engine over the given rule set.
func NewEngine(rules *RuleSet) *Engine {
	return &Engine{rules: rules}
}

// Evaluate snapshots the bound rule set and evaluates the input.
func (e *Engine) Evaluate(input Input, mode Mode) Verdict {
	return Evaluate(input, mode, e.rules.Snapshot())
}

// ListRules returns the bound rules in declaration order, read-only.
func (e *Engine) ListRules() []Rule {
	return e.rules.Snapshot()
}
