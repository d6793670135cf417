package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Decision is the policy outcome for a proposed tool call.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionAskUser Decision = "ask_user"
)

// Mode is the session-wide approval mode.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAutoEdit Mode = "auto_edit"
	ModeYolo     Mode = "yolo"
)

// ParseMode normalizes a mode string.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeDefault):
		return ModeDefault, nil
	case string(ModeAutoEdit), "autoedit", "auto-edit":
		return ModeAutoEdit, nil
	case string(ModeYolo):
		return ModeYolo, nil
	default:
		return "", fmt.Errorf("unknown approval mode: %q", raw)
	}
}

// Category is the policy-overlay category a tool belongs to. Auto-edit mode
// widens auto-approval to read-only and edit tools but not shell or network.
type Category string

const (
	CategoryReadOnly Category = "read_only"
	CategoryEdit     Category = "edit"
	CategoryShell    Category = "shell"
	CategoryNetwork  Category = "network"
)

// Rule is one entry in an ordered rule set. An empty ToolName matches any
// tool; ArgsPattern, when set, is a regular expression matched against the
// call's compacted args JSON. Rules with neither overlay flag are in scope
// for every mode; flagged rules join the set only in the flagged mode.
type Rule struct {
	ToolName          string   `json:"tool_name,omitempty"`
	ArgsPattern       string   `json:"args_pattern,omitempty"`
	Decision          Decision `json:"decision"`
	Priority          int      `json:"priority"`
	AppliesInAutoEdit bool     `json:"applies_in_auto_edit,omitempty"`
	AppliesInYolo     bool     `json:"applies_in_yolo,omitempty"`
	Source            string   `json:"source,omitempty"`
}

// AppliesTo reports whether the rule is part of the rule set for mode.
func (r Rule) AppliesTo(mode Mode) bool {
	if !r.AppliesInAutoEdit && !r.AppliesInYolo {
		return true
	}
	switch mode {
	case ModeAutoEdit:
		return r.AppliesInAutoEdit
	case ModeYolo:
		return r.AppliesInYolo
	default:
		return false
	}
}

// Validate rejects rules that could never evaluate meaningfully.
func (r Rule) Validate() error {
	switch r.Decision {
	case DecisionAllow, DecisionDeny, DecisionAskUser:
	default:
		return fmt.Errorf("invalid rule decision: %q", r.Decision)
	}
	if r.ArgsPattern != "" {
		if _, err := regexp.Compile(r.ArgsPattern); err != nil {
			return fmt.Errorf("invalid args_pattern %q: %w", r.ArgsPattern, err)
		}
	}
	return nil
}

// Describe renders the rule for policy-denied messages and audit entries.
func (r Rule) Describe() string {
	tool := r.ToolName
	if tool == "" {
		tool = "*"
	}
	desc := fmt.Sprintf("rule[tool=%s decision=%s priority=%d", tool, r.Decision, r.Priority)
	if r.ArgsPattern != "" {
		desc += fmt.Sprintf(" args~%s", r.ArgsPattern)
	}
	if r.Source != "" {
		desc += " source=" + r.Source
	}
	return desc + "]"
}

func (r Rule) matches(toolName, argsJSON string) bool {
	if r.ToolName != "" && !strings.EqualFold(r.ToolName, toolName) {
		return false
	}
	if r.ArgsPattern == "" {
		return true
	}
	re, err := regexp.Compile(r.ArgsPattern)
	if err != nil {
		return false
	}
	return re.MatchString(argsJSON)
}

// RuleSet is an append-only, concurrency-safe ordered rule list. Evaluation
// works on snapshots, so appends never race with an in-flight Evaluate.
type RuleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRuleSet creates a rule set seeded with the given rules, in order.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	if err := rs.Append(rules...); err != nil {
		return nil, err
	}
	return rs, nil
}

// Append validates and appends rules, preserving declaration order.
func (rs *RuleSet) Append(rules ...Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, rules...)
	return nil
}

// Snapshot returns a copy of the rules in declaration order.
func (rs *RuleSet) Snapshot() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// CompactArgs canonicalizes an args JSON string for pattern matching and
// remembered-rule comparison. Invalid or empty input falls back untouched.
func CompactArgs(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return trimmed
	}
	return buf.String()
}
