package policy

import "regexp"

// ToolProfile describes a registered tool to the overlay builder.
type ToolProfile struct {
	Name     string
	Category Category
}

const (
	overlayPriority = 0

	// RememberPriority outranks config and overlay rules so a remembered
	// approval sticks even when a lower-priority ask rule matches.
	RememberPriority = 100
)

// ModeOverlayRules derives the built-in overlay rules from the registered
// tools: auto-edit mode auto-approves read-only and edit category tools,
// yolo mode auto-approves everything. Overlay rules sit at the lowest
// priority so any user or remembered rule overrides them.
func ModeOverlayRules(profiles []ToolProfile) []Rule {
	rules := make([]Rule, 0, len(profiles)+1)
	for _, p := range profiles {
		if p.Category != CategoryReadOnly && p.Category != CategoryEdit {
			continue
		}
		rules = append(rules, Rule{
			ToolName:          p.Name,
			Decision:          DecisionAllow,
			Priority:          overlayPriority,
			AppliesInAutoEdit: true,
			Source:            "mode:auto_edit",
		})
	}
	rules = append(rules, Rule{
		Decision:      DecisionAllow,
		Priority:      overlayPriority,
		AppliesInYolo: true,
		Source:        "mode:yolo",
	})
	return rules
}

// RememberedRule builds the rule appended when a user answers a
// confirmation with "approve and remember".
func RememberedRule(toolName, argsJSON, decidedBy string) Rule {
	return Rule{
		ToolName:    toolName,
		ArgsPattern: regexpQuote(CompactArgs(argsJSON)),
		Decision:    DecisionAllow,
		Priority:    RememberPriority,
		Source:      "remember:" + decidedBy,
	}
}

func regexpQuote(s string) string {
	return "^" + regexp.QuoteMeta(s) + "$"
}
