package command

import (
	"context"
	"fmt"
	"strings"
)

// PolicyCommand implements /policy — lists the active policy rules.
type PolicyCommand struct{}

func (c *PolicyCommand) Name() string        { return "policy" }
func (c *PolicyCommand) Description() string { return "List active policy rules" }

func (c *PolicyCommand) Execute(_ context.Context, _ string, env Env) Result {
	if env.ListRules == nil {
		return Result{Content: "Policy rules are not available."}
	}

	rules := env.ListRules()
	if len(rules) == 0 {
		return Result{Content: "No policy rules configured. Unmatched tool calls ask for confirmation."}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Policy rules (%d, declaration order):**\n\n", len(rules)))
	for i, r := range rules {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, r.Describe()))
	}
	return Result{Content: sb.String()}
}
