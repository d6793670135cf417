package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/ushercli/usher/internal/audit"
	"github.com/ushercli/usher/internal/policy"
)

var (
	rulesAddDecision = "allow"
	rulesAddPriority = 100
)

func NewRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit policy rules",
	}

	cmd.AddCommand(
		newRulesListCmd(),
		newRulesAddCmd(),
		newRulesClearCmd(),
	)

	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show every active rule as a table",
		RunE:  runRulesList,
	}
}

func newRulesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <tool|*> [args-pattern]",
		Short: "Persist a policy rule",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runRulesAdd,
	}
	cmd.Flags().StringVar(&rulesAddDecision, "decision", "allow", "Rule decision (allow|deny|ask_user)")
	cmd.Flags().IntVar(&rulesAddPriority, "priority", 100, "Rule priority, higher wins")
	return cmd
}

func newRulesClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every persisted rule",
		RunE:  runRulesClear,
	}
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, workspacePath, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	remembered, err := policy.NewStore(workspacePath).Load()
	if err != nil {
		return fmt.Errorf("failed to load remembered rules: %w", err)
	}
	ruleSet, err := policy.NewRuleSet(append(cfg.PolicyRules(), remembered...)...)
	if err != nil {
		return fmt.Errorf("invalid policy rules: %w", err)
	}

	rules := policy.NewEngine(ruleSet).ListRules()
	if len(rules) == 0 {
		fmt.Println("No policy rules.")
		return nil
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TOOL", "PATTERN", "DECISION", "PRIORITY", "MODES", "SOURCE")
	for _, r := range rules {
		tool := r.ToolName
		if tool == "" {
			tool = "*"
		}
		tbl.Row(tool, r.ArgsPattern, string(r.Decision), strconv.Itoa(r.Priority), ruleModes(r), r.Source)
	}
	fmt.Println(tbl)
	return nil
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	_, workspacePath, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	tool := strings.TrimSpace(args[0])
	if tool == "*" {
		tool = ""
	}
	pattern := ""
	if len(args) > 1 {
		pattern = args[1]
	}

	rule := policy.Rule{
		ToolName:    tool,
		ArgsPattern: pattern,
		Decision:    policy.Decision(strings.ToLower(strings.TrimSpace(rulesAddDecision))),
		Priority:    rulesAddPriority,
		Source:      "cli",
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	if err := policy.NewStore(workspacePath).Append(rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	evt := audit.Event{
		Time:   time.Now().UTC(),
		Type:   "rule_added",
		Tool:   rule.ToolName,
		Result: rule.Describe(),
	}
	_ = audit.NewWriter(workspacePath).Append(evt)

	fmt.Printf("Added %s\n", rule.Describe())
	return nil
}

func runRulesClear(cmd *cobra.Command, args []string) error {
	return runPolicyClearRemembered(cmd, args)
}

func ruleModes(r policy.Rule) string {
	if !r.AppliesInAutoEdit && !r.AppliesInYolo {
		return "all"
	}
	var modes []string
	if r.AppliesInAutoEdit {
		modes = append(modes, string(policy.ModeAutoEdit))
	}
	if r.AppliesInYolo {
		modes = append(modes, string(policy.ModeYolo))
	}
	return strings.Join(modes, ",")
}
