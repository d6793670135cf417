package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushercli/usher/internal/audit"
	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/policy"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the tool call approval policy",
	}

	cmd.AddCommand(
		newPolicyStatusCmd(),
		newPolicyModeCmd(),
		newPolicyRulesCmd(),
		newPolicyClearRememberedCmd(),
	)

	return cmd
}

func newPolicyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show approval mode and rule counts",
		RunE:  runPolicyStatus,
	}
}

func newPolicyModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <default|auto_edit|yolo>",
		Short: "Set the startup approval mode",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyMode,
	}
}

func newPolicyRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List configured and remembered policy rules",
		RunE:  runPolicyRules,
	}
}

func newPolicyClearRememberedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-remembered",
		Short: "Forget all session-remembered approvals",
		RunE:  runPolicyClearRemembered,
	}
}

func runPolicyStatus(cmd *cobra.Command, args []string) error {
	cfg, workspacePath, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	remembered, err := policy.NewStore(workspacePath).Load()
	if err != nil {
		return fmt.Errorf("failed to load remembered rules: %w", err)
	}

	fmt.Println("Policy status:")
	fmt.Printf("  mode: %s\n", strings.TrimSpace(cfg.Policy.Mode))
	fmt.Printf("  configured_rules: %d\n", len(cfg.Policy.Rules))
	fmt.Printf("  remembered_rules: %d\n", len(remembered))
	fmt.Printf("  max_concurrent_tools: %d\n", cfg.Policy.MaxConcurrentTools)
	fmt.Printf("  cancel_grace_seconds: %d\n", cfg.Policy.CancelGraceSeconds)
	if strings.EqualFold(strings.TrimSpace(cfg.Policy.Mode), string(policy.ModeYolo)) {
		fmt.Println("  risk: HIGH-RISK (yolo mode runs every tool call without asking)")
	}
	return nil
}

func runPolicyMode(cmd *cobra.Command, args []string) error {
	mode, err := policy.ParseMode(args[0])
	if err != nil {
		return err
	}

	cfg, workspacePath, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	cfg.Policy.Mode = string(mode)
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	appendPolicySwitchAudit(workspacePath, mode)
	fmt.Printf("Approval mode set to %s.\n", mode)
	if mode == policy.ModeYolo {
		fmt.Println("Warning: yolo mode runs every tool call without asking.")
	}
	return nil
}

func runPolicyRules(cmd *cobra.Command, args []string) error {
	cfg, workspacePath, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	configured := cfg.PolicyRules()
	fmt.Printf("Configured rules (%d):\n", len(configured))
	for _, rule := range configured {
		fmt.Printf("  %s\n", rule.Describe())
	}

	remembered, err := policy.NewStore(workspacePath).Load()
	if err != nil {
		return fmt.Errorf("failed to load remembered rules: %w", err)
	}
	fmt.Printf("\nRemembered rules (%d):\n", len(remembered))
	for _, rule := range remembered {
		fmt.Printf("  %s\n", rule.Describe())
	}
	return nil
}

func runPolicyClearRemembered(cmd *cobra.Command, args []string) error {
	_, workspacePath, err := loadPolicyConfig()
	if err != nil {
		return err
	}

	store := policy.NewStore(workspacePath)
	remembered, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load remembered rules: %w", err)
	}
	if err := store.Clear(); err != nil {
		return fmt.Errorf("failed to clear remembered rules: %w", err)
	}

	evt := audit.Event{
		Time:   time.Now().UTC(),
		Type:   "remembered_rules_cleared",
		Result: fmt.Sprintf("cleared=%d", len(remembered)),
	}
	_ = audit.NewWriter(workspacePath).Append(evt)

	fmt.Printf("Cleared %d remembered rule(s).\n", len(remembered))
	return nil
}

func loadPolicyConfig() (*config.Config, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, "", fmt.Errorf("invalid workspace: %w", err)
	}
	return cfg, workspacePath, nil
}

func appendPolicySwitchAudit(workspacePath string, mode policy.Mode) {
	if strings.TrimSpace(workspacePath) == "" {
		return
	}
	evt := audit.Event{
		Time:   time.Now().UTC(),
		Type:   "policy_cli_switch",
		Mode:   string(mode),
		Result: fmt.Sprintf("mode=%s", mode),
	}
	_ = audit.NewWriter(workspacePath).Append(evt)
}
