package commands

import (
	"github.com/spf13/cobra"

	"github.com/ushercli/usher/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usher",
		Short: "Usher - AI coding assistant with tool call approval",
		Long:  `Usher is an agentic coding CLI. Model-proposed tool calls go through a policy engine and, when policy does not decide, through interactive approval.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "chat")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewChatCmd(),
		NewRunCmd(),
		NewStatusCmd(),
		NewPolicyCmd(),
		NewRulesCmd(),
		NewVersionCmd(),
	)

	return cmd
}
