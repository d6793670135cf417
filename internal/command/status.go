package command

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/metrics"
)

// StatusCommand implements /status — shows runtime status summary.
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Show runtime status" }

func (c *StatusCommand) Execute(_ context.Context, _ string, env Env) Result {
	var sb strings.Builder
	sb.WriteString("**Usher Status**\n\n")

	// Model & Workspace
	if env.Config != nil {
		sb.WriteString(fmt.Sprintf("- **Model:** `%s`\n", env.Config.Agents.Defaults.Model))
	}
	sb.WriteString(fmt.Sprintf("- **Workspace:** `%s`\n", env.WorkspacePath))

	// Approval mode and pending confirmations
	if env.Modes != nil {
		sb.WriteString(fmt.Sprintf("- **Approval mode:** `%s`\n", env.Modes.Mode()))
	}
	if env.ListRules != nil {
		sb.WriteString(fmt.Sprintf("- **Policy rules:** %d\n", len(env.ListRules())))
	}
	if env.PendingCount != nil {
		sb.WriteString(fmt.Sprintf("- **Pending confirmations:** %d\n", env.PendingCount()))
	}

	// Providers
	if env.Config != nil {
		sb.WriteString("\n**Providers:**\n\n")
		for name, key := range map[string]string{
			"OpenRouter": env.Config.Providers.OpenRouter.APIKey,
			"Claude":     env.Config.Providers.Claude.APIKey,
			"OpenAI":     env.Config.Providers.OpenAI.APIKey,
			"Ollama":     env.Config.Providers.Ollama.BaseURL,
		} {
			status := "not configured"
			if strings.TrimSpace(key) != "" {
				status = "configured"
			}
			sb.WriteString(fmt.Sprintf("- %s: %s\n", name, status))
		}
	}

	// Runtime metrics
	sb.WriteString("\n**Metrics:**\n\n")
	if env.Metrics != nil {
		snap := env.Metrics.Snapshot()
		if !snap.HasData() {
			snap, _ = metrics.ReadRuntimeSnapshot(env.WorkspacePath)
		}
		if snap.HasData() {
			sb.WriteString(fmt.Sprintf("- Updated: `%s`\n", snap.UpdatedAt.Format(time.RFC3339)))
			sb.WriteString(fmt.Sprintf("- Tools: %d calls, err=%.1f%%, p95=%dms\n",
				snap.Tool.Total,
				snap.Tool.ErrorRatio()*100,
				snap.Tool.P95ProxyLatencyMs,
			))
			sb.WriteString(fmt.Sprintf("- Confirmations: %d asked, approved=%.1f%%\n",
				snap.Confirm.Requests,
				snap.Confirm.ApprovalRatio()*100,
			))
		} else {
			sb.WriteString("- No data yet\n")
		}
	} else {
		sb.WriteString("- Unavailable\n")
	}

	// Config path
	configStatus := ""
	if _, err := os.Stat(config.ConfigPath()); err != nil {
		configStatus = " (not found)"
	}
	sb.WriteString(fmt.Sprintf("\n- **Config:** `%s`%s\n", config.ConfigPath(), configStatus))

	return Result{Content: sb.String()}
}
