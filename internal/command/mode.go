package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ushercli/usher/internal/policy"
)

// ModeCommand implements /mode — shows, sets, or cycles the approval mode.
type ModeCommand struct{}

func (c *ModeCommand) Name() string        { return "mode" }
func (c *ModeCommand) Description() string { return "Show or switch the approval mode" }

func (c *ModeCommand) Execute(_ context.Context, args string, env Env) Result {
	if env.Modes == nil {
		return Result{Content: "Approval modes are not available."}
	}

	args = strings.TrimSpace(args)
	switch args {
	case "":
		return Result{Content: fmt.Sprintf("Approval mode: **%s**", env.Modes.Mode())}
	case "cycle":
		mode := env.Modes.Cycle()
		slog.Info("approval mode cycled", "mode", string(mode))
		return Result{Content: fmt.Sprintf("Approval mode is now **%s**", mode)}
	default:
		if err := env.Modes.Set(policy.Mode(args)); err != nil {
			return Result{Content: fmt.Sprintf("Error: %s. Valid modes: default, auto_edit, yolo.", err)}
		}
		mode := env.Modes.Mode()
		slog.Info("approval mode set", "mode", string(mode))
		return Result{Content: fmt.Sprintf("Approval mode is now **%s**", mode)}
	}
}
