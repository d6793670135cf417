package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushercli/usher/internal/agent"
	"github.com/ushercli/usher/internal/bus"
	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/gateway"
	"github.com/ushercli/usher/internal/metrics"
	"github.com/ushercli/usher/internal/provider"
	"github.com/ushercli/usher/internal/remote"
)

func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start Usher server",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	msgBus := bus.NewMessageBus()

	model, err := provider.NewChatModel(ctx, cfg)
	if err != nil {
		slog.Warn("no model configured", "error", err)
	}

	loop, err := agent.NewLoop(cfg, msgBus, model)
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}
	if err := loop.RegisterDefaultTools(cfg); err != nil {
		return err
	}

	workspacePath, _ := cfg.WorkspacePathChecked()
	loop.SetRuntimeMetrics(metrics.NewRuntimeMetrics(workspacePath))

	errCh := make(chan error, 2)
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("agent loop failed: %w", err)
		}
	}()

	// Outbound bus messages have no attached surface in server mode; chat
	// responses travel back on the gateway request itself.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-msgBus.Outbound():
				if !ok {
					return
				}
				if out != nil {
					slog.Debug("outbound message dropped", "channel", out.Channel, "chat_id", out.ChatID)
				}
			}
		}
	}()

	var approver *remote.TelegramApprover
	if cfg.Telegram.Enabled {
		approver = remote.NewTelegramApprover(&cfg.Telegram, loop.Broker())
		go func() {
			if err := approver.Start(ctx); err != nil {
				slog.Warn("telegram approver failed", "error", err)
			}
		}()
	}

	gatewayServer := gateway.New(cfg.Gateway, loop, gateway.Options{
		Broker:    loop.Broker(),
		Interrupt: loop.Interrupt,
	})
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Usher server running. Gateway: http://%s\nPress Ctrl+C to stop.\n", gatewayServer.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	loop.Broker().CancelAll()
	if approver != nil {
		_ = approver.Stop(shutdownCtx)
	}
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}

	return runErr
}
