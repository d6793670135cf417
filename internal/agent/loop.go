package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/ushercli/usher/internal/audit"
	"github.com/ushercli/usher/internal/bus"
	"github.com/ushercli/usher/internal/command"
	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/confirm"
	"github.com/ushercli/usher/internal/metrics"
	"github.com/ushercli/usher/internal/policy"
	"github.com/ushercli/usher/internal/schedule"
	"github.com/ushercli/usher/internal/session"
	"github.com/ushercli/usher/internal/tools"
)

// Loop is the main agent processing loop. Model turns run sequentially;
// tool call batches inside a turn go through the scheduler, which handles
// concurrency, policy consults, and confirmation prompts.
type Loop struct {
	bus           *bus.MessageBus
	model         model.ChatModel
	tools         *tools.Registry
	commands      *command.Registry
	sessions      *session.Manager
	context       *ContextBuilder
	config        *config.Config
	scheduler     *schedule.Scheduler
	rules         *policy.RuleSet
	engine        *policy.Engine
	modes         *policy.ModeController
	audit         *audit.Writer
	maxIterations int
	workspacePath string
	now           func() time.Time
	runtimeMetric *metrics.RuntimeMetrics

	OnToolStart  func(callID, name, args string)
	OnToolFinish func(callID, name, result string, err error)

	activityRecorder func(channel, chatID string)

	turnMu      sync.Mutex
	turnSeq     uint64
	turnCancels map[uint64]context.CancelFunc
}

// NewLoop creates a new agent loop
func NewLoop(cfg *config.Config, msgBus *bus.MessageBus, chatModel model.ChatModel) (*Loop, error) {
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, err
	}

	mode, err := policy.ParseMode(cfg.Policy.Mode)
	if err != nil {
		return nil, err
	}

	store := policy.NewStore(workspacePath)
	remembered, err := store.Load()
	if err != nil {
		slog.Warn("failed to load remembered rules", "error", err)
	}
	rules, err := policy.NewRuleSet(append(cfg.PolicyRules(), remembered...)...)
	if err != nil {
		return nil, fmt.Errorf("invalid policy rules: %w", err)
	}

	cmdRegistry := command.NewRegistry()
	cmdRegistry.Register(&command.NewSessionCommand{})
	cmdRegistry.Register(&command.HelpCommand{})
	cmdRegistry.Register(&command.VersionCommand{})
	cmdRegistry.Register(&command.StatusCommand{})
	cmdRegistry.Register(&command.ModeCommand{})
	cmdRegistry.Register(&command.PolicyCommand{})

	registry := tools.NewRegistry()
	modes := policy.NewModeController(mode)
	scheduler := schedule.NewScheduler(registry, rules, modes, confirm.NewBroker(), store, slog.Default(), schedule.Config{
		MaxConcurrent: cfg.Policy.MaxConcurrentTools,
		CancelGrace:   time.Duration(cfg.Policy.CancelGraceSeconds) * time.Second,
	})

	l := &Loop{
		bus:           msgBus,
		model:         chatModel,
		tools:         registry,
		commands:      cmdRegistry,
		sessions:      session.NewManager(workspacePath),
		context:       NewContextBuilder(workspacePath),
		config:        cfg,
		scheduler:     scheduler,
		rules:         rules,
		engine:        policy.NewEngine(rules),
		modes:         modes,
		audit:         audit.NewWriter(workspacePath),
		maxIterations: cfg.Agents.Defaults.MaxToolIterations,
		workspacePath: workspacePath,
		now:           time.Now,
		turnCancels:   make(map[uint64]context.CancelFunc),
	}
	l.observeScheduler()
	return l, nil
}

// Tools returns the tool registry.
func (l *Loop) Tools() *tools.Registry {
	return l.tools
}

// Scheduler returns the tool call scheduler.
func (l *Loop) Scheduler() *schedule.Scheduler {
	return l.scheduler
}

// Broker returns the confirmation broker answer surfaces resolve against.
func (l *Loop) Broker() *confirm.Broker {
	return l.scheduler.Broker()
}

// Modes returns the approval mode controller.
func (l *Loop) Modes() *policy.ModeController {
	return l.modes
}

// Interrupt cancels every in-flight turn. Pending confirmations resolve as
// cancelled, executing calls get the scheduler's cancel grace, and the
// interrupted turn returns a synthesized cancelled outcome.
func (l *Loop) Interrupt() {
	l.turnMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(l.turnCancels))
	for _, cancel := range l.turnCancels {
		cancels = append(cancels, cancel)
	}
	l.turnMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (l *Loop) beginTurn(cancel context.CancelFunc) uint64 {
	l.turnMu.Lock()
	defer l.turnMu.Unlock()
	l.turnSeq++
	l.turnCancels[l.turnSeq] = cancel
	return l.turnSeq
}

func (l *Loop) endTurn(id uint64) {
	l.turnMu.Lock()
	defer l.turnMu.Unlock()
	delete(l.turnCancels, id)
}

// SetActivityRecorder attaches a callback used to track the latest active channel/chat.
func (l *Loop) SetActivityRecorder(recorder func(channel, chatID string)) {
	l.activityRecorder = recorder
}

// SetRuntimeMetrics attaches a runtime metrics recorder for tool execution stats.
func (l *Loop) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	l.runtimeMetric = recorder
}

// RegisterDefaultTools registers all built-in tools and installs the mode
// overlay rules derived from their profiles.
func (l *Loop) RegisterDefaultTools(cfg *config.Config) error {
	toolFns := []func() (tools.Definition, error){
		func() (tools.Definition, error) { return tools.NewReadFileTool(l.workspacePath) },
		func() (tools.Definition, error) { return tools.NewWriteFileTool(l.workspacePath) },
		func() (tools.Definition, error) { return tools.NewEditFileTool(l.workspacePath) },
		func() (tools.Definition, error) { return tools.NewAppendFileTool(l.workspacePath) },
		func() (tools.Definition, error) { return tools.NewListDirTool(l.workspacePath) },
		func() (tools.Definition, error) {
			return tools.NewExecTool(
				cfg.Tools.Exec.Timeout,
				cfg.Tools.Exec.RestrictToWorkspace,
				l.workspacePath,
			)
		},
		func() (tools.Definition, error) { return tools.NewWebFetchTool() },
	}

	for _, fn := range toolFns {
		def, err := fn()
		if err != nil {
			return err
		}
		if err := l.tools.Register(def); err != nil {
			return err
		}
	}
	registered := l.tools.Names()

	// Overlay rules widen what runs without asking in auto_edit and yolo.
	// They carry mode guards, so in default mode they never match.
	if err := l.rules.Append(policy.ModeOverlayRules(l.tools.Profiles())...); err != nil {
		return err
	}

	slog.Info("registered tools", "count", len(registered), "tools", registered)
	return nil
}

// observeScheduler mirrors scheduler transitions into the audit log and
// runtime metrics. Confirmation outcomes are inferred from the transition
// that follows awaiting_approval.
func (l *Loop) observeScheduler() {
	var mu sync.Mutex
	awaiting := make(map[string]bool)
	wasAwaiting := func(callID string) bool {
		mu.Lock()
		defer mu.Unlock()
		if !awaiting[callID] {
			return false
		}
		delete(awaiting, callID)
		return true
	}

	l.scheduler.OnEvent(func(ev schedule.Event) {
		switch ev.Status {
		case schedule.StatusAwaitingApproval:
			mu.Lock()
			awaiting[ev.CallID] = true
			mu.Unlock()
			l.appendAudit(audit.Event{
				Time:   ev.At,
				Type:   "confirmation_requested",
				CallID: ev.CallID,
				Tool:   ev.ToolName,
				Mode:   string(l.modes.Mode()),
			})
		case schedule.StatusExecuting:
			if wasAwaiting(ev.CallID) {
				l.recordConfirmation(metrics.ConfirmApproved)
				l.appendAudit(audit.Event{
					Time:     ev.At,
					Type:     "confirmation_resolved",
					CallID:   ev.CallID,
					Tool:     ev.ToolName,
					Decision: "approved",
				})
			}
		case schedule.StatusError, schedule.StatusCancelled:
			if wasAwaiting(ev.CallID) {
				outcome := metrics.ConfirmDenied
				decision := "denied"
				if ev.Status == schedule.StatusCancelled {
					outcome = metrics.ConfirmCancelled
					decision = "cancelled"
				}
				l.recordConfirmation(outcome)
				l.appendAudit(audit.Event{
					Time:     ev.At,
					Type:     "confirmation_resolved",
					CallID:   ev.CallID,
					Tool:     ev.ToolName,
					Decision: decision,
				})
			}
			l.appendAudit(audit.Event{
				Time:     ev.At,
				Type:     "tool_call",
				CallID:   ev.CallID,
				Tool:     ev.ToolName,
				Mode:     string(l.modes.Mode()),
				Decision: string(ev.Status),
				Result:   truncateForAudit(ev.Detail),
			})
		case schedule.StatusSuccess:
			l.appendAudit(audit.Event{
				Time:     ev.At,
				Type:     "tool_call",
				CallID:   ev.CallID,
				Tool:     ev.ToolName,
				Mode:     string(l.modes.Mode()),
				Decision: string(ev.Status),
			})
		}
	})
}

func (l *Loop) appendAudit(event audit.Event) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Append(event); err != nil {
		slog.Warn("append audit event failed", "type", event.Type, "error", err)
	}
}

func (l *Loop) recordConfirmation(outcome metrics.ConfirmOutcome) {
	if l.runtimeMetric == nil {
		return
	}
	if _, err := l.runtimeMetric.RecordConfirmation(outcome); err != nil {
		slog.Warn("record runtime metrics failed", "scope", "confirm", "error", err)
	}
}

func truncateForAudit(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (l *Loop) bindTools(ctx context.Context) error {
	if l.model == nil {
		return nil
	}
	toolInfos, err := l.tools.Infos(ctx)
	if err != nil {
		return err
	}
	if len(toolInfos) == 0 {
		return nil
	}
	if binder, ok := l.model.(interface {
		BindTools([]*schema.ToolInfo) error
	}); ok {
		return binder.BindTools(toolInfos)
	}
	return nil
}

// Run starts the agent loop
func (l *Loop) Run(ctx context.Context) error {
	if err := l.bindTools(ctx); err != nil {
		return err
	}

	slog.Info("agent loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-l.bus.Inbound():
			if !ok {
				return fmt.Errorf("inbound channel closed")
			}
			if msg == nil {
				slog.Warn("received nil inbound message")
				continue
			}
			if strings.TrimSpace(msg.RequestID) == "" {
				msg.RequestID = bus.NewRequestID()
			}
			resp, err := l.processMessage(ctx, msg)
			if err != nil {
				slog.Error("process message failed", "request_id", msg.RequestID, "channel", msg.Channel, "chat_id", msg.ChatID, "session_key", msg.SessionKey(), "error", err)
				l.bus.PublishOutbound(&bus.OutboundMessage{
					Channel:   msg.Channel,
					ChatID:    msg.ChatID,
					Content:   "Error: " + err.Error(),
					RequestID: msg.RequestID,
				})
				continue
			}
			if resp != nil {
				l.bus.PublishOutbound(resp)
			}
		}
	}
}

func (l *Loop) processMessage(ctx context.Context, msg *bus.InboundMessage) (*bus.OutboundMessage, error) {
	slog.Info("processing message", "request_id", msg.RequestID, "channel", msg.Channel, "chat_id", msg.ChatID, "sender", msg.SenderID, "session_key", msg.SessionKey())
	if l.activityRecorder != nil {
		l.activityRecorder(msg.Channel, msg.ChatID)
	}

	// Slash command interception — execute directly, skip LLM.
	if cmd, args, ok := l.commands.Lookup(msg.Content); ok {
		result := cmd.Execute(ctx, args, command.Env{
			Channel:       msg.Channel,
			ChatID:        msg.ChatID,
			SenderID:      msg.SenderID,
			SessionKey:    msg.SessionKey(),
			Sessions:      l.sessions,
			WorkspacePath: l.workspacePath,
			Config:        l.config,
			Metrics:       l.runtimeMetric,
			Modes:         l.modes,
			ListRules:     l.engine.ListRules,
			PendingCount:  l.scheduler.Broker().Len,
			ListCommands:  l.commands.List,
		})
		return &bus.OutboundMessage{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			Content:   result.Content,
			RequestID: msg.RequestID,
		}, nil
	}

	// Model turns are interruptible as a unit: Interrupt cancels this
	// context, which cancels the in-flight tool batch.
	ctx, cancelTurn := context.WithCancel(ctx)
	turnID := l.beginTurn(cancelTurn)
	defer func() {
		l.endTurn(turnID)
		cancelTurn()
	}()

	// Turn-scoped remembered approvals do not outlive the user turn.
	l.scheduler.ResetTurn()

	sess := l.sessions.GetOrCreate(msg.SessionKey())
	messages := l.context.BuildMessages(sess.GetHistory(50), msg.Content, msg.Media)

	var finalContent string
	interrupted := false

	for i := 0; i < l.maxIterations && !interrupted; i++ {
		if l.model == nil {
			finalContent = "No model configured"
			break
		}

		resp, err := l.model.Generate(ctx, messages)
		if err != nil {
			return nil, err
		}

		// Always capture the latest content from the LLM response,
		// even when tool calls are present.
		if resp.Content != "" {
			finalContent = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, resp)

		toolMsgs, cancelled, err := l.runToolBatch(ctx, msg, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toolMsgs...)
		interrupted = cancelled
	}

	if interrupted && finalContent == "" {
		finalContent = "Interrupted."
	}
	if finalContent == "" {
		finalContent = "Processing complete."
	}

	sess.AddMessage("user", msg.Content)
	sess.AddMessage("assistant", finalContent)
	l.sessions.Save(sess)

	return &bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   finalContent,
		RequestID: msg.RequestID,
	}, nil
}

// runToolBatch dispatches one batch of model-proposed tool calls and maps
// the results back to tool messages in proposal order. A cancelled batch
// still yields one message per call so the transcript stays consistent.
func (l *Loop) runToolBatch(ctx context.Context, msg *bus.InboundMessage, calls []schema.ToolCall) ([]*schema.Message, bool, error) {
	requests := make([]schedule.Request, len(calls))
	for i, tc := range calls {
		callID := tc.ID
		if strings.TrimSpace(callID) == "" {
			callID = uuid.New().String()
		}
		requests[i] = schedule.Request{
			CallID:   callID,
			ToolName: tc.Function.Name,
			ArgsJSON: tc.Function.Arguments,
		}
		if l.OnToolStart != nil {
			l.OnToolStart(callID, tc.Function.Name, tc.Function.Arguments)
		}
	}

	batchCtx := tools.WithInvocationContext(ctx, tools.InvocationContext{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		RequestID: msg.RequestID,
	})

	results, err := l.scheduler.Dispatch(batchCtx, requests)
	cancelled := errors.Is(err, schedule.ErrBatchCancelled)
	if err != nil && !cancelled {
		return nil, false, err
	}

	toolMsgs := make([]*schema.Message, 0, len(results))
	for i, res := range results {
		content := resultContent(res)
		l.recordToolResult(msg, res)
		if l.OnToolFinish != nil {
			var execErr error
			if res.Err != nil {
				execErr = res.Err
			}
			l.OnToolFinish(res.CallID, res.ToolName, content, execErr)
		}
		if res.Status == schedule.StatusSuccess && mutatesWorkspace(res.ToolName) {
			l.context.InvalidateCache()
		}
		toolMsgs = append(toolMsgs, &schema.Message{
			Role:       schema.Tool,
			Content:    content,
			ToolCallID: calls[i].ID,
		})
	}
	return toolMsgs, cancelled, nil
}

func (l *Loop) recordToolResult(msg *bus.InboundMessage, res schedule.Result) {
	logAttrs := []any{
		"request_id", msg.RequestID,
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"call_id", res.CallID,
		"tool", res.ToolName,
		"status", string(res.Status),
		"duration_ms", res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		logAttrs = append(logAttrs, "error_kind", string(res.Err.Kind))
	}

	if l.runtimeMetric != nil {
		var snapshot metrics.RuntimeSnapshot
		var metricErr error
		switch res.Status {
		case schedule.StatusCancelled:
			snapshot, metricErr = l.runtimeMetric.RecordToolCancellation()
		default:
			var execErr error
			if res.Err != nil {
				execErr = res.Err
			}
			snapshot, metricErr = l.runtimeMetric.RecordToolExecution(res.Duration, res.Output, execErr)
		}
		if metricErr != nil {
			slog.Warn("record runtime metrics failed", "scope", "tool", "error", metricErr)
		} else {
			logAttrs = append(logAttrs,
				"tool_total", snapshot.Tool.Total,
				"tool_error_ratio", snapshot.Tool.ErrorRatio(),
				"tool_latency_p95_proxy_ms", snapshot.Tool.P95ProxyLatencyMs,
			)
		}
	}
	slog.Info("tool call finished", logAttrs...)
}

// resultContent renders a terminal result as the tool message the model sees.
func resultContent(res schedule.Result) string {
	switch res.Status {
	case schedule.StatusSuccess:
		return res.Output
	case schedule.StatusCancelled:
		return "Cancelled: tool call did not run."
	default:
		if res.Err != nil {
			return "Error: " + res.Err.Error()
		}
		return "Error: tool call failed"
	}
}

func mutatesWorkspace(toolName string) bool {
	switch toolName {
	case "write_file", "edit_file", "append_file":
		return true
	}
	return false
}

// ProcessForChannel processes a message directly for a given channel/session.
func (l *Loop) ProcessForChannel(ctx context.Context, channel, chatID, senderID, content string) (string, error) {
	return l.ProcessForChannelWithSession(ctx, channel, chatID, senderID, "", content)
}

// ProcessForChannelWithSession processes a message for a channel/chat using an optional explicit session id.
func (l *Loop) ProcessForChannelWithSession(ctx context.Context, channel, chatID, senderID, sessionID, content string) (string, error) {
	if err := l.bindTools(ctx); err != nil {
		return "", err
	}
	if strings.TrimSpace(channel) == "" {
		channel = "cli"
	}
	if strings.TrimSpace(chatID) == "" {
		chatID = "direct"
	}
	if strings.TrimSpace(senderID) == "" {
		senderID = "user"
	}

	msg := &bus.InboundMessage{
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		SessionID: strings.TrimSpace(sessionID),
		Content:   content,
		RequestID: bus.RequestIDFromContext(ctx),
	}
	if strings.TrimSpace(msg.RequestID) == "" {
		msg.RequestID = bus.NewRequestID()
	}

	resp, err := l.processMessage(ctx, msg)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ProcessDirect processes a message directly (for CLI)
func (l *Loop) ProcessDirect(ctx context.Context, content string) (string, error) {
	return l.ProcessForChannel(ctx, "cli", "direct", "user", content)
}
