// Package remote lets a Telegram chat answer pending tool call
// confirmations when nobody is at the terminal.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/confirm"
)

var (
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	codeInlineRe = regexp.MustCompile("`([^`]+)`")
)

// TelegramApprover pushes confirmation requests to allowed Telegram users
// and resolves them from /approve and /deny replies. Each allow_from entry
// is treated as a direct chat id.
type TelegramApprover struct {
	cfg    *config.TelegramConfig
	broker *confirm.Broker
	bot    *tgbotapi.BotAPI
	allow  map[string]bool

	// send is swappable for tests.
	send func(chatID int64, html, plain string) error
}

// NewTelegramApprover creates an approver bound to the broker.
func NewTelegramApprover(cfg *config.TelegramConfig, broker *confirm.Broker) *TelegramApprover {
	allow := make(map[string]bool)
	for _, id := range cfg.AllowFrom {
		allow[strings.TrimSpace(id)] = true
	}
	a := &TelegramApprover{
		cfg:    cfg,
		broker: broker,
		allow:  allow,
	}
	a.send = a.sendViaBot
	return a
}

// Start connects the bot and blocks until the context ends.
func (a *TelegramApprover) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	a.bot = bot

	slog.Info("telegram approver connected", "username", bot.Self.UserName)

	a.broker.OnRequest(a.notify)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			a.handleMessage(update.Message)
		}
	}
}

func (a *TelegramApprover) Stop(ctx context.Context) error {
	if a.bot != nil {
		a.bot.StopReceivingUpdates()
	}
	return nil
}

func (a *TelegramApprover) isAllowed(senderID string) bool {
	if len(a.allow) == 0 {
		return false
	}
	return a.allow[senderID]
}

// notify pushes a new confirmation request to every allowed user.
func (a *TelegramApprover) notify(req confirm.Request) {
	text := fmt.Sprintf(
		"Approval needed\n`%s`\n\nReply:\n/approve %s [turn|session]\n/deny %s [reason]",
		req.Description, req.CallID, req.CallID,
	)
	for id := range a.allow {
		chatID, err := parseInt64(id)
		if err != nil {
			slog.Warn("invalid telegram allow_from entry", "id", id)
			continue
		}
		if err := a.send(chatID, markdownToHTML(text), text); err != nil {
			slog.Warn("telegram notify failed", "chat_id", chatID, "error", err)
		}
	}
}

func (a *TelegramApprover) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	senderID := fmt.Sprintf("%d", msg.From.ID)
	if !a.isAllowed(senderID) {
		slog.Debug("unauthorized sender", "id", senderID)
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	reply := a.handleCommand(senderID, content)
	if reply == "" {
		return
	}
	if err := a.send(msg.Chat.ID, markdownToHTML(reply), reply); err != nil {
		slog.Warn("telegram reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

// handleCommand resolves approval commands and returns the reply text.
func (a *TelegramApprover) handleCommand(senderID, content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "/pending":
		pending := a.broker.Pending()
		if len(pending) == 0 {
			return "No pending confirmations."
		}
		var sb strings.Builder
		sb.WriteString("Pending confirmations:\n")
		for _, req := range pending {
			sb.WriteString(fmt.Sprintf("- %s `%s`\n", req.CallID, req.Description))
		}
		return strings.TrimRight(sb.String(), "\n")

	case "/approve":
		if len(fields) < 2 {
			return "Usage: /approve <call-id> [turn|session]"
		}
		callID := fields[1]
		resp := confirm.Response{
			CallID:    callID,
			Verdict:   confirm.VerdictApprove,
			DecidedBy: "telegram:" + senderID,
		}
		if len(fields) > 2 {
			switch strings.ToLower(fields[2]) {
			case "turn":
				resp.Verdict = confirm.VerdictApproveAndRemember
				resp.RememberScope = confirm.ScopeTurn
			case "session":
				resp.Verdict = confirm.VerdictApproveAndRemember
				resp.RememberScope = confirm.ScopeSession
			default:
				return "Usage: /approve <call-id> [turn|session]"
			}
		}
		if !a.broker.Resolve(callID, resp) {
			return fmt.Sprintf("No pending confirmation `%s`.", callID)
		}
		return fmt.Sprintf("Approved `%s`.", callID)

	case "/deny":
		if len(fields) < 2 {
			return "Usage: /deny <call-id> [reason]"
		}
		callID := fields[1]
		reason := strings.TrimSpace(strings.Join(fields[2:], " "))
		resolved := a.broker.Resolve(callID, confirm.Response{
			CallID:    callID,
			Verdict:   confirm.VerdictDeny,
			DecidedBy: "telegram:" + senderID,
			Reason:    reason,
		})
		if !resolved {
			return fmt.Sprintf("No pending confirmation `%s`.", callID)
		}
		return fmt.Sprintf("Denied `%s`.", callID)

	default:
		return ""
	}
}

func (a *TelegramApprover) sendViaBot(chatID int64, html, plain string) error {
	if a.bot == nil {
		return fmt.Errorf("bot not initialized")
	}
	tgMsg := tgbotapi.NewMessage(chatID, html)
	tgMsg.ParseMode = "HTML"
	if _, err := a.bot.Send(tgMsg); err != nil {
		tgMsg.ParseMode = ""
		tgMsg.Text = plain
		_, err = a.bot.Send(tgMsg)
		return err
	}
	return nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func markdownToHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = codeInlineRe.ReplaceAllString(text, "<code>$1</code>")
	return text
}
