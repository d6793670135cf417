// Package gateway exposes a small HTTP surface for chat and for answering
// pending tool call confirmations from outside the TUI.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/confirm"
	"github.com/ushercli/usher/internal/version"
)

type ChatProcessor interface {
	ProcessForChannel(ctx context.Context, channel, chatID, senderID, content string) (string, error)
}

// Options wires the optional surfaces beyond plain chat.
type Options struct {
	// Broker answers confirmation endpoints. Nil disables them.
	Broker *confirm.Broker
	// Interrupt cancels the in-flight tool call batch, if any.
	Interrupt func()
}

type Server struct {
	cfg        config.GatewayConfig
	processor  ChatProcessor
	opts       Options
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, processor ChatProcessor, opts Options) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18790
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:       cfg,
		processor: processor,
		opts:      opts,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	mux := NewHandler(s.cfg.Token, s.processor, s.opts)
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func NewHandler(token string, processor ChatProcessor, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": getRequestID(r),
		})
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"request_id": getRequestID(r),
		})
	})

	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if !authorized(w, r, token, requestID) {
			return
		}

		var req struct {
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
			SenderID  string `json:"sender_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
			return
		}
		msg := strings.TrimSpace(req.Message)
		if msg == "" {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "message is required")
			return
		}
		sessionID := strings.TrimSpace(req.SessionID)
		if sessionID == "" {
			sessionID = "default"
		}
		senderID := strings.TrimSpace(req.SenderID)
		if senderID == "" {
			senderID = "api"
		}

		if processor == nil {
			writeError(w, requestID, http.StatusInternalServerError, "internal_error", "chat processor is not configured")
			return
		}

		resp, err := processor.ProcessForChannel(r.Context(), "gateway", sessionID, senderID, msg)
		if err != nil {
			slog.Error("gateway chat failed", "request_id", requestID, "session_id", sessionID, "error", err)
			writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to process chat request")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"response":   resp,
			"session_id": sessionID,
			"request_id": requestID,
		})
	})

	mux.HandleFunc("GET /confirmations", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if !authorized(w, r, token, requestID) {
			return
		}
		if opts.Broker == nil {
			writeError(w, requestID, http.StatusNotFound, "not_found", "confirmations are not enabled")
			return
		}

		pending := opts.Broker.Pending()
		items := make([]map[string]any, 0, len(pending))
		for _, req := range pending {
			items = append(items, map[string]any{
				"call_id":      req.CallID,
				"tool":         req.ToolName,
				"args":         req.ArgsJSON,
				"description":  req.Description,
				"requested_at": req.RequestedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pending":    items,
			"request_id": requestID,
		})
	})

	mux.HandleFunc("POST /confirmations/{id}", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if !authorized(w, r, token, requestID) {
			return
		}
		if opts.Broker == nil {
			writeError(w, requestID, http.StatusNotFound, "not_found", "confirmations are not enabled")
			return
		}

		var req struct {
			Verdict       string `json:"verdict"`
			RememberScope string `json:"remember_scope"`
			Reason        string `json:"reason"`
			DecidedBy     string `json:"decided_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
			return
		}

		verdict := confirm.Verdict(strings.ToLower(strings.TrimSpace(req.Verdict)))
		switch verdict {
		case confirm.VerdictApprove, confirm.VerdictApproveAndRemember, confirm.VerdictDeny:
		default:
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "verdict must be approve, approve_and_remember, or deny")
			return
		}

		scope := confirm.RememberScope(strings.ToLower(strings.TrimSpace(req.RememberScope)))
		if verdict == confirm.VerdictApproveAndRemember && scope != confirm.ScopeTurn && scope != confirm.ScopeSession {
			scope = confirm.ScopeSession
		}

		decidedBy := strings.TrimSpace(req.DecidedBy)
		if decidedBy == "" {
			decidedBy = "gateway"
		}

		callID := r.PathValue("id")
		resolved := opts.Broker.Resolve(callID, confirm.Response{
			CallID:        callID,
			Verdict:       verdict,
			RememberScope: scope,
			DecidedBy:     decidedBy,
			Reason:        strings.TrimSpace(req.Reason),
		})
		if !resolved {
			writeError(w, requestID, http.StatusNotFound, "not_found", "no pending confirmation with that id")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"call_id":    callID,
			"verdict":    string(verdict),
			"request_id": requestID,
		})
	})

	mux.HandleFunc("POST /interrupt", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if !authorized(w, r, token, requestID) {
			return
		}

		cancelled := 0
		if opts.Interrupt != nil {
			opts.Interrupt()
		}
		if opts.Broker != nil {
			cancelled = opts.Broker.CancelAll()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cancelled_confirmations": cancelled,
			"request_id":              requestID,
		})
	})

	return mux
}

func authorized(w http.ResponseWriter, r *http.Request, token, requestID string) bool {
	if strings.TrimSpace(token) == "" {
		return true
	}
	if !isAuthorized(r, token) {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return false
	}
	return true
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
