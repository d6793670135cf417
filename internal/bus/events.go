// Package bus decouples message producers (TUI, gateway, remote approvers)
// from the agent loop with buffered inbound and outbound queues.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

const defaultQueueSize = 64

// InboundMessage received from a surface
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	SessionID string
	Content   string
	Timestamp time.Time
	Media     []string
	Metadata  map[string]any
	RequestID string
}

// SessionKey returns unique session identifier
func (m *InboundMessage) SessionKey() string {
	if s := strings.TrimSpace(m.SessionID); s != "" {
		return s
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage to send to a surface
type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	ReplyTo   string
	Media     []string
	Metadata  map[string]any
	RequestID string
}

// MessageBus carries messages between surfaces and the agent loop. Publish
// drops messages once the queue is full rather than blocking the producer.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
}

// NewMessageBus creates a bus with default queue sizes.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, defaultQueueSize),
		outbound: make(chan *OutboundMessage, defaultQueueSize),
	}
}

// Inbound returns the inbound queue for the agent loop to consume.
func (b *MessageBus) Inbound() <-chan *InboundMessage {
	return b.inbound
}

// Outbound returns the outbound queue for surfaces to consume.
func (b *MessageBus) Outbound() <-chan *OutboundMessage {
	return b.outbound
}

// PublishInbound enqueues a message for the agent loop. Returns false when
// the queue is full.
func (b *MessageBus) PublishInbound(msg *InboundMessage) bool {
	if msg == nil {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

// PublishOutbound enqueues a response for delivery. Returns false when the
// queue is full.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) bool {
	if msg == nil {
		return false
	}
	select {
	case b.outbound <- msg:
		return true
	default:
		return false
	}
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
