package tools

import (
	"context"
	"strings"
)

type invocationContextKey struct{}

type outputSinkKey struct{}

// InvocationContext carries caller metadata for tool execution.
type InvocationContext struct {
	Channel   string
	ChatID    string
	SenderID  string
	RequestID string
	CallID    string
}

// WithInvocationContext stores invocation metadata in context for tools.
func WithInvocationContext(ctx context.Context, meta InvocationContext) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, meta)
}

// InvocationFromContext reads invocation metadata from context.
func InvocationFromContext(ctx context.Context) InvocationContext {
	meta, ok := ctx.Value(invocationContextKey{}).(InvocationContext)
	if !ok {
		return InvocationContext{}
	}
	meta.Channel = strings.TrimSpace(meta.Channel)
	meta.ChatID = strings.TrimSpace(meta.ChatID)
	meta.SenderID = strings.TrimSpace(meta.SenderID)
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	meta.CallID = strings.TrimSpace(meta.CallID)
	return meta
}

// OutputSink receives incremental output chunks from tools that stream.
type OutputSink func(chunk string)

// WithOutputSink attaches a sink for incremental tool output.
func WithOutputSink(ctx context.Context, sink OutputSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, outputSinkKey{}, sink)
}

// OutputSinkFromContext reads the output sink, or nil when absent.
func OutputSinkFromContext(ctx context.Context) OutputSink {
	sink, _ := ctx.Value(outputSinkKey{}).(OutputSink)
	return sink
}
