package logger

import (
	"context"
	"log/slog"
)

// ContextExtractor pulls a slog attribute out of a context.
// Extractors run on every log call so request-scoped values stay fresh.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

type ctxKey string

const (
	invocationIDKey   ctxKey = "invocation_id"
	conversationIDKey ctxKey = "conversation_id"
	requestIDKey      ctxKey = "request_id"
)

// WithInvocationID stores a task invocation id in the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// WithConversationID stores a conversation id in the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// WithRequestID stores a chat request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// InvocationID extracts the invocation id stored by WithInvocationID.
func InvocationID(ctx context.Context) (slog.Attr, bool) {
	return extract(ctx, invocationIDKey)
}

// ConversationID extracts the conversation id stored by WithConversationID.
func ConversationID(ctx context.Context) (slog.Attr, bool) {
	return extract(ctx, conversationIDKey)
}

// RequestID extracts the request id stored by WithRequestID.
func RequestID(ctx context.Context) (slog.Attr, bool) {
	return extract(ctx, requestIDKey)
}

func extract(ctx context.Context, key ctxKey) (slog.Attr, bool) {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return slog.String(string(key), v), true
	}
	return slog.Attr{}, false
}

// extractorHandler decorates a slog.Handler with per-call context extraction.
type extractorHandler struct {
	next       slog.Handler
	extractors []ContextExtractor
}

func newExtractorHandler(next slog.Handler, extractors ...ContextExtractor) slog.Handler {
	clean := make([]ContextExtractor, 0, len(extractors))
	for _, ex := range extractors {
		if ex != nil {
			clean = append(clean, ex)
		}
	}
	return &extractorHandler{next: next, extractors: clean}
}

func (h *extractorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *extractorHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, ex := range h.extractors {
		if attr, ok := ex(ctx); ok {
			rec.AddAttrs(attr)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *extractorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &extractorHandler{next: h.next.WithAttrs(attrs), extractors: h.extractors}
}

func (h *extractorHandler) WithGroup(name string) slog.Handler {
	return &extractorHandler{next: h.next.WithGroup(name), extractors: h.extractors}
}
