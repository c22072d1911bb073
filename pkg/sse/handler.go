package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ragline/ragline/pkg/chat"
	"github.com/ragline/ragline/pkg/logger"
)

const (
	defaultPollTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 15 * time.Second

	// UserIDHeader carries the authenticated caller's identity, set by
	// the gateway in front of this service.
	UserIDHeader = "X-User-ID"
)

// ConversationSource checks that a conversation exists and belongs to
// the caller. Satisfied by the chat store.
type ConversationSource interface {
	GetConversation(ctx context.Context, id uuid.UUID, userID string) (chat.Conversation, error)
}

// Handler streams a conversation's events to HTTP clients.
type Handler struct {
	bus           Bus
	conversations ConversationSource
	logger        *slog.Logger
	pollTimeout   time.Duration
	heartbeat     time.Duration
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPollTimeout sets the per-receive timeout. A disconnected client
// is detected within one interval. Default: 5s.
func WithPollTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.pollTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the keep-alive comment interval.
// Default: 15s.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandler creates the SSE endpoint.
func NewHandler(bus Bus, conversations ConversationSource, opts ...HandlerOption) *Handler {
	h := &Handler{
		bus:           bus,
		conversations: conversations,
		logger:        logger.NewNope(),
		pollTimeout:   defaultPollTimeout,
		heartbeat:     defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles GET /conversations/{id}/events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()

	// A foreign conversation looks exactly like a missing one.
	if _, err := h.conversations.GetConversation(ctx, conversationID, userID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sub, err := h.bus.Subscribe(ctx, chat.Channel(conversationID))
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe failed",
			slog.String("conversation_id", conversationID.String()),
			slog.Any("error", err),
		)
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			h.logger.WarnContext(ctx, "close subscription failed", slog.Any("error", err))
		}
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, ErrStreamingUnsupported.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.relay(ctx, w, flusher, sub, conversationID)
}

// relay pumps payloads until the client goes away or the feed breaks.
func (h *Handler) relay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub Subscription, conversationID uuid.UUID) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		default:
		}

		pollCtx, cancel := context.WithTimeout(ctx, h.pollTimeout)
		payload, err := sub.Receive(pollCtx)
		cancel()

		switch {
		case err == nil:
			if !utf8.Valid(payload) {
				h.logger.WarnContext(ctx, "dropping non-utf8 payload",
					slog.String("conversation_id", conversationID.String()),
				)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Idle poll; loop around for the heartbeat check.
		case ctx.Err() != nil:
			return
		default:
			// The feed broke underneath a live client. Tell it before
			// closing so it can distinguish a failure from completion.
			h.logger.ErrorContext(ctx, "event feed failed",
				slog.String("conversation_id", conversationID.String()),
				slog.Any("error", err),
			)
			h.writeErrorFrame(w, flusher)
			return
		}
	}
}

func (h *Handler) writeErrorFrame(w http.ResponseWriter, flusher http.Flusher) {
	frame, err := json.Marshal(chat.Event{
		Type:      chat.EventError,
		Timestamp: time.Now().UTC(),
		Message:   chat.ErrorStreamFailed,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", frame)
	flusher.Flush()
}
