package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/llm"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/registry"
	"github.com/ragline/ragline/pkg/settings"
)

// Task kinds and queue owned by this package.
const (
	TaskKindMessage  = "chat.message"
	TaskKindMetadata = "chat.conversation_metadata"
	TaskQueue        = "chat"
)

// fallbackReply is sent when the router picks chat mode but provides no
// reply text.
const fallbackReply = "How can I help you?"

// MessagePayload is the invocation payload of one user message.
type MessagePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	RequestID      string    `json:"request_id"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	Temperature    float32   `json:"temperature,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	TopK           int       `json:"top_k,omitempty"`
}

// SettingsSource provides the dynamic configuration. Satisfied by the
// settings service.
type SettingsSource interface {
	Current(ctx context.Context) (settings.Values, error)
}

// Enqueuer submits follow-up invocations. Satisfied by the broker
// manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args []any, kwargs map[string]any, labels broker.Labels) (uuid.UUID, error)
}

// Handler is the chat-message task handler. One invocation processes
// one user message end to end: route, retrieve, generate, persist.
type Handler struct {
	store     Store
	publisher Publisher
	router    Router
	retriever Retriever
	llm       llm.Service
	settings  SettingsSource
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler wires the pipeline.
func NewHandler(store Store, publisher Publisher, router Router, retriever Retriever, svc llm.Service, src SettingsSource, enqueuer Enqueuer, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:     store,
		publisher: publisher,
		router:    router,
		retriever: retriever,
		llm:       svc,
		settings:  src,
		enqueuer:  enqueuer,
		logger:    logger.NewNope(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Name() string  { return TaskKindMessage }
func (h *Handler) Queue() string { return TaskQueue }

// Params declares the payload contract for enqueue-time validation.
func (h *Handler) Params() []registry.Param {
	return []registry.Param{
		{Name: "conversation_id", Required: true},
		{Name: "user_id", Required: true},
		{Name: "request_id", Required: true},
		{Name: "content", Required: true},
		{Name: "model"},
		{Name: "temperature"},
		{Name: "system_prompt"},
		{Name: "top_k"},
	}
}

func (h *Handler) Handle(ctx context.Context, p MessagePayload) error {
	log := h.logger.With(
		slog.String("conversation_id", p.ConversationID.String()),
		slog.String("request_id", p.RequestID),
	)

	if strings.TrimSpace(p.Content) == "" {
		return ErrEmptyMessage
	}

	conv, err := h.store.GetConversation(ctx, p.ConversationID, p.UserID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			// Not retryable: the conversation will not appear later.
			h.publish(ctx, log, p, Event{Type: EventError, Message: ErrorConversationNotFound})
			return nil
		}
		return h.fail(ctx, log, p, err)
	}

	// A prior delivery of this request already produced an answer;
	// replay it instead of generating a second one.
	if stored, err := h.store.FindAssistantByRequestID(ctx, p.ConversationID, p.RequestID); err == nil {
		log.InfoContext(ctx, "replaying stored answer")
		h.publish(ctx, log, p, Event{Type: EventProgress, Stage: StageRecovered})
		h.publish(ctx, log, p, Event{Type: EventDelta, Content: stored.Content})
		h.publish(ctx, log, p, Event{Type: EventDone})
		return nil
	} else if !errors.Is(err, ErrMessageNotFound) {
		return h.fail(ctx, log, p, err)
	}

	vals, err := h.settings.Current(ctx)
	if err != nil {
		log.WarnContext(ctx, "settings unavailable, using defaults", slog.Any("error", err))
		vals = settings.Defaults()
	}

	history, err := h.store.History(ctx, p.ConversationID, vals.HistoryLimit)
	if err != nil {
		return h.fail(ctx, log, p, err)
	}

	h.publish(ctx, log, p, Event{Type: EventProgress, Stage: StageRouter})
	decision, err := h.router.Classify(ctx, toLLMMessages(history), p.Content)
	if err != nil {
		log.WarnContext(ctx, "router failed, defaulting to search", slog.Any("error", err))
		decision = Decision{Mode: ModeSearch, Query: p.Content}
	}

	if decision.Mode == ModeChat {
		return h.handleDirect(ctx, log, p, decision)
	}
	return h.handleSearch(ctx, log, p, conv, history, decision, vals)
}

// handleDirect answers with the classifier's reply without touching the
// model again.
func (h *Handler) handleDirect(ctx context.Context, log *slog.Logger, p MessagePayload, decision Decision) error {
	reply := decision.Reply
	if strings.TrimSpace(reply) == "" {
		reply = fallbackReply
	}

	h.publish(ctx, log, p, Event{Type: EventCitations, Citations: []Evidence{}})
	h.publish(ctx, log, p, Event{Type: EventDelta, Content: reply})

	if err := h.persistExchange(ctx, log, p, reply, nil); err != nil {
		return err
	}

	h.publish(ctx, log, p, Event{Type: EventDone})
	h.enqueueMetadataRefresh(ctx, log, p.ConversationID)
	return nil
}

// handleSearch runs retrieval and streams a grounded completion.
func (h *Handler) handleSearch(ctx context.Context, log *slog.Logger, p MessagePayload, conv Conversation, history []Message, decision Decision, vals settings.Values) error {
	query := decision.Query
	if strings.TrimSpace(query) == "" {
		query = p.Content
	}

	h.publish(ctx, log, p, Event{Type: EventProgress, Stage: StageRetrieval})

	params := resolveParams(vals, p.TopK)
	evidence, err := h.retriever.Retrieve(ctx, query, params)
	if err != nil {
		log.ErrorContext(ctx, "retrieval failed", slog.Any("error", err))
		h.publish(ctx, log, p, Event{Type: EventError, Message: ErrorRetrievalFailed, Detail: err.Error()})
		return fmt.Errorf("chat: retrieval: %w", err)
	}
	citations := trimCitations(evidence)
	h.publish(ctx, log, p, Event{Type: EventCitations, Citations: citations})

	messages := h.buildPrompt(p, conv, history, evidence, vals)

	h.publish(ctx, log, p, Event{Type: EventProgress, Stage: StageGenerating})
	answer, usage, err := h.streamCompletion(ctx, log, p, conv, messages, vals)
	if err != nil {
		h.publish(ctx, log, p, Event{Type: EventError, Message: ErrorLLMStreamFailed, Detail: err.Error()})
		return fmt.Errorf("chat: generation: %w", err)
	}

	if err := h.persistExchange(ctx, log, p, answer, citations); err != nil {
		return err
	}

	h.publish(ctx, log, p, Event{Type: EventDone, TokenUsage: usage})
	h.enqueueMetadataRefresh(ctx, log, p.ConversationID)
	return nil
}

// streamCompletion consumes the model stream, republishing each delta,
// and returns the accumulated answer with the last-seen usage. Model
// and temperature resolve like the system prompt: request override,
// then the conversation's defaults, then the runtime settings.
func (h *Handler) streamCompletion(ctx context.Context, log *slog.Logger, p MessagePayload, conv Conversation, messages []llm.Message, vals settings.Values) (string, *llm.Usage, error) {
	model := p.Model
	if model == "" {
		model = conv.Model
	}
	if model == "" {
		model = vals.ChatModel
	}
	temperature := p.Temperature
	if temperature == 0 {
		temperature = float32(conv.Temperature)
	}
	if temperature == 0 {
		temperature = float32(vals.Temperature)
	}

	contentCh, usageCh, errCh := h.llm.ChatStream(ctx, llm.Request{
		Messages:    messages,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   vals.MaxTokens,
	})

	var buf strings.Builder
	for delta := range contentCh {
		buf.WriteString(delta)
		h.publish(ctx, log, p, Event{Type: EventDelta, Content: delta})
	}
	if err := <-errCh; err != nil {
		return "", nil, err
	}

	var usage *llm.Usage
	if u, ok := <-usageCh; ok {
		usage = &u
	}
	return buf.String(), usage, nil
}

// persistExchange writes both turns atomically. A failure here means
// the answer was streamed but not saved; the client gets persist_failed
// instead of done and a retry will regenerate.
func (h *Handler) persistExchange(ctx context.Context, log *slog.Logger, p MessagePayload, answer string, citations []Evidence) error {
	_, _, err := h.store.AppendExchange(ctx, p.ConversationID,
		Draft{Role: llm.RoleUser, Content: p.Content, RequestID: p.RequestID},
		Draft{Role: llm.RoleAssistant, Content: answer, RequestID: p.RequestID, Citations: citations},
	)
	if err != nil {
		log.ErrorContext(ctx, "persist exchange failed", slog.Any("error", err))
		h.publish(ctx, log, p, Event{Type: EventError, Message: ErrorPersistFailed})
		return err
	}
	return nil
}

// buildPrompt assembles system prompt, history, and the evidence-backed
// user turn. Precedence for the system prompt: request override, then
// the conversation's own prompt, then the configured base template.
func (h *Handler) buildPrompt(p MessagePayload, conv Conversation, history []Message, evidence []Evidence, vals settings.Values) []llm.Message {
	system := p.SystemPrompt
	if system == "" {
		system = conv.SystemPrompt
	}
	if system == "" {
		system = vals.SystemPrompt
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, toLLMMessages(history)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: wrapWithEvidence(p.Content, evidence)})
	return messages
}

// wrapWithEvidence embeds the retrieved chunks into the user turn.
func wrapWithEvidence(content string, evidence []Evidence) string {
	if len(evidence) == 0 {
		return content
	}

	var b strings.Builder
	b.WriteString("Context:\n")
	for i, ev := range evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, ev.Content)
	}
	b.WriteString("\nQuestion:\n")
	b.WriteString(content)
	return b.String()
}

func toLLMMessages(history []Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// fail publishes a generic error frame so a connected client is not
// left with a silently dead stream, then propagates the error to the
// broker for retry accounting.
func (h *Handler) fail(ctx context.Context, log *slog.Logger, p MessagePayload, err error) error {
	h.publish(ctx, log, p, Event{Type: EventError, Message: ErrorInternal})
	return err
}

// publish is best effort: a lost event degrades the live stream, never
// the pipeline.
func (h *Handler) publish(ctx context.Context, log *slog.Logger, p MessagePayload, ev Event) {
	ev.RequestID = p.RequestID
	if err := h.publisher.Publish(ctx, p.ConversationID, ev); err != nil {
		log.WarnContext(ctx, "publish event failed",
			slog.String("event_type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}

// enqueueMetadataRefresh schedules the title and summary refresh. Best
// effort: the conversation works without fresh metadata.
func (h *Handler) enqueueMetadataRefresh(ctx context.Context, log *slog.Logger, conversationID uuid.UUID) {
	if h.enqueuer == nil {
		return
	}
	_, err := h.enqueuer.Enqueue(ctx, TaskKindMetadata, nil,
		map[string]any{"conversation_id": conversationID.String()},
		broker.Labels{Priority: 8},
	)
	if err != nil {
		log.WarnContext(ctx, "enqueue metadata refresh failed", slog.Any("error", err))
	}
}
