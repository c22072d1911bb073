package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ragline/ragline/pkg/llm"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/registry"
	"github.com/ragline/ragline/pkg/settings"
)

const metadataPrompt = `Summarize the conversation below.
Respond with JSON only: {"title":"<at most 8 words>","summary":"<2-3 sentences>"}`

// MetadataPayload identifies the conversation to refresh.
type MetadataPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// MetadataHandler regenerates a conversation's title and summary after
// each exchange. It runs as a low-priority follow-up task.
type MetadataHandler struct {
	store    Store
	llm      llm.Service
	settings SettingsSource
	logger   *slog.Logger
}

// NewMetadataHandler wires the refresh task.
func NewMetadataHandler(store Store, svc llm.Service, src SettingsSource, log *slog.Logger) *MetadataHandler {
	if log == nil {
		log = logger.NewNope()
	}
	return &MetadataHandler{store: store, llm: svc, settings: src, logger: log}
}

func (h *MetadataHandler) Name() string  { return TaskKindMetadata }
func (h *MetadataHandler) Queue() string { return TaskQueue }

func (h *MetadataHandler) Params() []registry.Param {
	return []registry.Param{{Name: "conversation_id", Required: true}}
}

func (h *MetadataHandler) Handle(ctx context.Context, p MetadataPayload) error {
	history, err := h.store.History(ctx, p.ConversationID, 0)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	vals, err := h.settings.Current(ctx)
	if err != nil {
		vals = settings.Defaults()
	}

	var transcript strings.Builder
	for _, m := range history {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	answer, _, err := h.llm.Chat(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: metadataPrompt},
			{Role: llm.RoleUser, Content: transcript.String()},
		},
		Model:     vals.RouterModel,
		MaxTokens: 300,
	})
	if err != nil {
		return fmt.Errorf("chat: metadata generation: %w", err)
	}

	title, summary, err := parseMetadata(answer)
	if err != nil {
		h.logger.WarnContext(ctx, "unparseable metadata verdict",
			slog.String("conversation_id", p.ConversationID.String()),
		)
		return nil
	}

	if err := h.store.UpdateMetadata(ctx, p.ConversationID, title, summary); err != nil {
		// The conversation may have been deleted since the enqueue.
		if errors.Is(err, ErrConversationNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func parseMetadata(answer string) (title, summary string, err error) {
	start := strings.IndexByte(answer, '{')
	end := strings.LastIndexByte(answer, '}')
	if start < 0 || end <= start {
		return "", "", ErrBadVerdict
	}

	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &out); err != nil {
		return "", "", ErrBadVerdict
	}
	if out.Title == "" && out.Summary == "" {
		return "", "", ErrBadVerdict
	}
	return out.Title, out.Summary, nil
}
