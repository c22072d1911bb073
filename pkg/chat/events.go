package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ragline/ragline/pkg/llm"
)

// EventType enumerates the pipeline's event stream.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCitations EventType = "citations"
	EventDelta     EventType = "delta"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Progress stages reported while a turn is being worked.
const (
	StageRouter     = "router"
	StageRetrieval  = "retrieval"
	StageGenerating = "generating"
	StageRecovered  = "recovered"
)

// Error event messages.
const (
	ErrorConversationNotFound = "conversation_not_found"
	ErrorPersistFailed        = "persist_failed"
	ErrorLLMStreamFailed      = "llm_stream_failed"
	ErrorRetrievalFailed      = "retrieval_failed"
	ErrorStreamFailed         = "stream_failed"
	ErrorInternal             = "internal_error"
)

// Evidence is one retrieved knowledge chunk with its scoring metadata.
// It lives only on the event stream; nothing persists it beyond the
// assistant message's citations.
type Evidence struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	FusedScore float64 `json:"fused_score"`
	Source     string  `json:"source"` // vector, keyword, hybrid
}

// Event is the envelope published on a conversation channel. Type
// decides which payload fields are set: progress carries Stage,
// citations carries Citations, delta carries Content, done carries
// TokenUsage, error carries Message and Detail.
type Event struct {
	Type           EventType  `json:"type"`
	ConversationID string     `json:"conversation_id"`
	RequestID      string     `json:"request_id,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Stage          string     `json:"stage,omitempty"`
	Citations      []Evidence `json:"citations,omitzero"`
	Content        string     `json:"content,omitempty"`
	TokenUsage     *llm.Usage `json:"token_usage,omitempty"`
	Message        string     `json:"message,omitempty"`
	Detail         string     `json:"detail,omitempty"`
}

// Publisher delivers events to a conversation's subscribers.
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, ev Event) error
}

// Channel returns the pub/sub channel name of a conversation.
func Channel(conversationID uuid.UUID) string {
	return "chat:" + conversationID.String()
}

// RedisPublisher publishes events as JSON on Redis pub/sub.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher creates a publisher over the shared Redis client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish stamps the envelope and sends it. Events to conversations
// with no subscribers are dropped by Redis, which is the intended
// behavior for abandoned streams.
func (p *RedisPublisher) Publish(ctx context.Context, conversationID uuid.UUID, ev Event) error {
	ev.ConversationID = conversationID.String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("chat: marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(conversationID), data).Err(); err != nil {
		return fmt.Errorf("chat: publish event: %w", err)
	}
	return nil
}

var _ Publisher = (*RedisPublisher)(nil)
