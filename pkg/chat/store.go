package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/pkg/db"
)

// Conversation groups the messages of one user thread. Model and
// Temperature are the thread's generation defaults; zero values defer
// to the runtime settings.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewConversation carries the caller-set attributes of a fresh thread.
type NewConversation struct {
	Title        string  `json:"title"`
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
}

// Message is one persisted turn. Indices are consecutive within a
// conversation, starting at zero.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Index          int        `json:"index"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	RequestID      string     `json:"request_id,omitempty"`
	Citations      []Evidence `json:"citations,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Draft is a message not yet assigned an index.
type Draft struct {
	Role      string
	Content   string
	RequestID string
	Citations []Evidence
}

// Store is the persistence surface of the pipeline.
type Store interface {
	CreateConversation(ctx context.Context, userID string, params NewConversation) (Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID, userID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	FindAssistantByRequestID(ctx context.Context, conversationID uuid.UUID, requestID string) (Message, error)
	AppendExchange(ctx context.Context, conversationID uuid.UUID, user, assistant Draft) (Message, Message, error)
	UpdateMetadata(ctx context.Context, conversationID uuid.UUID, title, summary string) error
}

const conversationColumns = `id, user_id, title, summary, system_prompt, model, temperature, created_at, updated_at`

// PgStore keeps conversations and messages in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates the Postgres-backed conversation store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateConversation(ctx context.Context, userID string, params NewConversation) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title, system_prompt, model, temperature)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5::double precision, 0))
		RETURNING `+conversationColumns+`
	`, userID, params.Title, params.SystemPrompt, params.Model, params.Temperature)

	conv, err := scanConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation scoped to its owner. A foreign
// conversation id behaves exactly like a missing one.
func (s *PgStore) GetConversation(ctx context.Context, id uuid.UUID, userID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1 AND user_id = $2
	`, id, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("chat: get conversation: %w", err)
	}
	return conv, nil
}

func (s *PgStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list rows: %w", err)
	}
	return out, nil
}

// History returns the most recent messages in chronological order.
func (s *PgStore) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, message_index, role, content, request_id, citations, created_at
		FROM (
			SELECT id, conversation_id, message_index, role, content, request_id, citations, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY message_index DESC
			LIMIT $2
		) recent
		ORDER BY message_index ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: history rows: %w", err)
	}
	return out, nil
}

// FindAssistantByRequestID looks up the stored answer of a previous
// delivery of the same request.
func (s *PgStore) FindAssistantByRequestID(ctx context.Context, conversationID uuid.UUID, requestID string) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, message_index, role, content, request_id, citations, created_at
		FROM messages
		WHERE conversation_id = $1 AND request_id = $2 AND role = 'assistant'
	`, conversationID, requestID)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: request %s", ErrMessageNotFound, requestID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("chat: find by request id: %w", err)
	}
	return msg, nil
}

// AppendExchange writes the user and assistant messages in one
// transaction. The conversation row is locked for the duration so
// concurrent appends cannot interleave indices.
func (s *PgStore) AppendExchange(ctx context.Context, conversationID uuid.UUID, user, assistant Draft) (Message, Message, error) {
	var userMsg, assistantMsg Message

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var owner string
		if err := tx.QueryRow(ctx, `
			SELECT user_id FROM conversations WHERE id = $1 FOR UPDATE
		`, conversationID).Scan(&owner); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
			}
			return err
		}

		var nextIndex int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(message_index) + 1, 0) FROM messages WHERE conversation_id = $1
		`, conversationID).Scan(&nextIndex); err != nil {
			return err
		}

		var err error
		if userMsg, err = insertMessage(ctx, tx, conversationID, nextIndex, user); err != nil {
			return err
		}
		if assistantMsg, err = insertMessage(ctx, tx, conversationID, nextIndex+1, assistant); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID)
		return err
	})
	if err != nil {
		return Message{}, Message{}, fmt.Errorf("chat: append exchange: %w", err)
	}
	return userMsg, assistantMsg, nil
}

func (s *PgStore) UpdateMetadata(ctx context.Context, conversationID uuid.UUID, title, summary string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $2, summary = $3, updated_at = now() WHERE id = $1
	`, conversationID, title, summary)
	if err != nil {
		return fmt.Errorf("chat: update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, index int, d Draft) (Message, error) {
	var citations []byte
	if len(d.Citations) > 0 {
		var err error
		if citations, err = json.Marshal(d.Citations); err != nil {
			return Message{}, fmt.Errorf("marshal citations: %w", err)
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, message_index, role, content, request_id, citations)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id, conversation_id, message_index, role, content, request_id, citations, created_at
	`, conversationID, index, d.Role, d.Content, d.RequestID, citations)

	return scanMessage(row)
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv                                Conversation
		title, summary, systemPrompt, model *string
		temperature                         *float64
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &title, &summary, &systemPrompt, &model, &temperature, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	if title != nil {
		conv.Title = *title
	}
	if summary != nil {
		conv.Summary = *summary
	}
	if systemPrompt != nil {
		conv.SystemPrompt = *systemPrompt
	}
	if model != nil {
		conv.Model = *model
	}
	if temperature != nil {
		conv.Temperature = *temperature
	}
	return conv, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg          Message
		requestID    *string
		citationsRaw []byte
	)
	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Index, &msg.Role, &msg.Content,
		&requestID, &citationsRaw, &msg.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	if requestID != nil {
		msg.RequestID = *requestID
	}
	if len(citationsRaw) > 0 {
		if err := json.Unmarshal(citationsRaw, &msg.Citations); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

var _ Store = (*PgStore)(nil)
