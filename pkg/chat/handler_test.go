package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/llm"
	"github.com/ragline/ragline/pkg/settings"
)

type memChatStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]Conversation
	messages      []Message
	appendErr     error
}

func newMemChatStore() *memChatStore {
	return &memChatStore{conversations: make(map[uuid.UUID]Conversation)}
}

func (s *memChatStore) CreateConversation(_ context.Context, userID string, params NewConversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := Conversation{
		ID:           uuid.New(),
		UserID:       userID,
		Title:        params.Title,
		SystemPrompt: params.SystemPrompt,
		Model:        params.Model,
		Temperature:  params.Temperature,
		CreatedAt:    time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *memChatStore) GetConversation(_ context.Context, id uuid.UUID, userID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.UserID != userID {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *memChatStore) ListConversations(_ context.Context, userID string, _ int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *memChatStore) History(_ context.Context, conversationID uuid.UUID, _ int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memChatStore) FindAssistantByRequestID(_ context.Context, conversationID uuid.UUID, requestID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.RequestID == requestID && m.Role == llm.RoleAssistant {
			return m, nil
		}
	}
	return Message{}, ErrMessageNotFound
}

func (s *memChatStore) AppendExchange(_ context.Context, conversationID uuid.UUID, user, assistant Draft) (Message, Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return Message{}, Message{}, s.appendErr
	}

	next := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Index >= next {
			next = m.Index + 1
		}
	}

	userMsg := Message{ID: uuid.New(), ConversationID: conversationID, Index: next, Role: user.Role, Content: user.Content, RequestID: user.RequestID, CreatedAt: time.Now().UTC()}
	assistantMsg := Message{ID: uuid.New(), ConversationID: conversationID, Index: next + 1, Role: assistant.Role, Content: assistant.Content, RequestID: assistant.RequestID, Citations: assistant.Citations, CreatedAt: time.Now().UTC()}
	s.messages = append(s.messages, userMsg, assistantMsg)
	return userMsg, assistantMsg, nil
}

func (s *memChatStore) UpdateMetadata(_ context.Context, conversationID uuid.UUID, title, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Title = title
	conv.Summary = summary
	s.conversations[conversationID] = conv
	return nil
}

func (s *memChatStore) messagesFor(conversationID uuid.UUID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

type captureBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *captureBus) Publish(_ context.Context, conversationID uuid.UUID, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.ConversationID = conversationID.String()
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) types() []EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

func (b *captureBus) all() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

type stubRouter struct {
	decision Decision
	err      error
}

func (r *stubRouter) Classify(context.Context, []llm.Message, string) (Decision, error) {
	return r.decision, r.err
}

type stubRetriever struct {
	mu       sync.Mutex
	evidence []Evidence
	err      error
	queries  []string
	params   []RetrieveParams
}

func (r *stubRetriever) Retrieve(_ context.Context, query string, params RetrieveParams) ([]Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	r.params = append(r.params, params)
	return r.evidence, r.err
}

type stubLLM struct {
	mu        sync.Mutex
	deltas    []string
	streamErr error
	usage     *llm.Usage
	requests  []llm.Request
}

func (s *stubLLM) Chat(context.Context, llm.Request) (string, llm.Usage, error) {
	return "", llm.Usage{}, errors.New("not used")
}

func (s *stubLLM) recorded() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

func (s *stubLLM) ChatStream(_ context.Context, req llm.Request) (<-chan string, <-chan llm.Usage, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	contentCh := make(chan string, len(s.deltas)+1)
	usageCh := make(chan llm.Usage, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(usageCh)
		defer close(errCh)

		for _, d := range s.deltas {
			contentCh <- d
		}
		if s.streamErr != nil {
			errCh <- s.streamErr
			return
		}
		if s.usage != nil {
			usageCh <- *s.usage
		}
	}()

	return contentCh, usageCh, errCh
}

type stubSettings struct{}

func (stubSettings) Current(context.Context) (settings.Values, error) {
	return settings.Defaults(), nil
}

type recordEnqueuer struct {
	mu    sync.Mutex
	kinds []string
}

func (e *recordEnqueuer) Enqueue(_ context.Context, kind string, _ []any, _ map[string]any, _ broker.Labels) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	return uuid.New(), nil
}

type pipeline struct {
	handler   *Handler
	store     *memChatStore
	bus       *captureBus
	retriever *stubRetriever
	enqueuer  *recordEnqueuer
	conv      Conversation
}

func newPipeline(t *testing.T, router Router, model *stubLLM, retriever *stubRetriever) *pipeline {
	t.Helper()

	store := newMemChatStore()
	bus := &captureBus{}
	enq := &recordEnqueuer{}
	conv, err := store.CreateConversation(context.Background(), "u1", NewConversation{})
	require.NoError(t, err)

	return &pipeline{
		handler:   NewHandler(store, bus, router, retriever, model, stubSettings{}, enq),
		store:     store,
		bus:       bus,
		retriever: retriever,
		enqueuer:  enq,
		conv:      conv,
	}
}

func TestHandleDirectPath(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeChat, Reply: "Hello!"}}
	p := newPipeline(t, router, &stubLLM{}, &stubRetriever{})

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID,
		UserID:         "u1",
		RequestID:      "r1",
		Content:        "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventProgress, EventCitations, EventDelta, EventDone}, p.bus.types())

	events := p.bus.all()
	assert.Equal(t, StageRouter, events[0].Stage)
	assert.NotNil(t, events[1].Citations)
	assert.Empty(t, events[1].Citations)
	assert.Equal(t, "Hello!", events[2].Content)
	for _, ev := range events {
		assert.Equal(t, "r1", ev.RequestID)
	}

	msgs := p.store.messagesFor(p.conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "r1", msgs[0].RequestID)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.Equal(t, msgs[0].Index+1, msgs[1].Index)

	assert.Equal(t, []string{TaskKindMetadata}, p.enqueuer.kinds)
}

func TestHandleDirectPathEmptyReplyFallsBack(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeChat}}
	p := newPipeline(t, router, &stubLLM{}, &stubRetriever{})

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r1", Content: "hi",
	})
	require.NoError(t, err)

	events := p.bus.all()
	require.Len(t, events, 4)
	assert.Equal(t, fallbackReply, events[2].Content)
}

func TestHandleSearchPath(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeSearch, Query: "configure Redis sentinel"}}
	retriever := &stubRetriever{evidence: []Evidence{
		{ChunkID: "A", Content: "chunk a", Score: 0.9},
		{ChunkID: "B", Content: "chunk b", Score: 0.7},
	}}
	model := &stubLLM{
		deltas: []string{"The ", "answer ", "is here"},
		usage:  &llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
	p := newPipeline(t, router, model, retriever)

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r2", Content: "how do I set up sentinel?",
	})
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventProgress, EventProgress, EventCitations, EventProgress,
		EventDelta, EventDelta, EventDelta, EventDone,
	}, p.bus.types())

	events := p.bus.all()
	assert.Equal(t, StageRouter, events[0].Stage)
	assert.Equal(t, StageRetrieval, events[1].Stage)
	require.Len(t, events[2].Citations, 2)
	assert.Equal(t, "A", events[2].Citations[0].ChunkID)
	assert.Equal(t, StageGenerating, events[3].Stage)
	require.NotNil(t, events[7].TokenUsage)
	assert.Equal(t, 120, events[7].TokenUsage.TotalTokens)

	require.Equal(t, []string{"configure Redis sentinel"}, retriever.queries)

	msgs := p.store.messagesFor(p.conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "The answer is here", msgs[1].Content)
	assert.Len(t, msgs[1].Citations, 2)
}

func TestHandleConversationNotOwned(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeChat, Reply: "Hello!"}}
	p := newPipeline(t, router, &stubLLM{}, &stubRetriever{})

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID,
		UserID:         "u2",
		RequestID:      "r1",
		Content:        "hi",
	})
	require.NoError(t, err, "a missing conversation is not retryable")

	events := p.bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, ErrorConversationNotFound, events[0].Message)

	assert.Empty(t, p.store.messagesFor(p.conv.ID))
}

func TestHandleStreamFailureMidGeneration(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeSearch, Query: "q"}}
	model := &stubLLM{deltas: []string{"Hi "}, streamErr: errors.New("connection reset")}
	p := newPipeline(t, router, model, &stubRetriever{})

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r3", Content: "question",
	})
	require.Error(t, err)

	events := p.bus.all()
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, ErrorLLMStreamFailed, last.Message)
	for _, ev := range events {
		assert.NotEqual(t, EventDone, ev.Type, "no done event after a broken stream")
	}

	assert.Empty(t, p.store.messagesFor(p.conv.ID), "partial answers are not persisted")
}

func TestHandleReplay(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeChat, Reply: "Hello!"}}
	p := newPipeline(t, router, &stubLLM{}, &stubRetriever{})

	payload := MessagePayload{ConversationID: p.conv.ID, UserID: "u1", RequestID: "r1", Content: "hi"}
	require.NoError(t, p.handler.Handle(context.Background(), payload))
	require.Len(t, p.store.messagesFor(p.conv.ID), 2)

	// Same request redelivered: replay the stored answer.
	p.bus.mu.Lock()
	p.bus.events = nil
	p.bus.mu.Unlock()

	require.NoError(t, p.handler.Handle(context.Background(), payload))

	assert.Equal(t, []EventType{EventProgress, EventDelta, EventDone}, p.bus.types())
	events := p.bus.all()
	assert.Equal(t, StageRecovered, events[0].Stage)
	assert.Equal(t, "Hello!", events[1].Content)

	assert.Len(t, p.store.messagesFor(p.conv.ID), 2, "replay must not insert rows")
}

func TestHandleRouterFailureDefaultsToSearch(t *testing.T) {
	t.Parallel()

	router := &stubRouter{err: errors.New("classifier down")}
	retriever := &stubRetriever{}
	model := &stubLLM{deltas: []string{"ok"}}
	p := newPipeline(t, router, model, retriever)

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r4", Content: "what is sentinel?",
	})
	require.NoError(t, err)

	require.Len(t, retriever.queries, 1)
	assert.Equal(t, "what is sentinel?", retriever.queries[0], "fallback searches the original message")
}

func TestHandleRetrievalFailure(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeSearch, Query: "q"}}
	retriever := &stubRetriever{err: errors.New("index offline")}
	p := newPipeline(t, router, &stubLLM{}, retriever)

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r5", Content: "question",
	})
	require.Error(t, err)

	events := p.bus.all()
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, ErrorRetrievalFailed, last.Message)
	assert.Empty(t, p.store.messagesFor(p.conv.ID))
}

func TestHandlePersistFailure(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeChat, Reply: "Hello!"}}
	p := newPipeline(t, router, &stubLLM{}, &stubRetriever{})
	p.store.appendErr = errors.New("deadlock")

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r6", Content: "hi",
	})
	require.Error(t, err)

	events := p.bus.all()
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, ErrorPersistFailed, last.Message)
	for _, ev := range events {
		assert.NotEqual(t, EventDone, ev.Type)
	}
	assert.Empty(t, p.enqueuer.kinds, "no follow-up after a failed persist")
}

func TestHandleTopKHint(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeSearch, Query: "q"}}
	retriever := &stubRetriever{}
	model := &stubLLM{deltas: []string{"ok"}}
	p := newPipeline(t, router, model, retriever)

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r7", Content: "question", TopK: 3,
	})
	require.NoError(t, err)

	require.Len(t, retriever.params, 1)
	assert.Equal(t, 3, retriever.params[0].TopK)
}

func TestHandleConversationGenerationDefaults(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeSearch, Query: "q"}}
	model := &stubLLM{deltas: []string{"ok"}}
	p := newPipeline(t, router, model, &stubRetriever{})

	conv, err := p.store.CreateConversation(context.Background(), "u1",
		NewConversation{Model: "gpt-4.1-mini", Temperature: 0.2})
	require.NoError(t, err)

	err = p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: conv.ID, UserID: "u1", RequestID: "r9", Content: "question",
	})
	require.NoError(t, err)

	requests := model.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "gpt-4.1-mini", requests[0].Model)
	assert.InDelta(t, 0.2, requests[0].Temperature, 1e-6)

	// A per-request override still wins over the thread defaults.
	err = p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: conv.ID, UserID: "u1", RequestID: "r10", Content: "question",
		Model: "gpt-4.1", Temperature: 0.9,
	})
	require.NoError(t, err)

	requests = model.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "gpt-4.1", requests[1].Model)
	assert.InDelta(t, 0.9, requests[1].Temperature, 1e-6)
}

func TestHandleEmptyContent(t *testing.T) {
	t.Parallel()

	router := &stubRouter{decision: Decision{Mode: ModeChat, Reply: "Hello!"}}
	p := newPipeline(t, router, &stubLLM{}, &stubRetriever{})

	err := p.handler.Handle(context.Background(), MessagePayload{
		ConversationID: p.conv.ID, UserID: "u1", RequestID: "r8", Content: "   ",
	})
	require.ErrorIs(t, err, ErrEmptyMessage)
}
