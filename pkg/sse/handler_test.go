package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/pkg/chat"
)

type memoryBus struct {
	mu           sync.Mutex
	subs         map[string][]*memorySub
	subscribeErr error
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string][]*memorySub)}
}

func (b *memoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	sub := &memorySub{ch: make(chan []byte, 64)}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (b *memoryBus) publish(channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[channel] {
		sub.ch <- payload
	}
}

func (b *memoryBus) breakFeeds(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[channel] {
		sub.setErr(errors.New("connection lost"))
	}
}

func (b *memoryBus) subscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

type memorySub struct {
	ch  chan []byte
	mu  sync.Mutex
	err error
}

func (s *memorySub) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	// Wake a blocked Receive.
	select {
	case s.ch <- nil:
	default:
	}
}

func (s *memorySub) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.ch:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return payload, nil
	case <-ctx.Done():
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}
}

func (s *memorySub) Close() error { return nil }

type memoryConversations struct {
	owner map[uuid.UUID]string
}

func (m *memoryConversations) GetConversation(_ context.Context, id uuid.UUID, userID string) (chat.Conversation, error) {
	if owner, ok := m.owner[id]; ok && owner == userID {
		return chat.Conversation{ID: id, UserID: userID}, nil
	}
	return chat.Conversation{}, chat.ErrConversationNotFound
}

func newTestServer(t *testing.T, bus Bus, conversations ConversationSource) *httptest.Server {
	t.Helper()
	handler := NewHandler(bus, conversations,
		WithPollTimeout(20*time.Millisecond),
		WithHeartbeatInterval(50*time.Millisecond),
	)
	r := chi.NewRouter()
	r.Get("/conversations/{id}/events", handler.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, srv *httptest.Server, conversationID, userID string) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/conversations/"+conversationID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, userID)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { resp.Body.Close() })
	return bufio.NewReader(resp.Body), cancel
}

// readFrame returns the next non-comment frame's data payload.
func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "unexpected frame line %q", line)
		return strings.TrimPrefix(line, "data: ")
	}
}

func TestHandlerRejections(t *testing.T) {
	t.Parallel()

	conversationID := uuid.New()
	conversations := &memoryConversations{owner: map[uuid.UUID]string{conversationID: "u1"}}

	t.Run("invalid conversation id", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, newMemoryBus(), conversations)
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/conversations/not-a-uuid/events", nil)
		req.Header.Set(UserIDHeader, "u1")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing user identity", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, newMemoryBus(), conversations)
		resp, err := srv.Client().Get(srv.URL + "/conversations/" + conversationID.String() + "/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("foreign conversation reads as missing", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, newMemoryBus(), conversations)
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/conversations/"+conversationID.String()+"/events", nil)
		req.Header.Set(UserIDHeader, "intruder")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bus unavailable", func(t *testing.T) {
		t.Parallel()
		bus := newMemoryBus()
		bus.subscribeErr = errors.New("broker down")
		srv := newTestServer(t, bus, conversations)
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/conversations/"+conversationID.String()+"/events", nil)
		req.Header.Set(UserIDHeader, "u1")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestHandlerFanOutPreservesOrder(t *testing.T) {
	t.Parallel()

	conversationID := uuid.New()
	conversations := &memoryConversations{owner: map[uuid.UUID]string{conversationID: "u1"}}
	bus := newMemoryBus()
	srv := newTestServer(t, bus, conversations)

	const clients = 3
	readers := make([]*bufio.Reader, clients)
	for i := range readers {
		reader, cancel := openStream(t, srv, conversationID.String(), "u1")
		t.Cleanup(cancel)
		readers[i] = reader
	}

	channel := chat.Channel(conversationID)
	require.Eventually(t, func() bool {
		return bus.subscriberCount(channel) == clients
	}, time.Second, 5*time.Millisecond)

	published := []string{
		`{"type":"progress","stage":"generating"}`,
		`{"type":"delta","content":"Hello"}`,
		`{"type":"done"}`,
	}
	for _, payload := range published {
		bus.publish(channel, []byte(payload))
	}

	for i, reader := range readers {
		for j, want := range published {
			got := readFrame(t, reader)
			assert.Equal(t, want, got, "client %d frame %d", i, j)
		}
	}
}

func TestHandlerEmitsErrorFrameOnFeedFailure(t *testing.T) {
	t.Parallel()

	conversationID := uuid.New()
	conversations := &memoryConversations{owner: map[uuid.UUID]string{conversationID: "u1"}}
	bus := newMemoryBus()
	srv := newTestServer(t, bus, conversations)

	reader, cancel := openStream(t, srv, conversationID.String(), "u1")
	t.Cleanup(cancel)

	channel := chat.Channel(conversationID)
	require.Eventually(t, func() bool {
		return bus.subscriberCount(channel) == 1
	}, time.Second, 5*time.Millisecond)

	bus.publish(channel, []byte(`{"type":"delta","content":"partial"}`))
	require.Equal(t, `{"type":"delta","content":"partial"}`, readFrame(t, reader))

	bus.breakFeeds(channel)

	frame := readFrame(t, reader)
	var ev chat.Event
	require.NoError(t, json.Unmarshal([]byte(frame), &ev))
	assert.Equal(t, chat.EventError, ev.Type)
	assert.Equal(t, chat.ErrorStreamFailed, ev.Message)

	// The stream ends after the error frame.
	_, err := reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandlerHeartbeat(t *testing.T) {
	t.Parallel()

	conversationID := uuid.New()
	conversations := &memoryConversations{owner: map[uuid.UUID]string{conversationID: "u1"}}
	srv := newTestServer(t, newMemoryBus(), conversations)

	reader, cancel := openStream(t, srv, conversationID.String(), "u1")
	t.Cleanup(cancel)

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		line, err := reader.ReadString('\n')
		if err == nil {
			got <- line
		}
	}()

	select {
	case line := <-got:
		assert.True(t, strings.HasPrefix(line, ":"), "expected a comment frame, got %q", line)
	case <-deadline:
		t.Fatal("no heartbeat within two seconds")
	}
}

func TestHandlerSkipsInvalidUTF8(t *testing.T) {
	t.Parallel()

	conversationID := uuid.New()
	conversations := &memoryConversations{owner: map[uuid.UUID]string{conversationID: "u1"}}
	bus := newMemoryBus()
	srv := newTestServer(t, bus, conversations)

	reader, cancel := openStream(t, srv, conversationID.String(), "u1")
	t.Cleanup(cancel)

	channel := chat.Channel(conversationID)
	require.Eventually(t, func() bool {
		return bus.subscriberCount(channel) == 1
	}, time.Second, 5*time.Millisecond)

	bus.publish(channel, []byte{0xff, 0xfe})
	bus.publish(channel, []byte(`{"type":"done"}`))

	assert.Equal(t, `{"type":"done"}`, readFrame(t, reader))
}
