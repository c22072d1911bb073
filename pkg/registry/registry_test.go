package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	r := New()
	err := r.Register(Descriptor{Kind: "send-email", Queue: "email"}, nopExecutor{})
	require.NoError(t, err)

	t.Run("duplicate kind fails", func(t *testing.T) {
		err := r.Register(Descriptor{Kind: "send-email", Queue: "email"}, nopExecutor{})
		assert.ErrorIs(t, err, ErrDuplicateKind)
	})

	t.Run("missing queue fails", func(t *testing.T) {
		err := r.Register(Descriptor{Kind: "orphan"}, nopExecutor{})
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("nil executor fails", func(t *testing.T) {
		err := r.Register(Descriptor{Kind: "broken", Queue: "default"}, nil)
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})
}

func TestRegistry_Lookups(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(Descriptor{Kind: "chat-message", Queue: "chat"}, nopExecutor{}))
	require.NoError(t, r.Register(Descriptor{Kind: "send-email", Queue: "email"}, nopExecutor{}))
	require.NoError(t, r.Register(Descriptor{Kind: "cleanup-executions", Queue: "maintenance"}, nopExecutor{}))
	require.NoError(t, r.Register(Descriptor{Kind: "conversation-metadata", Queue: "chat"}, nopExecutor{}))

	t.Run("queue routing", func(t *testing.T) {
		q, err := r.Queue("chat-message")
		require.NoError(t, err)
		assert.Equal(t, "chat", q)

		_, err = r.Queue("nope")
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("queues deduplicated and sorted", func(t *testing.T) {
		assert.Equal(t, []string{"chat", "email", "maintenance"}, r.Queues())
	})

	t.Run("kinds sorted", func(t *testing.T) {
		kinds := r.Kinds()
		require.Len(t, kinds, 4)
		assert.Equal(t, "chat-message", kinds[0].Kind)
		assert.Equal(t, "send-email", kinds[3].Kind)
	})

	t.Run("executor lookup", func(t *testing.T) {
		_, ok := r.Executor("send-email")
		assert.True(t, ok)
		_, ok = r.Executor("missing")
		assert.False(t, ok)
	})
}

func TestRegistry_Validate(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(Descriptor{
		Kind:  "send-email",
		Queue: "email",
		Params: []Param{
			{Name: "to", Required: true},
			{Name: "template", Required: false, Default: "notification.md"},
		},
	}, nopExecutor{}))

	t.Run("missing required param", func(t *testing.T) {
		_, err := r.Validate("send-email", map[string]any{"template": "welcome.md"})
		assert.ErrorIs(t, err, ErrMissingParam)
	})

	t.Run("defaults applied", func(t *testing.T) {
		params, err := r.Validate("send-email", map[string]any{"to": "ops@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "notification.md", params["template"])
	})

	t.Run("input not mutated", func(t *testing.T) {
		in := map[string]any{"to": "ops@example.com"}
		_, err := r.Validate("send-email", in)
		require.NoError(t, err)
		assert.NotContains(t, in, "template")
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := r.Validate("missing", nil)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}
