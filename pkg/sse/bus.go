package sse

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Subscription is one client's feed of a channel. Receive blocks until
// a payload arrives, the context expires, or the feed breaks. Callers
// poll with a short per-call timeout so a vanished client is noticed
// within one interval.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Bus provides per-channel subscriptions.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// RedisBus subscribes over Redis pub/sub.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus creates a bus over the shared Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Subscribe opens a pub/sub subscription on the channel. The returned
// subscription must be closed by the caller.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so a dead broker fails here, not
	// on the first Receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("sse: subscribe %s: %w", channel, err)
	}
	return &redisSubscription{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrBusClosed
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

var _ Bus = (*RedisBus)(nil)
