package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ragline/ragline/pkg/cache"
)

const defaultResultTTL = time.Hour

// ResultStore keeps terminal invocation results in Redis under
// "task:result:{invocation-id}" with a bounded TTL.
type ResultStore struct {
	cache cache.Cache[Result]
	ttl   time.Duration
}

// NewResultStore creates a result store over the shared Redis client.
// A non-positive TTL falls back to the one-hour default.
func NewResultStore(client redis.UniversalClient, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &ResultStore{
		cache: cache.NewRedis[Result](client, nil,
			cache.WithPrefix("task:result"),
			cache.WithRedisDefaultTTL(ttl),
		),
		ttl: ttl,
	}
}

// Store writes a terminal result. Later writes for the same invocation
// overwrite; the execution service, not this store, is the authority on
// what really happened.
func (s *ResultStore) Store(ctx context.Context, id uuid.UUID, result Result) error {
	result.InvocationID = id.String()
	return s.cache.Set(ctx, id.String(), result, s.ttl)
}

// Get returns the stored result, or cache.ErrNotFound once the TTL has
// expired or if the invocation never finished.
func (s *ResultStore) Get(ctx context.Context, id uuid.UUID) (Result, error) {
	return s.cache.Get(ctx, id.String())
}
