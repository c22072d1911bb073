// Package redis manages the shared Redis client.
//
// The single client created here backs two distinct concerns: the
// per-conversation pub/sub bus that carries chat events to SSE
// subscribers, and the TTL-bounded task result store. Connection pooling,
// startup retries, health checks, and shutdown are handled once so the
// rest of the code deals only with redis.UniversalClient.
package redis
