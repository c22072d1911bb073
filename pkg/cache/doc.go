// Package cache provides a small generic TTL cache with memory and Redis
// backends.
//
// The memory backend serves the dynamic-settings accessor (short TTL,
// process-local); the Redis backend serves the task result store (bounded
// TTL, shared across processes). GetOrSet deduplicates concurrent misses
// with singleflight so a cold key triggers exactly one load.
package cache
