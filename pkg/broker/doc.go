// Package broker transports task invocations to workers over a durable
// Postgres-backed queue (River) and stores terminal results in Redis with
// a bounded TTL.
//
// Every invocation travels as a single unified River job carrying the wire
// envelope {invocation_id, kind, args, kwargs, labels}. The worker resolves
// the executor through the task registry, honors the label timeout as a
// context deadline, reports lifecycle transitions to the execution
// recorder, and deduplicates broker redeliveries against the recorder's
// terminal records. Delivery is at-least-once; executors are expected to
// be idempotent on their own business keys.
package broker
