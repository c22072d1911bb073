// Package ragline is a chat-oriented retrieval and task-execution
// backend.
//
// The platform has two halves that share one Postgres database and one
// Redis instance:
//
//   - A task platform: a kind registry, a River-backed broker with
//     per-queue worker pools, a persistent cron/one-shot scheduler,
//     named task configurations, and an execution lifecycle record
//     with a Redis result store.
//
//   - A chat pipeline: the flagship task kind. One invocation routes a
//     user message (direct reply vs. retrieve-then-generate), runs
//     retrieval against the knowledge service, streams tokens from the
//     LLM, publishes progress over Redis pub/sub, and persists the
//     transcript. Long-lived HTTP clients follow the stream over SSE.
//
// The App type in this package wires everything together and runs the
// HTTP surface. See cmd/ragline for the entry point.
package ragline
