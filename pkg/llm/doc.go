// Package llm wraps the OpenAI-compatible chat completion API behind a
// small service interface.
//
// Any provider speaking the OpenAI wire protocol works by pointing
// BaseURL at it. Streaming responses are delivered over channels: one
// for content deltas, one for the final usage report, one for errors.
package llm
