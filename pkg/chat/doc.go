// Package chat implements the conversation pipeline behind the
// messaging API.
//
// A user message travels as a broker invocation: the handler routes it
// (answer directly or retrieve first), gathers evidence, streams the
// model response as events on the conversation's channel, and persists
// the exchange atomically. Redeliveries of the same request replay the
// stored answer instead of running the model again.
//
// Events leave through a Publisher; the sse package fans them out to
// connected clients.
package chat
