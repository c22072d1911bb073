// Package sse streams conversation events to HTTP clients over
// Server-Sent Events.
//
// Pipeline workers publish events on a per-conversation pub/sub channel;
// this package fans them out to every connected client of that
// conversation. The handler checks conversation ownership before
// subscribing, relays payloads as data frames in publish order, and
// keeps idle connections alive with periodic comment frames.
//
// Delivery is best effort. A client that connects after an event was
// published never sees it, and a dropped connection loses whatever was
// in flight. The durable record lives in the message store; the stream
// only narrates work in progress.
package sse
