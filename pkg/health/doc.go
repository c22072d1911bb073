// Package health provides HTTP liveness and readiness handlers.
//
// Readiness aggregates named checks (postgres, redis, broker) executed in
// parallel under a shared timeout. Responses are plain text for probes and
// JSON when requested via Accept header or ?format=json.
package health
