// Package logger builds the structured loggers used across ragline.
//
// Loggers are standard *slog.Logger instances with a JSON handler, an
// optional Sentry fan-out, and context extractors that pull request-scoped
// identifiers (invocation id, conversation id, request id) into every log
// record. Components receive loggers through functional options and fall
// back to a no-op logger when none is provided.
package logger
