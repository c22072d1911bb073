// Package db manages the shared PostgreSQL connection pool.
//
// It wraps [github.com/jackc/pgx/v5/pgxpool] with retry-on-startup
// connection logic, transaction helpers, goose-based schema migrations,
// and health/shutdown hooks. The pool created here is the single relational
// store shared by the scheduler, the execution service, and the chat
// pipeline.
package db
