package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Labels carry routing and policy metadata alongside an invocation.
// They travel verbatim on the wire and drive the worker's deadline and
// the broker's priority mapping.
type Labels struct {
	ConfigID       int64  `json:"config_id,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Priority       int    `json:"priority,omitempty"` // 1 (highest) .. 10 (lowest)
	TimeoutSeconds int    `json:"timeout,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// taskArgs is the single River job type every invocation travels as.
// Field names follow the broker wire contract.
type taskArgs struct {
	InvocationID string          `json:"invocation_id"`
	TaskKind     string          `json:"kind"`
	Args         []any           `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	Labels       Labels          `json:"labels,omitempty"`
}

func (taskArgs) Kind() string { return "ragline:task" }

// EnqueuedInvocation is what the recorder observes at enqueue time.
type EnqueuedInvocation struct {
	InvocationID uuid.UUID
	ConfigID     *int64
	Kind         string
	EnqueuedAt   time.Time
}

// Recorder observes the invocation lifecycle. It is implemented by the
// execution service; a nil recorder disables lifecycle bookkeeping.
type Recorder interface {
	RecordEnqueued(ctx context.Context, inv EnqueuedInvocation) error
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, finishedAt time.Time, duration time.Duration, result json.RawMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time, duration time.Duration, errMsg string) error
	MarkTimedOut(ctx context.Context, id uuid.UUID, finishedAt time.Time, duration time.Duration) error

	// HasTerminal reports whether a terminal record already exists, which
	// lets the worker drop broker redeliveries without side effects.
	HasTerminal(ctx context.Context, id uuid.UUID) (bool, error)
}

// Result statuses written to the result store.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Result is the terminal outcome of one invocation, kept in the result
// store for a bounded TTL.
type Result struct {
	InvocationID string          `json:"invocation_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	FinishedAt   time.Time       `json:"finished_at"`
}
