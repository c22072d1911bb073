package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status of one invocation record.
type Status string

const (
	StatusEnqueued Status = "enqueued"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Execution is one invocation's lifecycle record.
type Execution struct {
	InvocationID uuid.UUID       `json:"invocation_id"`
	ConfigID     *int64          `json:"config_id,omitempty"`
	Kind         string          `json:"kind"`
	Status       Status          `json:"status"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Stats aggregates execution counts and timing, globally or for one
// task configuration.
type Stats struct {
	Total         int64                `json:"total"`
	Enqueued      int64                `json:"enqueued"`
	Running       int64                `json:"running"`
	Succeeded     int64                `json:"succeeded"`
	Failed        int64                `json:"failed"`
	TimedOut      int64                `json:"timed_out"`
	AvgDurationMS float64              `json:"avg_duration_ms"`
	SuccessRate   float64              `json:"success_rate"`
	ByKind        map[string]KindStats `json:"by_kind"`
}

// KindStats breaks the counts down for one task kind.
type KindStats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// successRate is the fraction of settled runs that succeeded. Runs
// still in flight are excluded so a busy queue does not drag the rate.
func successRate(succeeded, failed, timedOut int64) float64 {
	settled := succeeded + failed + timedOut
	if settled == 0 {
		return 0
	}
	return float64(succeeded) / float64(settled)
}
