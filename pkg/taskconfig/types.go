package taskconfig

import (
	"fmt"
	"time"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/scheduler"
)

// Status of a task configuration.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// canTransition encodes the lifecycle: active and paused flip freely,
// both may archive, archived never leaves.
func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusActive, StatusPaused:
		return to == StatusActive || to == StatusPaused || to == StatusArchived
	}
	return false
}

// Config is one named task configuration.
type Config struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	Args      []any             `json:"args,omitempty"`
	Kwargs    map[string]any    `json:"kwargs,omitempty"`
	Labels    broker.Labels     `json:"labels"`
	Schedule  scheduler.Trigger `json:"schedule,omitzero"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Manual reports whether the configuration only runs on explicit
// trigger, never on a schedule.
func (c Config) Manual() bool {
	return c.Schedule.CronExpr == "" && c.Schedule.RunAt.IsZero()
}

// Validate checks the shape of a configuration before it is stored.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidConfig)
	}
	if !c.Manual() {
		if err := c.Schedule.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if p := c.Labels.Priority; p < 0 || p > 10 {
		return fmt.Errorf("%w: priority must be between 1 and 10", ErrInvalidConfig)
	}
	if c.Labels.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.Labels.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// labels returns the broker labels stamped with this configuration's id.
func (c Config) labels() broker.Labels {
	l := c.Labels
	l.ConfigID = c.ID
	l.Kind = c.Kind
	return l
}
