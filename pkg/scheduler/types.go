package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ragline/ragline/pkg/broker"
)

// cronParser accepts strict five-field expressions, no descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger describes when a schedule fires: a recurring cron expression
// or a single one-shot timestamp. Exactly one must be set.
type Trigger struct {
	CronExpr string    `json:"cron_expr,omitempty"`
	RunAt    time.Time `json:"run_at,omitzero"`
}

// OneShot reports whether the trigger fires exactly once.
func (t Trigger) OneShot() bool { return t.CronExpr == "" }

// Validate checks the trigger shape and cron syntax.
func (t Trigger) Validate() error {
	switch {
	case t.CronExpr != "" && !t.RunAt.IsZero():
		return fmt.Errorf("%w: both cron expression and run-at set", ErrInvalidTrigger)
	case t.CronExpr == "" && t.RunAt.IsZero():
		return fmt.Errorf("%w: neither cron expression nor run-at set", ErrInvalidTrigger)
	case t.CronExpr != "":
		if _, err := cronParser.Parse(t.CronExpr); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidCronExpr, t.CronExpr, err)
		}
	}
	return nil
}

// next computes the fire time after the given instant. Cron expressions
// are evaluated in UTC. A spent one-shot returns the zero time.
func (t Trigger) next(after time.Time) (time.Time, error) {
	if t.OneShot() {
		if !t.RunAt.UTC().After(after) {
			return time.Time{}, nil
		}
		return t.RunAt.UTC(), nil
	}

	sched, err := cronParser.Parse(t.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrInvalidCronExpr, t.CronExpr, err)
	}
	return sched.Next(after.UTC()), nil
}

// Spec is what callers register: the task to enqueue and when.
type Spec struct {
	ConfigID int64
	Kind     string
	Args     []any
	Kwargs   map[string]any
	Labels   broker.Labels
	Trigger  Trigger
}

// Instance is one persisted, live schedule.
type Instance struct {
	ID       string         `json:"id"`
	ConfigID int64          `json:"config_id"`
	Kind     string         `json:"kind"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	Labels   broker.Labels  `json:"labels"`
	Trigger  Trigger        `json:"trigger"`
	NextRun  time.Time      `json:"next_run"`
	LastRun  *time.Time     `json:"last_run,omitempty"`
	Paused   bool           `json:"paused"`
}

// newInstanceID builds the stable schedule identifier. The config id
// prefix makes per-configuration lookups and log greps cheap.
func newInstanceID(configID int64) string {
	return fmt.Sprintf("scheduled_task:%d:%s", configID, uuid.NewString())
}
