package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/scheduler"
	"github.com/ragline/ragline/pkg/taskconfig"
)

// ConfigService is the slice of the task-config service seeding needs.
type ConfigService interface {
	GetByName(ctx context.Context, name string) (taskconfig.Config, error)
	Create(ctx context.Context, cfg taskconfig.Config) (taskconfig.Config, error)
}

// SeedConfig is one declarative task configuration.
type SeedConfig struct {
	Name           string         `yaml:"name"`
	Kind           string         `yaml:"kind"`
	Schedule       string         `yaml:"schedule,omitempty"` // cron expression
	RunAt          time.Time      `yaml:"run_at,omitempty"`   // one-shot alternative
	Args           []any          `yaml:"args,omitempty"`
	Kwargs         map[string]any `yaml:"kwargs,omitempty"`
	Priority       int            `yaml:"priority,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int            `yaml:"max_retries,omitempty"`
	Paused         bool           `yaml:"paused,omitempty"`
}

type seedFile struct {
	Configs []SeedConfig `yaml:"configs"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) ([]SeedConfig, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tasks: parse seed: %w", err)
	}
	for i, c := range f.Configs {
		if c.Name == "" || c.Kind == "" {
			return nil, fmt.Errorf("tasks: seed entry %d: name and kind are required", i)
		}
	}
	return f.Configs, nil
}

// Seed creates any configurations that do not exist yet. Existing
// configurations are left untouched so operator edits survive restarts.
func Seed(ctx context.Context, svc ConfigService, data []byte, log *slog.Logger) error {
	if log == nil {
		log = logger.NewNope()
	}

	seeds, err := ParseSeed(data)
	if err != nil {
		return err
	}

	for _, seed := range seeds {
		if _, err := svc.GetByName(ctx, seed.Name); err == nil {
			continue
		} else if !errors.Is(err, taskconfig.ErrNotFound) {
			return fmt.Errorf("tasks: seed lookup %s: %w", seed.Name, err)
		}

		status := taskconfig.StatusActive
		if seed.Paused {
			status = taskconfig.StatusPaused
		}

		created, err := svc.Create(ctx, taskconfig.Config{
			Name:   seed.Name,
			Kind:   seed.Kind,
			Args:   seed.Args,
			Kwargs: seed.Kwargs,
			Labels: broker.Labels{
				Priority:       seed.Priority,
				TimeoutSeconds: seed.TimeoutSeconds,
				MaxRetries:     seed.MaxRetries,
			},
			Schedule: scheduler.Trigger{CronExpr: seed.Schedule, RunAt: seed.RunAt},
			Status:   status,
		})
		if err != nil {
			return fmt.Errorf("tasks: seed create %s: %w", seed.Name, err)
		}
		log.InfoContext(ctx, "seeded task configuration",
			slog.Int64("config_id", created.ID),
			slog.String("name", created.Name),
			slog.String("kind", created.Kind),
		)
	}
	return nil
}
