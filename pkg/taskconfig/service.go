package taskconfig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/scheduler"
)

// Scheduler is the slice of the scheduler the service drives.
type Scheduler interface {
	Register(ctx context.Context, spec scheduler.Spec) (string, error)
	Unregister(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	ListByConfig(ctx context.Context, configID int64) []scheduler.Instance
}

// Enqueuer submits immediate invocations. Satisfied by the broker
// manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args []any, kwargs map[string]any, labels broker.Labels) (uuid.UUID, error)
}

// Service coordinates the configuration table, the scheduler, and the
// broker.
type Service struct {
	store    Store
	sched    Scheduler
	enqueuer Enqueuer
	logger   *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the configuration service.
func NewService(store Store, sched Scheduler, enqueuer Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sched:    sched,
		enqueuer: enqueuer,
		logger:   logger.NewNope(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a configuration. An active scheduled
// configuration gets its schedule instance immediately.
func (s *Service) Create(ctx context.Context, cfg Config) (Config, error) {
	if cfg.Status == "" {
		cfg.Status = StatusActive
	}
	if cfg.Status != StatusActive && cfg.Status != StatusPaused {
		return Config{}, fmt.Errorf("%w: new configurations start active or paused", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	created, err := s.store.Create(ctx, cfg)
	if err != nil {
		return Config{}, err
	}

	if created.Status == StatusActive && !created.Manual() {
		if err := s.ensureScheduled(ctx, created); err != nil {
			s.logger.ErrorContext(ctx, "schedule registration failed",
				slog.Int64("config_id", created.ID),
				slog.Any("error", err),
			)
		}
	}
	return created, nil
}

// Get returns one configuration by id.
func (s *Service) Get(ctx context.Context, id int64) (Config, error) {
	return s.store.GetByID(ctx, id)
}

// GetByName returns one configuration by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (Config, error) {
	return s.store.GetByName(ctx, name)
}

// List returns configurations filtered by status; empty status means all
// non-archived.
func (s *Service) List(ctx context.Context, status Status) ([]Config, error) {
	return s.store.List(ctx, status)
}

// Update rewrites a configuration's definition and re-syncs its
// schedule. Archived configurations are immutable.
func (s *Service) Update(ctx context.Context, cfg Config) (Config, error) {
	current, err := s.store.GetByID(ctx, cfg.ID)
	if err != nil {
		return Config{}, err
	}
	if current.Status == StatusArchived {
		return Config{}, fmt.Errorf("%w: id %d", ErrArchived, cfg.ID)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	updated, err := s.store.Update(ctx, cfg)
	if err != nil {
		return Config{}, err
	}

	// The old schedule no longer matches the definition; rebuild it.
	s.dropSchedules(ctx, updated.ID)
	if updated.Status == StatusActive && !updated.Manual() {
		if err := s.ensureScheduled(ctx, updated); err != nil {
			s.logger.ErrorContext(ctx, "schedule re-registration failed",
				slog.Int64("config_id", updated.ID),
				slog.Any("error", err),
			)
		}
	}
	return updated, nil
}

// Pause stops a configuration from firing without losing it.
func (s *Service) Pause(ctx context.Context, id int64) error {
	if err := s.transition(ctx, id, StatusPaused); err != nil {
		return err
	}
	for _, inst := range s.sched.ListByConfig(ctx, id) {
		if err := s.sched.Pause(ctx, inst.ID); err != nil {
			s.logger.WarnContext(ctx, "pause schedule instance failed",
				slog.String("schedule_id", inst.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// Resume reactivates a paused configuration. Missed fires are not
// replayed; the schedule restarts from now.
func (s *Service) Resume(ctx context.Context, id int64) error {
	if err := s.transition(ctx, id, StatusActive); err != nil {
		return err
	}

	cfg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Manual() {
		return nil
	}

	resumed := false
	for _, inst := range s.sched.ListByConfig(ctx, id) {
		if err := s.sched.Resume(ctx, inst.ID); err != nil {
			s.logger.WarnContext(ctx, "resume schedule instance failed",
				slog.String("schedule_id", inst.ID),
				slog.Any("error", err),
			)
			continue
		}
		resumed = true
	}
	if !resumed {
		return s.ensureScheduled(ctx, cfg)
	}
	return nil
}

// Archive retires a configuration permanently and removes its schedule.
func (s *Service) Archive(ctx context.Context, id int64) error {
	if err := s.transition(ctx, id, StatusArchived); err != nil {
		return err
	}
	s.dropSchedules(ctx, id)
	return nil
}

// TriggerNow enqueues one immediate invocation of the configuration,
// bypassing its schedule. Works for manual, active, and paused
// configurations alike.
func (s *Service) TriggerNow(ctx context.Context, id int64) (uuid.UUID, error) {
	cfg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if cfg.Status == StatusArchived {
		return uuid.Nil, fmt.Errorf("%w: id %d", ErrArchived, id)
	}

	invocationID, err := s.enqueuer.Enqueue(ctx, cfg.Kind, cfg.Args, cfg.Kwargs, cfg.labels())
	if err != nil {
		return uuid.Nil, fmt.Errorf("taskconfig: trigger now: %w", err)
	}

	s.logger.InfoContext(ctx, "configuration triggered",
		slog.Int64("config_id", id),
		slog.String("invocation_id", invocationID.String()),
	)
	return invocationID, nil
}

// Reconcile makes the scheduler agree with the configuration table:
// every active scheduled configuration gets a live instance, paused
// ones get theirs paused. Run at start-up after both sides have loaded.
func (s *Service) Reconcile(ctx context.Context) error {
	configs, err := s.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("taskconfig: reconcile list: %w", err)
	}

	for _, cfg := range configs {
		if cfg.Manual() {
			continue
		}

		instances := s.sched.ListByConfig(ctx, cfg.ID)
		switch cfg.Status {
		case StatusActive:
			live := 0
			for _, inst := range instances {
				if !inst.Paused {
					live++
				}
			}
			if live == 0 {
				if err := s.ensureScheduled(ctx, cfg); err != nil {
					s.logger.ErrorContext(ctx, "reconcile schedule failed",
						slog.Int64("config_id", cfg.ID),
						slog.Any("error", err),
					)
				}
			}
		case StatusPaused:
			for _, inst := range instances {
				if !inst.Paused {
					if err := s.sched.Pause(ctx, inst.ID); err != nil {
						s.logger.WarnContext(ctx, "reconcile pause failed",
							slog.String("schedule_id", inst.ID),
							slog.Any("error", err),
						)
					}
				}
			}
		}
	}
	return nil
}

func (s *Service) ensureScheduled(ctx context.Context, cfg Config) error {
	scheduleID, err := s.sched.Register(ctx, scheduler.Spec{
		ConfigID: cfg.ID,
		Kind:     cfg.Kind,
		Args:     cfg.Args,
		Kwargs:   cfg.Kwargs,
		Labels:   cfg.labels(),
		Trigger:  cfg.Schedule,
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "schedule registered for configuration",
		slog.Int64("config_id", cfg.ID),
		slog.String("schedule_id", scheduleID),
	)
	return nil
}

func (s *Service) dropSchedules(ctx context.Context, configID int64) {
	for _, inst := range s.sched.ListByConfig(ctx, configID) {
		if err := s.sched.Unregister(ctx, inst.ID); err != nil {
			s.logger.WarnContext(ctx, "unregister schedule instance failed",
				slog.String("schedule_id", inst.ID),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Service) transition(ctx context.Context, id int64, to Status) error {
	cfg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(cfg.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cfg.Status, to)
	}
	return s.store.SetStatus(ctx, id, to)
}
