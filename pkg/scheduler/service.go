package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/registry"
)

const (
	// defaultCoalesceGrace bounds how late a fire may be and still run.
	// Anything later is dropped and the schedule skips to its next slot.
	defaultCoalesceGrace = 30 * time.Second

	// defaultRetryDelay is the pause before the single enqueue retry.
	defaultRetryDelay = 500 * time.Millisecond

	// idleWait caps how long the loop sleeps with nothing scheduled.
	idleWait = time.Minute
)

// Enqueuer submits invocations to the broker. Satisfied by the broker
// manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args []any, kwargs map[string]any, labels broker.Labels) (uuid.UUID, error)
}

// Service runs the schedule timer loop over persisted instances.
type Service struct {
	store    Store
	enqueuer Enqueuer
	registry *registry.Registry
	logger   *slog.Logger

	now        func() time.Time
	grace      time.Duration
	retryDelay time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
	started   bool
	wake      chan struct{}
}

// Option configures the scheduler service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry enables kind and parameter validation at registration
// time instead of first fire.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithCoalesceGrace overrides the late-fire window.
func WithCoalesceGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithRetryDelay overrides the pause before the single enqueue retry.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// withClock injects a fake clock in tests.
func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a scheduler over the given store and enqueuer.
func NewService(store Store, enqueuer Enqueuer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if enqueuer == nil {
		return nil, ErrEnqueuerRequired
	}

	s := &Service{
		store:      store,
		enqueuer:   enqueuer,
		logger:     logger.NewNope(),
		now:        time.Now,
		grace:      defaultCoalesceGrace,
		retryDelay: defaultRetryDelay,
		instances:  make(map[string]*Instance),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start loads persisted instances and begins the timer loop. The loop
// stops when ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	persisted, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load instances: %w", err)
	}

	s.mu.Lock()
	for i := range persisted {
		inst := persisted[i]
		s.instances[inst.ID] = &inst
	}
	count := len(s.instances)
	s.mu.Unlock()

	s.logger.Info("scheduler started", slog.Int("instances", count))
	go s.loop(ctx)
	return nil
}

// Register persists a new schedule instance and arms the timer for it.
// Returns the instance id.
func (s *Service) Register(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Trigger.Validate(); err != nil {
		return "", err
	}
	if s.registry != nil {
		if _, err := s.registry.Validate(spec.Kind, spec.Kwargs); err != nil {
			return "", fmt.Errorf("scheduler: register %s: %w", spec.Kind, err)
		}
	}

	next, err := spec.Trigger.next(s.now().UTC())
	if err != nil {
		return "", err
	}
	if next.IsZero() {
		return "", fmt.Errorf("%w: one-shot time is in the past", ErrInvalidTrigger)
	}

	inst := Instance{
		ID:       newInstanceID(spec.ConfigID),
		ConfigID: spec.ConfigID,
		Kind:     spec.Kind,
		Args:     spec.Args,
		Kwargs:   spec.Kwargs,
		Labels:   spec.Labels,
		Trigger:  spec.Trigger,
		NextRun:  next,
	}
	if err := s.store.Upsert(ctx, inst); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.instances[inst.ID] = &inst
	s.mu.Unlock()
	s.kick()

	s.logger.InfoContext(ctx, "schedule registered",
		slog.String("schedule_id", inst.ID),
		slog.String("kind", inst.Kind),
		slog.Time("next_run", next),
	)
	return inst.ID, nil
}

// Unregister removes a schedule instance permanently.
func (s *Service) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	_, known := s.instances[id]
	delete(s.instances, id)
	s.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.kick()
	return nil
}

// Pause keeps the instance but stops it from firing.
func (s *Service) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, known := s.instances[id]
	if known {
		inst.Paused = true
	}
	s.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.store.SetPaused(ctx, id, true)
}

// Resume reactivates a paused instance. The next run is computed from
// now, so fires missed while paused are not replayed.
func (s *Service) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, known := s.instances[id]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next, err := inst.Trigger.next(s.now().UTC())
	if err != nil {
		return err
	}
	if next.IsZero() {
		// A one-shot that expired while paused has nothing left to do.
		return s.Unregister(ctx, id)
	}

	s.mu.Lock()
	inst.Paused = false
	inst.NextRun = next
	snapshot := *inst
	s.mu.Unlock()

	if err := s.store.Upsert(ctx, snapshot); err != nil {
		return err
	}
	s.kick()
	return nil
}

// ListAll returns every live instance ordered by next run.
func (s *Service) ListAll(_ context.Context) []Instance {
	s.mu.Lock()
	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, *inst)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// ListByConfig returns the live instances of one task configuration.
func (s *Service) ListByConfig(_ context.Context, configID int64) []Instance {
	s.mu.Lock()
	var out []Instance
	for _, inst := range s.instances {
		if inst.ConfigID == configID {
			out = append(out, *inst)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

func (s *Service) loop(ctx context.Context) {
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// untilNext returns the sleep until the earliest armed instance, capped
// so a stale computation can never park the loop forever.
func (s *Service) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	earliest := time.Time{}
	for _, inst := range s.instances {
		if inst.Paused {
			continue
		}
		if earliest.IsZero() || inst.NextRun.Before(earliest) {
			earliest = inst.NextRun
		}
	}
	if earliest.IsZero() {
		return idleWait
	}

	d := earliest.Sub(s.now().UTC())
	if d < 0 {
		return 0
	}
	if d > idleWait {
		return idleWait
	}
	return d
}

// fireDue runs every instance whose next run has arrived.
func (s *Service) fireDue(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*Instance
	for _, inst := range s.instances {
		if !inst.Paused && !inst.NextRun.After(now) {
			due = append(due, inst)
		}
	}
	s.mu.Unlock()

	for _, inst := range due {
		s.fire(ctx, inst, now)
	}
}

func (s *Service) fire(ctx context.Context, inst *Instance, now time.Time) {
	log := s.logger.With(
		slog.String("schedule_id", inst.ID),
		slog.String("kind", inst.Kind),
	)

	late := now.Sub(inst.NextRun)
	fired := false
	if late <= s.grace {
		s.enqueueWithRetry(ctx, log, inst)
		fired = true
	} else {
		log.WarnContext(ctx, "dropping late fire",
			slog.Duration("late", late),
			slog.Duration("grace", s.grace),
		)
	}

	if inst.Trigger.OneShot() {
		s.mu.Lock()
		delete(s.instances, inst.ID)
		s.mu.Unlock()
		if err := s.store.Delete(ctx, inst.ID); err != nil {
			log.ErrorContext(ctx, "delete spent one-shot failed", slog.Any("error", err))
		}
		return
	}

	next, err := inst.Trigger.next(now)
	if err != nil {
		log.ErrorContext(ctx, "compute next run failed", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	inst.NextRun = next
	if fired {
		firedAt := now
		inst.LastRun = &firedAt
	}
	snapshot := *inst
	s.mu.Unlock()

	if fired {
		err = s.store.MarkFired(ctx, inst.ID, now, next)
	} else {
		err = s.store.Upsert(ctx, snapshot)
	}
	if err != nil {
		log.ErrorContext(ctx, "persist schedule advance failed", slog.Any("error", err))
	}
}

// enqueueWithRetry tries the broker once and retries a single time after
// a short pause. A second failure loses this fire; the next slot is not
// affected.
func (s *Service) enqueueWithRetry(ctx context.Context, log *slog.Logger, inst *Instance) {
	id, err := s.enqueuer.Enqueue(ctx, inst.Kind, inst.Args, inst.Kwargs, inst.Labels)
	if err == nil {
		log.InfoContext(ctx, "schedule fired", slog.String("invocation_id", id.String()))
		return
	}
	log.WarnContext(ctx, "enqueue failed, retrying once", slog.Any("error", err))

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.retryDelay):
	}

	id, err = s.enqueuer.Enqueue(ctx, inst.Kind, inst.Args, inst.Kwargs, inst.Labels)
	if err != nil {
		log.ErrorContext(ctx, "enqueue retry failed, dropping fire", slog.Any("error", err))
		return
	}
	log.InfoContext(ctx, "schedule fired", slog.String("invocation_id", id.String()))
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
