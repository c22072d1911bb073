package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/registry"
)

const defaultMaxWorkers = 10

// Manager owns the River client: it enqueues invocations and runs the
// worker pools that consume them.
type Manager struct {
	client   *river.Client[pgx.Tx]
	pool     *pgxpool.Pool
	registry *registry.Registry
	recorder Recorder
	results  *ResultStore
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewManager creates a broker manager over the shared pool and task
// registry. Task options (WithTask, WithResultTask) populate the registry;
// every queue the registry knows gets a worker pool. The River client is
// created immediately so invocations can be enqueued before Start.
func NewManager(pool *pgxpool.Pool, reg *registry.Registry, opts ...Option) (*Manager, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}

	cfg := &config{
		registry: reg,
		queues:   make(map[string]int),
		logger:   logger.NewNope(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.regErr != nil {
		return nil, fmt.Errorf("broker: task registration: %w", cfg.regErr)
	}
	if cfg.maxWorkers == 0 {
		cfg.maxWorkers = defaultMaxWorkers
	}

	queues := make(map[string]river.QueueConfig)
	for _, name := range reg.Queues() {
		workers := cfg.maxWorkers
		if n, ok := cfg.queues[name]; ok {
			workers = n
		}
		queues[name] = river.QueueConfig{MaxWorkers: workers}
	}
	if len(queues) == 0 {
		queues[river.QueueDefault] = river.QueueConfig{MaxWorkers: cfg.maxWorkers}
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &taskWorker{
		registry: reg,
		recorder: cfg.recorder,
		results:  cfg.results,
		logger:   cfg.logger,
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  queues,
		Workers: workers,
		Logger:  cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: create client: %w", err)
	}

	return &Manager{
		client:   client,
		pool:     pool,
		registry: reg,
		recorder: cfg.recorder,
		results:  cfg.results,
		logger:   cfg.logger,
	}, nil
}

// Start begins consuming queues.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.client.Start(ctx); err != nil {
		return fmt.Errorf("broker: start client: %w", err)
	}

	m.started = true
	m.logger.Info("broker started",
		slog.Int("kinds", len(m.registry.Kinds())),
		slog.Any("queues", m.registry.Queues()),
	)
	return nil
}

// Stop drains in-flight work and shuts the client down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrNotStarted
	}
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("broker: stop client: %w", err)
	}

	m.started = false
	m.logger.Info("broker stopped")
	return nil
}

// Enqueue submits one invocation of kind with the given positional args,
// keyword parameters, and labels. Kwargs are validated against the
// registry descriptor (missing required parameters reject the enqueue,
// declared defaults are filled in). Returns the fresh invocation id.
func (m *Manager) Enqueue(ctx context.Context, kind string, args []any, kwargs map[string]any, labels Labels) (uuid.UUID, error) {
	jobArgs, insertOpts, err := m.buildInvocation(kind, args, kwargs, &labels)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := m.client.Insert(ctx, jobArgs, insertOpts); err != nil {
		return uuid.Nil, fmt.Errorf("broker: enqueue %s: %w", kind, err)
	}

	id := uuid.MustParse(jobArgs.InvocationID)
	m.recordEnqueued(ctx, id, kind, labels)
	return id, nil
}

// EnqueueTx submits an invocation inside a transaction; the job becomes
// visible only after the transaction commits. This keeps database writes
// and their follow-up work atomic.
func (m *Manager) EnqueueTx(ctx context.Context, tx pgx.Tx, kind string, args []any, kwargs map[string]any, labels Labels) (uuid.UUID, error) {
	jobArgs, insertOpts, err := m.buildInvocation(kind, args, kwargs, &labels)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := m.client.InsertTx(ctx, tx, jobArgs, insertOpts); err != nil {
		return uuid.Nil, fmt.Errorf("broker: enqueue tx %s: %w", kind, err)
	}

	id := uuid.MustParse(jobArgs.InvocationID)
	m.recordEnqueued(ctx, id, kind, labels)
	return id, nil
}

// Results exposes the result store for callers that poll outcomes.
func (m *Manager) Results() *ResultStore {
	return m.results
}

func (m *Manager) buildInvocation(kind string, args []any, kwargs map[string]any, labels *Labels) (*taskArgs, *river.InsertOpts, error) {
	queue, err := m.registry.Queue(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	merged, err := m.registry.Validate(kind, kwargs)
	if err != nil {
		return nil, nil, err
	}

	var kwargsRaw json.RawMessage
	if len(merged) > 0 {
		kwargsRaw, err = json.Marshal(merged)
		if err != nil {
			return nil, nil, fmt.Errorf("broker: marshal kwargs: %w", err)
		}
	}

	if labels.Kind == "" {
		labels.Kind = kind
	}

	jobArgs := &taskArgs{
		InvocationID: uuid.NewString(),
		TaskKind:     kind,
		Args:         args,
		Kwargs:       kwargsRaw,
		Labels:       *labels,
	}

	insertOpts := &river.InsertOpts{
		Queue:    queue,
		Priority: riverPriority(labels.Priority),
	}
	if labels.MaxRetries > 0 {
		insertOpts.MaxAttempts = labels.MaxRetries + 1
	}

	return jobArgs, insertOpts, nil
}

func (m *Manager) recordEnqueued(ctx context.Context, id uuid.UUID, kind string, labels Labels) {
	if m.recorder == nil {
		return
	}

	var configID *int64
	if labels.ConfigID != 0 {
		configID = &labels.ConfigID
	}

	// Best effort: the recorder upserts on mark-running, so a dropped
	// enqueue record does not lose the invocation.
	if err := m.recorder.RecordEnqueued(ctx, EnqueuedInvocation{
		InvocationID: id,
		ConfigID:     configID,
		Kind:         kind,
		EnqueuedAt:   time.Now().UTC(),
	}); err != nil {
		m.logger.WarnContext(ctx, "record enqueued failed",
			slog.String("invocation_id", id.String()),
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}
}

// riverPriority maps the 1..10 label priority onto River's 1..4 range.
func riverPriority(p int) int {
	if p <= 0 {
		return 2
	}
	if p > 10 {
		p = 10
	}
	return 1 + (p-1)/3
}

// Healthcheck returns a readiness probe verifying the manager is started
// and its database pool is reachable.
func Healthcheck(m *Manager) func(context.Context) error {
	return func(ctx context.Context) error {
		if m == nil {
			return ErrHealthcheckFailed
		}

		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if !started {
			return ErrHealthcheckFailed
		}

		// The River client shares this pool, so one ping covers both.
		if err := m.pool.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Shutdown returns a shutdown hook for the manager.
func (m *Manager) Shutdown() func(context.Context) error {
	return m.Stop
}
