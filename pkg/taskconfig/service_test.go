package taskconfig

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/scheduler"
)

type memConfigStore struct {
	mu      sync.Mutex
	nextID  int64
	configs map[int64]Config
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{configs: make(map[int64]Config)}
}

func (s *memConfigStore) Create(_ context.Context, cfg Config) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.configs {
		if existing.Name == cfg.Name {
			return Config{}, ErrNameTaken
		}
	}
	s.nextID++
	cfg.ID = s.nextID
	cfg.CreatedAt = time.Now().UTC()
	cfg.UpdatedAt = cfg.CreatedAt
	s.configs[cfg.ID] = cfg
	return cfg, nil
}

func (s *memConfigStore) GetByID(_ context.Context, id int64) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

func (s *memConfigStore) GetByName(_ context.Context, name string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.Name == name {
			return cfg, nil
		}
	}
	return Config{}, ErrNotFound
}

func (s *memConfigStore) List(_ context.Context, status Status) ([]Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Config
	for _, cfg := range s.configs {
		if status == "" && cfg.Status != StatusArchived {
			out = append(out, cfg)
		} else if status != "" && cfg.Status == status {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *memConfigStore) Update(_ context.Context, cfg Config) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.configs[cfg.ID]
	if !ok {
		return Config{}, ErrNotFound
	}
	cfg.Status = current.Status
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[cfg.ID] = cfg
	return cfg, nil
}

func (s *memConfigStore) SetStatus(_ context.Context, id int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return ErrNotFound
	}
	cfg.Status = status
	s.configs[id] = cfg
	return nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	nextID    int
	instances map[string]scheduler.Instance
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{instances: make(map[string]scheduler.Instance)}
}

func (f *fakeScheduler) Register(_ context.Context, spec scheduler.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("scheduled_task:%d:%d", spec.ConfigID, f.nextID)
	f.instances[id] = scheduler.Instance{
		ID:       id,
		ConfigID: spec.ConfigID,
		Kind:     spec.Kind,
		Labels:   spec.Labels,
		Trigger:  spec.Trigger,
	}
	return id, nil
}

func (f *fakeScheduler) Unregister(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return scheduler.ErrNotFound
	}
	delete(f.instances, id)
	return nil
}

func (f *fakeScheduler) Pause(_ context.Context, id string) error {
	return f.setPaused(id, true)
}

func (f *fakeScheduler) Resume(_ context.Context, id string) error {
	return f.setPaused(id, false)
}

func (f *fakeScheduler) setPaused(id string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return scheduler.ErrNotFound
	}
	inst.Paused = paused
	f.instances[id] = inst
	return nil
}

func (f *fakeScheduler) ListByConfig(_ context.Context, configID int64) []scheduler.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduler.Instance
	for _, inst := range f.instances {
		if inst.ConfigID == configID {
			out = append(out, inst)
		}
	}
	return out
}

type captureEnqueuer struct {
	mu     sync.Mutex
	labels []broker.Labels
	kinds  []string
}

func (e *captureEnqueuer) Enqueue(_ context.Context, kind string, _ []any, _ map[string]any, labels broker.Labels) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	e.labels = append(e.labels, labels)
	return uuid.New(), nil
}

func newTestSetup(t *testing.T) (*Service, *memConfigStore, *fakeScheduler, *captureEnqueuer) {
	t.Helper()

	store := newMemConfigStore()
	sched := newFakeScheduler()
	enq := &captureEnqueuer{}
	return NewService(store, sched, enq), store, sched, enq
}

func scheduledConfig(name string) Config {
	return Config{
		Name:     name,
		Kind:     "demo.report",
		Schedule: scheduler.Trigger{CronExpr: "0 * * * *"},
		Labels:   broker.Labels{Priority: 3, TimeoutSeconds: 60},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid scheduled", scheduledConfig("nightly"), false},
		{"valid manual", Config{Name: "manual", Kind: "demo.report"}, false},
		{"missing name", Config{Kind: "demo.report"}, true},
		{"missing kind", Config{Name: "x"}, true},
		{"bad cron", Config{Name: "x", Kind: "k", Schedule: scheduler.Trigger{CronExpr: "nope"}}, true},
		{"priority out of range", Config{Name: "x", Kind: "k", Labels: broker.Labels{Priority: 11}}, true},
		{"negative timeout", Config{Name: "x", Kind: "k", Labels: broker.Labels{TimeoutSeconds: -1}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("active scheduled configuration registers its schedule", func(t *testing.T) {
		t.Parallel()

		svc, _, sched, _ := newTestSetup(t)
		created, err := svc.Create(context.Background(), scheduledConfig("nightly"))
		require.NoError(t, err)
		assert.Equal(t, StatusActive, created.Status)

		insts := sched.ListByConfig(context.Background(), created.ID)
		require.Len(t, insts, 1)
		assert.Equal(t, created.ID, insts[0].Labels.ConfigID)
	})

	t.Run("manual configuration gets no schedule", func(t *testing.T) {
		t.Parallel()

		svc, _, sched, _ := newTestSetup(t)
		created, err := svc.Create(context.Background(), Config{Name: "manual", Kind: "demo.report"})
		require.NoError(t, err)
		assert.Empty(t, sched.ListByConfig(context.Background(), created.ID))
	})

	t.Run("paused configuration defers its schedule", func(t *testing.T) {
		t.Parallel()

		svc, _, sched, _ := newTestSetup(t)
		cfg := scheduledConfig("later")
		cfg.Status = StatusPaused
		created, err := svc.Create(context.Background(), cfg)
		require.NoError(t, err)
		assert.Empty(t, sched.ListByConfig(context.Background(), created.ID))
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		t.Parallel()

		svc, _, _, _ := newTestSetup(t)
		_, err := svc.Create(context.Background(), scheduledConfig("dup"))
		require.NoError(t, err)
		_, err = svc.Create(context.Background(), scheduledConfig("dup"))
		require.ErrorIs(t, err, ErrNameTaken)
	})

	t.Run("archived start status rejected", func(t *testing.T) {
		t.Parallel()

		svc, _, _, _ := newTestSetup(t)
		cfg := scheduledConfig("dead")
		cfg.Status = StatusArchived
		_, err := svc.Create(context.Background(), cfg)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("pause parks the schedule, resume restarts it", func(t *testing.T) {
		t.Parallel()

		svc, _, sched, _ := newTestSetup(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, scheduledConfig("nightly"))
		require.NoError(t, err)

		require.NoError(t, svc.Pause(ctx, created.ID))
		insts := sched.ListByConfig(ctx, created.ID)
		require.Len(t, insts, 1)
		assert.True(t, insts[0].Paused)

		cfg, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, cfg.Status)

		require.NoError(t, svc.Resume(ctx, created.ID))
		insts = sched.ListByConfig(ctx, created.ID)
		require.Len(t, insts, 1)
		assert.False(t, insts[0].Paused)
	})

	t.Run("archive removes the schedule and is terminal", func(t *testing.T) {
		t.Parallel()

		svc, _, sched, _ := newTestSetup(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, scheduledConfig("nightly"))
		require.NoError(t, err)

		require.NoError(t, svc.Archive(ctx, created.ID))
		assert.Empty(t, sched.ListByConfig(ctx, created.ID))

		require.ErrorIs(t, svc.Resume(ctx, created.ID), ErrInvalidTransition)
		require.ErrorIs(t, svc.Pause(ctx, created.ID), ErrInvalidTransition)
	})

	t.Run("redundant transitions rejected", func(t *testing.T) {
		t.Parallel()

		svc, _, _, _ := newTestSetup(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, scheduledConfig("nightly"))
		require.NoError(t, err)

		require.ErrorIs(t, svc.Resume(ctx, created.ID), ErrInvalidTransition)
	})
}

func TestTriggerNow(t *testing.T) {
	t.Parallel()

	t.Run("enqueues with config-stamped labels", func(t *testing.T) {
		t.Parallel()

		svc, _, _, enq := newTestSetup(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, scheduledConfig("nightly"))
		require.NoError(t, err)

		id, err := svc.TriggerNow(ctx, created.ID)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)

		require.Len(t, enq.labels, 1)
		assert.Equal(t, created.ID, enq.labels[0].ConfigID)
		assert.Equal(t, "demo.report", enq.labels[0].Kind)
		assert.Equal(t, 3, enq.labels[0].Priority)
	})

	t.Run("paused configurations still trigger", func(t *testing.T) {
		t.Parallel()

		svc, _, _, enq := newTestSetup(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, scheduledConfig("nightly"))
		require.NoError(t, err)
		require.NoError(t, svc.Pause(ctx, created.ID))

		_, err = svc.TriggerNow(ctx, created.ID)
		require.NoError(t, err)
		assert.Len(t, enq.kinds, 1)
	})

	t.Run("archived configurations do not", func(t *testing.T) {
		t.Parallel()

		svc, _, _, _ := newTestSetup(t)
		ctx := context.Background()
		created, err := svc.Create(ctx, scheduledConfig("nightly"))
		require.NoError(t, err)
		require.NoError(t, svc.Archive(ctx, created.ID))

		_, err = svc.TriggerNow(ctx, created.ID)
		require.ErrorIs(t, err, ErrArchived)
	})
}

func TestUpdateRebuildsSchedule(t *testing.T) {
	t.Parallel()

	svc, _, sched, _ := newTestSetup(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, scheduledConfig("nightly"))
	require.NoError(t, err)

	before := sched.ListByConfig(ctx, created.ID)
	require.Len(t, before, 1)

	created.Schedule = scheduler.Trigger{CronExpr: "30 2 * * *"}
	updated, err := svc.Update(ctx, created)
	require.NoError(t, err)

	after := sched.ListByConfig(ctx, updated.ID)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.Equal(t, "30 2 * * *", after[0].Trigger.CronExpr)
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	svc, store, sched, _ := newTestSetup(t)
	ctx := context.Background()

	// Active scheduled configuration whose instance went missing.
	orphaned, err := store.Create(ctx, func() Config {
		c := scheduledConfig("orphaned")
		c.Status = StatusActive
		return c
	}())
	require.NoError(t, err)

	// Paused configuration with a stray live instance.
	strayed, err := svc.Create(ctx, scheduledConfig("strayed"))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, strayed.ID, StatusPaused))

	// Manual configuration must stay schedule-free.
	manual, err := svc.Create(ctx, Config{Name: "manual", Kind: "demo.report"})
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx))

	assert.Len(t, sched.ListByConfig(ctx, orphaned.ID), 1)

	strayedInsts := sched.ListByConfig(ctx, strayed.ID)
	require.Len(t, strayedInsts, 1)
	assert.True(t, strayedInsts[0].Paused)

	assert.Empty(t, sched.ListByConfig(ctx, manual.ID))
}
