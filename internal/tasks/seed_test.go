package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/pkg/taskconfig"
)

const seedYAML = `
configs:
  - name: nightly-cleanup
    kind: maintenance.cleanup_executions
    schedule: "0 4 * * *"
    kwargs:
      retention: 720h
    priority: 8
    timeout_seconds: 300
    max_retries: 2
  - name: failure-report
    kind: notify.task_failures
    schedule: "0 8 * * *"
    paused: true
`

type seedConfigService struct {
	existing map[string]taskconfig.Config
	created  []taskconfig.Config
	nextID   int64
}

func (s *seedConfigService) GetByName(_ context.Context, name string) (taskconfig.Config, error) {
	if cfg, ok := s.existing[name]; ok {
		return cfg, nil
	}
	return taskconfig.Config{}, taskconfig.ErrNotFound
}

func (s *seedConfigService) Create(_ context.Context, cfg taskconfig.Config) (taskconfig.Config, error) {
	s.nextID++
	cfg.ID = s.nextID
	s.existing[cfg.Name] = cfg
	s.created = append(s.created, cfg)
	return cfg, nil
}

func TestParseSeed(t *testing.T) {
	t.Parallel()

	t.Run("valid document", func(t *testing.T) {
		t.Parallel()
		seeds, err := ParseSeed([]byte(seedYAML))
		require.NoError(t, err)
		require.Len(t, seeds, 2)
		assert.Equal(t, "nightly-cleanup", seeds[0].Name)
		assert.Equal(t, "0 4 * * *", seeds[0].Schedule)
		assert.Equal(t, 8, seeds[0].Priority)
		assert.Equal(t, "720h", seeds[0].Kwargs["retention"])
		assert.True(t, seeds[1].Paused)
	})

	t.Run("missing kind", func(t *testing.T) {
		t.Parallel()
		_, err := ParseSeed([]byte("configs:\n  - name: x\n"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()
		_, err := ParseSeed([]byte("configs: ["))
		require.Error(t, err)
	})
}

func TestSeed(t *testing.T) {
	t.Parallel()

	t.Run("creates missing configurations", func(t *testing.T) {
		t.Parallel()
		svc := &seedConfigService{existing: map[string]taskconfig.Config{}}

		require.NoError(t, Seed(context.Background(), svc, []byte(seedYAML), nil))
		require.Len(t, svc.created, 2)

		cleanup := svc.created[0]
		assert.Equal(t, taskconfig.StatusActive, cleanup.Status)
		assert.Equal(t, 8, cleanup.Labels.Priority)
		assert.Equal(t, 300, cleanup.Labels.TimeoutSeconds)
		assert.Equal(t, "0 4 * * *", cleanup.Schedule.CronExpr)

		assert.Equal(t, taskconfig.StatusPaused, svc.created[1].Status)
	})

	t.Run("existing configurations are left untouched", func(t *testing.T) {
		t.Parallel()
		svc := &seedConfigService{existing: map[string]taskconfig.Config{
			"nightly-cleanup": {ID: 1, Name: "nightly-cleanup"},
		}}

		require.NoError(t, Seed(context.Background(), svc, []byte(seedYAML), nil))
		require.Len(t, svc.created, 1)
		assert.Equal(t, "failure-report", svc.created[0].Name)
	})
}
