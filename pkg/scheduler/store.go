package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists schedule instances across restarts.
type Store interface {
	Upsert(ctx context.Context, inst Instance) error
	Delete(ctx context.Context, id string) error
	SetPaused(ctx context.Context, id string, paused bool) error
	MarkFired(ctx context.Context, id string, lastRun, nextRun time.Time) error
	List(ctx context.Context) ([]Instance, error)
	ListByConfig(ctx context.Context, configID int64) ([]Instance, error)
}

// PgStore keeps schedule instances in the schedule_instances table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates the Postgres-backed schedule store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Upsert(ctx context.Context, inst Instance) error {
	args, kwargs, labels, err := marshalPayload(inst)
	if err != nil {
		return err
	}

	var runAt *time.Time
	if !inst.Trigger.RunAt.IsZero() {
		t := inst.Trigger.RunAt.UTC()
		runAt = &t
	}
	var cronExpr *string
	if inst.Trigger.CronExpr != "" {
		cronExpr = &inst.Trigger.CronExpr
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedule_instances (id, config_id, kind, args, kwargs, labels, cron_expr, run_at, next_run, last_run, paused)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    args = EXCLUDED.args,
		    kwargs = EXCLUDED.kwargs,
		    labels = EXCLUDED.labels,
		    cron_expr = EXCLUDED.cron_expr,
		    run_at = EXCLUDED.run_at,
		    next_run = EXCLUDED.next_run,
		    paused = EXCLUDED.paused
	`, inst.ID, inst.ConfigID, inst.Kind, args, kwargs, labels, cronExpr, runAt, inst.NextRun, inst.LastRun, inst.Paused)
	if err != nil {
		return fmt.Errorf("scheduler: upsert instance: %w", err)
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM schedule_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scheduler: delete instance: %w", err)
	}
	return nil
}

func (s *PgStore) SetPaused(ctx context.Context, id string, paused bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedule_instances SET paused = $2 WHERE id = $1`, id, paused)
	if err != nil {
		return fmt.Errorf("scheduler: set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PgStore) MarkFired(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedule_instances SET last_run = $2, next_run = $3 WHERE id = $1
	`, id, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("scheduler: mark fired: %w", err)
	}
	return nil
}

func (s *PgStore) List(ctx context.Context) ([]Instance, error) {
	return s.list(ctx, `
		SELECT id, config_id, kind, args, kwargs, labels, cron_expr, run_at, next_run, last_run, paused
		FROM schedule_instances
		ORDER BY next_run ASC
	`)
}

func (s *PgStore) ListByConfig(ctx context.Context, configID int64) ([]Instance, error) {
	return s.list(ctx, `
		SELECT id, config_id, kind, args, kwargs, labels, cron_expr, run_at, next_run, last_run, paused
		FROM schedule_instances
		WHERE config_id = $1
		ORDER BY next_run ASC
	`, configID)
}

func (s *PgStore) list(ctx context.Context, query string, args ...any) ([]Instance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: list rows: %w", err)
	}
	return out, nil
}

func scanInstance(row pgx.Row) (Instance, error) {
	var (
		inst               Instance
		argsRaw, kwargsRaw []byte
		labelsRaw          []byte
		cronExpr           *string
		runAt              *time.Time
	)
	if err := row.Scan(
		&inst.ID, &inst.ConfigID, &inst.Kind, &argsRaw, &kwargsRaw, &labelsRaw,
		&cronExpr, &runAt, &inst.NextRun, &inst.LastRun, &inst.Paused,
	); err != nil {
		return Instance{}, err
	}

	if len(argsRaw) > 0 {
		if err := json.Unmarshal(argsRaw, &inst.Args); err != nil {
			return Instance{}, err
		}
	}
	if len(kwargsRaw) > 0 {
		if err := json.Unmarshal(kwargsRaw, &inst.Kwargs); err != nil {
			return Instance{}, err
		}
	}
	if len(labelsRaw) > 0 {
		if err := json.Unmarshal(labelsRaw, &inst.Labels); err != nil {
			return Instance{}, err
		}
	}
	if cronExpr != nil {
		inst.Trigger.CronExpr = *cronExpr
	}
	if runAt != nil {
		inst.Trigger.RunAt = *runAt
	}
	return inst, nil
}

func marshalPayload(inst Instance) (args, kwargs, labels []byte, err error) {
	if inst.Args != nil {
		if args, err = json.Marshal(inst.Args); err != nil {
			return nil, nil, nil, fmt.Errorf("scheduler: marshal args: %w", err)
		}
	}
	if inst.Kwargs != nil {
		if kwargs, err = json.Marshal(inst.Kwargs); err != nil {
			return nil, nil, nil, fmt.Errorf("scheduler: marshal kwargs: %w", err)
		}
	}
	if labels, err = json.Marshal(inst.Labels); err != nil {
		return nil, nil, nil, fmt.Errorf("scheduler: marshal labels: %w", err)
	}
	return args, kwargs, labels, nil
}

var _ Store = (*PgStore)(nil)
