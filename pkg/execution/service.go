package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/pkg/broker"
)

const selectColumns = `invocation_id, config_id, kind, status, enqueued_at, started_at, finished_at, duration_ms, result, error`

// Service reads and writes invocation lifecycle records. It implements
// the broker's Recorder interface.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates an execution service over the shared pool.
func NewService(pool *pgxpool.Pool) (*Service, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	return &Service{pool: pool}, nil
}

// RecordEnqueued inserts the initial record for a fresh invocation.
// A duplicate insert is a no-op so enqueue retries stay idempotent.
func (s *Service) RecordEnqueued(ctx context.Context, inv broker.EnqueuedInvocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_executions (invocation_id, config_id, kind, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (invocation_id) DO NOTHING
	`, inv.InvocationID, inv.ConfigID, inv.Kind, StatusEnqueued, inv.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("execution: record enqueued: %w", err)
	}
	return nil
}

// MarkRunning moves an invocation to running. A missing record is
// created on the spot because the enqueue record write is best effort.
// A settled record is left untouched.
func (s *Service) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_executions (invocation_id, kind, status, enqueued_at, started_at)
		VALUES ($1, '', $2, $3, $3)
		ON CONFLICT (invocation_id) DO UPDATE
		SET status = EXCLUDED.status, started_at = EXCLUDED.started_at
		WHERE task_executions.status NOT IN ('success', 'failed', 'timeout')
	`, id, StatusRunning, startedAt)
	if err != nil {
		return fmt.Errorf("execution: mark running: %w", err)
	}
	return nil
}

// MarkSucceeded settles an invocation as success. Sticky: a record that
// already settled keeps its original terminal status.
func (s *Service) MarkSucceeded(ctx context.Context, id uuid.UUID, finishedAt time.Time, duration time.Duration, result json.RawMessage) error {
	return s.settle(ctx, id, StatusSuccess, finishedAt, duration, result, "")
}

// MarkFailed settles an invocation as failed.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, finishedAt time.Time, duration time.Duration, errMsg string) error {
	return s.settle(ctx, id, StatusFailed, finishedAt, duration, nil, errMsg)
}

// MarkTimedOut settles an invocation as timed out.
func (s *Service) MarkTimedOut(ctx context.Context, id uuid.UUID, finishedAt time.Time, duration time.Duration) error {
	return s.settle(ctx, id, StatusTimeout, finishedAt, duration, nil, "deadline exceeded")
}

func (s *Service) settle(ctx context.Context, id uuid.UUID, status Status, finishedAt time.Time, duration time.Duration, result json.RawMessage, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = $2, finished_at = $3, duration_ms = $4, result = $5, error = NULLIF($6, '')
		WHERE invocation_id = $1
		  AND status NOT IN ('success', 'failed', 'timeout')
	`, id, status, finishedAt, duration.Milliseconds(), result, errMsg)
	if err != nil {
		return fmt.Errorf("execution: settle %s: %w", status, err)
	}
	return nil
}

// HasTerminal reports whether the invocation already settled.
func (s *Service) HasTerminal(ctx context.Context, id uuid.UUID) (bool, error) {
	var terminal bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_executions
			WHERE invocation_id = $1 AND status IN ('success', 'failed', 'timeout')
		)
	`, id).Scan(&terminal)
	if err != nil {
		return false, fmt.Errorf("execution: terminal check: %w", err)
	}
	return terminal, nil
}

// Get returns one execution record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM task_executions
		WHERE invocation_id = $1
	`, id)

	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Execution{}, fmt.Errorf("execution: get: %w", err)
	}
	return exec, nil
}

// ListRecent returns the newest executions across all configurations.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Execution, error) {
	return s.list(ctx, `
		SELECT `+selectColumns+`
		FROM task_executions
		ORDER BY enqueued_at DESC
		LIMIT $1
	`, normalizeLimit(limit))
}

// ListByConfig returns the newest executions of one task configuration.
func (s *Service) ListByConfig(ctx context.Context, configID int64, limit int) ([]Execution, error) {
	return s.list(ctx, `
		SELECT `+selectColumns+`
		FROM task_executions
		WHERE config_id = $1
		ORDER BY enqueued_at DESC
		LIMIT $2
	`, configID, normalizeLimit(limit))
}

// ListRunning returns invocations currently marked running, oldest
// first so stuck runs surface at the top.
func (s *Service) ListRunning(ctx context.Context) ([]Execution, error) {
	return s.list(ctx, `
		SELECT `+selectColumns+`
		FROM task_executions
		WHERE status = 'running'
		ORDER BY started_at ASC
	`)
}

// ListFailed returns failed and timed-out invocations since the given
// time, newest first.
func (s *Service) ListFailed(ctx context.Context, since time.Time, limit int) ([]Execution, error) {
	return s.list(ctx, `
		SELECT `+selectColumns+`
		FROM task_executions
		WHERE status IN ('failed', 'timeout') AND finished_at >= $1
		ORDER BY finished_at DESC
		LIMIT $2
	`, since, normalizeLimit(limit))
}

// StatsGlobal aggregates counts, success rate, per-kind breakdown, and
// average duration across all configurations.
func (s *Service) StatsGlobal(ctx context.Context) (Stats, error) {
	return s.stats(ctx, "")
}

// StatsByConfig aggregates the same figures for one task configuration.
func (s *Service) StatsByConfig(ctx context.Context, configID int64) (Stats, error) {
	return s.stats(ctx, `WHERE config_id = $1`, configID)
}

// CleanupOlderThan deletes settled records older than the retention
// window. Returns the number of rows removed.
func (s *Service) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM task_executions
		WHERE status IN ('success', 'failed', 'timeout')
		  AND finished_at < $1
	`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("execution: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution: list: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("execution: list scan: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: list rows: %w", err)
	}
	return out, nil
}

func (s *Service) stats(ctx context.Context, where string, args ...any) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'enqueued'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'timeout'),
			COALESCE(AVG(duration_ms), 0)
		FROM task_executions
	`+where, args...).Scan(
		&st.Total, &st.Enqueued, &st.Running, &st.Succeeded, &st.Failed, &st.TimedOut, &st.AvgDurationMS,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("execution: stats: %w", err)
	}
	st.SuccessRate = successRate(st.Succeeded, st.Failed, st.TimedOut)

	rows, err := s.pool.Query(ctx, `
		SELECT
			kind,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'timeout')
		FROM task_executions
	`+where+`
		GROUP BY kind
	`, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("execution: stats by kind: %w", err)
	}
	defer rows.Close()

	st.ByKind = make(map[string]KindStats)
	for rows.Next() {
		var (
			kind string
			ks   KindStats
		)
		if err := rows.Scan(&kind, &ks.Total, &ks.Succeeded, &ks.Failed, &ks.TimedOut); err != nil {
			return Stats{}, fmt.Errorf("execution: stats by kind scan: %w", err)
		}
		st.ByKind[kind] = ks
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("execution: stats by kind rows: %w", err)
	}
	return st, nil
}

func scanExecution(row pgx.Row) (Execution, error) {
	var (
		exec    Execution
		errText *string
	)
	if err := row.Scan(
		&exec.InvocationID, &exec.ConfigID, &exec.Kind, &exec.Status,
		&exec.EnqueuedAt, &exec.StartedAt, &exec.FinishedAt, &exec.DurationMS,
		&exec.Result, &errText,
	); err != nil {
		return Execution{}, err
	}
	if errText != nil {
		exec.Error = *errText
	}
	return exec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
