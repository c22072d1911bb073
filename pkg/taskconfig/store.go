package taskconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const configColumns = `id, name, kind, args, kwargs, labels, cron_expr, run_at, status, created_at, updated_at`

// Store persists task configurations.
type Store interface {
	Create(ctx context.Context, cfg Config) (Config, error)
	GetByID(ctx context.Context, id int64) (Config, error)
	GetByName(ctx context.Context, name string) (Config, error)
	List(ctx context.Context, status Status) ([]Config, error)
	Update(ctx context.Context, cfg Config) (Config, error)
	SetStatus(ctx context.Context, id int64, status Status) error
}

// PgStore keeps configurations in the task_configs table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates the Postgres-backed configuration store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, cfg Config) (Config, error) {
	args, kwargs, labels, err := marshalConfig(cfg)
	if err != nil {
		return Config{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO task_configs (name, kind, args, kwargs, labels, cron_expr, run_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+configColumns+`
	`, cfg.Name, cfg.Kind, args, kwargs, labels, nullCron(cfg), nullRunAt(cfg), cfg.Status)

	created, err := scanConfig(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrNameTaken, cfg.Name)
		}
		return Config{}, fmt.Errorf("taskconfig: create: %w", err)
	}
	return created, nil
}

func (s *PgStore) GetByID(ctx context.Context, id int64) (Config, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM task_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Config{}, fmt.Errorf("taskconfig: get: %w", err)
	}
	return cfg, nil
}

func (s *PgStore) GetByName(ctx context.Context, name string) (Config, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM task_configs WHERE name = $1`, name)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Config{}, fmt.Errorf("taskconfig: get by name: %w", err)
	}
	return cfg, nil
}

// List returns configurations, newest first. An empty status returns
// everything except archived.
func (s *PgStore) List(ctx context.Context, status Status) ([]Config, error) {
	query := `SELECT ` + configColumns + ` FROM task_configs WHERE status != 'archived' ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + configColumns + ` FROM task_configs WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, status)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskconfig: list: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("taskconfig: list scan: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskconfig: list rows: %w", err)
	}
	return out, nil
}

// Update rewrites the mutable fields of a configuration. Status is not
// touched here; SetStatus owns lifecycle changes.
func (s *PgStore) Update(ctx context.Context, cfg Config) (Config, error) {
	args, kwargs, labels, err := marshalConfig(cfg)
	if err != nil {
		return Config{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE task_configs
		SET name = $2, kind = $3, args = $4, kwargs = $5, labels = $6,
		    cron_expr = $7, run_at = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+configColumns+`
	`, cfg.ID, cfg.Name, cfg.Kind, args, kwargs, labels, nullCron(cfg), nullRunAt(cfg))

	updated, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, fmt.Errorf("%w: id %d", ErrNotFound, cfg.ID)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrNameTaken, cfg.Name)
		}
		return Config{}, fmt.Errorf("taskconfig: update: %w", err)
	}
	return updated, nil
}

func (s *PgStore) SetStatus(ctx context.Context, id int64, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_configs SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("taskconfig: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var (
		cfg                Config
		argsRaw, kwargsRaw []byte
		labelsRaw          []byte
		cronExpr           *string
		runAt              *time.Time
	)
	if err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Kind, &argsRaw, &kwargsRaw, &labelsRaw,
		&cronExpr, &runAt, &cfg.Status, &cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return Config{}, err
	}

	if len(argsRaw) > 0 {
		if err := json.Unmarshal(argsRaw, &cfg.Args); err != nil {
			return Config{}, err
		}
	}
	if len(kwargsRaw) > 0 {
		if err := json.Unmarshal(kwargsRaw, &cfg.Kwargs); err != nil {
			return Config{}, err
		}
	}
	if len(labelsRaw) > 0 {
		if err := json.Unmarshal(labelsRaw, &cfg.Labels); err != nil {
			return Config{}, err
		}
	}
	if cronExpr != nil {
		cfg.Schedule.CronExpr = *cronExpr
	}
	if runAt != nil {
		cfg.Schedule.RunAt = *runAt
	}
	return cfg, nil
}

func marshalConfig(cfg Config) (args, kwargs, labels []byte, err error) {
	if cfg.Args != nil {
		if args, err = json.Marshal(cfg.Args); err != nil {
			return nil, nil, nil, fmt.Errorf("taskconfig: marshal args: %w", err)
		}
	}
	if cfg.Kwargs != nil {
		if kwargs, err = json.Marshal(cfg.Kwargs); err != nil {
			return nil, nil, nil, fmt.Errorf("taskconfig: marshal kwargs: %w", err)
		}
	}
	if labels, err = json.Marshal(cfg.Labels); err != nil {
		return nil, nil, nil, fmt.Errorf("taskconfig: marshal labels: %w", err)
	}
	return args, kwargs, labels, nil
}

func nullCron(cfg Config) *string {
	if cfg.Schedule.CronExpr == "" {
		return nil
	}
	return &cfg.Schedule.CronExpr
}

func nullRunAt(cfg Config) *time.Time {
	if cfg.Schedule.RunAt.IsZero() {
		return nil
	}
	t := cfg.Schedule.RunAt.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PgStore)(nil)
