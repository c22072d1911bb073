package ragline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ragline/ragline/internal/migrations"
	"github.com/ragline/ragline/internal/tasks"
	"github.com/ragline/ragline/pkg/broker"
	"github.com/ragline/ragline/pkg/chat"
	"github.com/ragline/ragline/pkg/db"
	"github.com/ragline/ragline/pkg/execution"
	"github.com/ragline/ragline/pkg/llm"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/mailer"
	"github.com/ragline/ragline/pkg/mailer/resend"
	"github.com/ragline/ragline/pkg/redis"
	"github.com/ragline/ragline/pkg/registry"
	"github.com/ragline/ragline/pkg/scheduler"
	"github.com/ragline/ragline/pkg/settings"
	"github.com/ragline/ragline/pkg/sse"
	"github.com/ragline/ragline/pkg/taskconfig"
)

// App is the assembled application. Build one with New, then call Run.
type App struct {
	cfg    Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	rdb   goredis.UniversalClient
	store *chat.PgStore

	registry   *registry.Registry
	broker     *broker.Manager
	scheduler  *scheduler.Service
	executions *execution.Service
	configs    *taskconfig.Service
	settings   *settings.Service
	sse        *sse.Handler

	shutdownHooks []func(context.Context) error
}

// New creates an App from the configuration. No connections are opened
// until Run.
func New(cfg Config) *App {
	return &App{
		cfg: cfg,
		logger: logger.NewWithSentry(cfg.Sentry,
			logger.InvocationID,
			logger.ConversationID,
			logger.RequestID,
		),
	}
}

// deferredEnqueuer breaks the wiring cycle between the chat handler
// and the broker: the handler is registered before the broker manager
// exists, so enqueue calls are forwarded through this indirection.
type deferredEnqueuer struct {
	m *broker.Manager
}

func (d *deferredEnqueuer) Enqueue(ctx context.Context, kind string, args []any, kwargs map[string]any, labels broker.Labels) (uuid.UUID, error) {
	if d.m == nil {
		return uuid.Nil, broker.ErrNotStarted
	}
	return d.m.Enqueue(ctx, kind, args, kwargs, labels)
}

// init opens connections, runs migrations, and wires every service.
func (a *App) init(ctx context.Context) error {
	pool, err := db.Connect(ctx, a.cfg.DB)
	if err != nil {
		return fmt.Errorf("ragline: connect database: %w", err)
	}
	a.pool = pool
	a.shutdownHooks = append(a.shutdownHooks, db.Shutdown(pool))

	if err := db.Migrate(ctx, pool, migrations.FS, a.cfg.DB.MigrationsTable, a.logger); err != nil {
		return fmt.Errorf("ragline: migrate: %w", err)
	}

	rdb, err := redis.Open(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("ragline: connect redis: %w", err)
	}
	a.rdb = rdb
	a.shutdownHooks = append(a.shutdownHooks, func(context.Context) error { return rdb.Close() })

	a.executions, err = execution.NewService(pool)
	if err != nil {
		return fmt.Errorf("ragline: execution service: %w", err)
	}

	a.settings, err = settings.NewService(pool)
	if err != nil {
		return fmt.Errorf("ragline: settings service: %w", err)
	}

	llmClient, err := llm.NewClient(a.cfg.LLM, llm.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("ragline: llm client: %w", err)
	}

	a.store = chat.NewPgStore(pool)
	publisher := chat.NewRedisPublisher(rdb)
	router := chat.NewLLMRouter(llmClient, settings.Defaults().RouterModel, a.logger)
	retriever := chat.NewHTTPRetriever(a.cfg.Retriever)

	enqueuer := &deferredEnqueuer{}
	chatHandler := chat.NewHandler(a.store, publisher, router, retriever, llmClient, a.settings, enqueuer,
		chat.WithHandlerLogger(a.logger),
	)
	metadataHandler := chat.NewMetadataHandler(a.store, llmClient, a.settings, a.logger)

	var m *mailer.Mailer
	if a.cfg.Resend.APIKey != "" {
		m = mailer.New(resend.New(a.cfg.Resend))
	}

	a.registry = registry.New()
	if err := tasks.RegisterAll(a.registry, tasks.Deps{
		Chat:           chatHandler,
		Metadata:       metadataHandler,
		Executions:     a.executions,
		Mailer:         m,
		AlertRecipient: a.cfg.AlertRecipient,
		Logger:         a.logger,
	}); err != nil {
		return err
	}

	a.broker, err = broker.NewManager(pool, a.registry,
		broker.WithLogger(a.logger),
		broker.WithRecorder(a.executions),
		broker.WithResultStore(broker.NewResultStore(rdb, a.cfg.ResultTTL)),
	)
	if err != nil {
		return fmt.Errorf("ragline: broker: %w", err)
	}
	enqueuer.m = a.broker

	a.scheduler, err = scheduler.NewService(scheduler.NewPgStore(pool), a.broker,
		scheduler.WithRegistry(a.registry),
		scheduler.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("ragline: scheduler: %w", err)
	}

	a.configs = taskconfig.NewService(taskconfig.NewPgStore(pool), a.scheduler, a.broker,
		taskconfig.WithLogger(a.logger),
	)

	a.sse = sse.NewHandler(sse.NewRedisBus(rdb), a.store, sse.WithLogger(a.logger))
	return nil
}

// start brings the background machinery up and seeds configuration.
func (a *App) start(ctx context.Context) error {
	if err := a.broker.Start(ctx); err != nil {
		return fmt.Errorf("ragline: start broker: %w", err)
	}
	a.shutdownHooks = append(a.shutdownHooks, a.broker.Shutdown())

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("ragline: start scheduler: %w", err)
	}

	if a.cfg.TaskSeedFile != "" {
		data, err := os.ReadFile(a.cfg.TaskSeedFile)
		if err != nil {
			return fmt.Errorf("ragline: read seed file: %w", err)
		}
		if err := tasks.Seed(ctx, a.configs, data, a.logger); err != nil {
			return err
		}
	}

	// Repair scheduler state that drifted while the process was down.
	if err := a.configs.Reconcile(ctx); err != nil {
		a.logger.ErrorContext(ctx, "reconcile task configurations", slog.Any("error", err))
	}
	return nil
}
