package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/ragline/ragline/pkg/registry"
)

// taskWorker executes every invocation regardless of kind; dispatch
// happens through the registry. One worker type keeps the queue topology
// flat while the kind set stays dynamic.
type taskWorker struct {
	river.WorkerDefaults[taskArgs]

	registry *registry.Registry
	recorder Recorder
	results  *ResultStore
	logger   *slog.Logger
}

func (w *taskWorker) Work(ctx context.Context, job *river.Job[taskArgs]) (err error) {
	args := job.Args
	id, parseErr := uuid.Parse(args.InvocationID)
	if parseErr != nil {
		// Unparseable ids never become valid; retrying is pointless.
		w.logger.ErrorContext(ctx, "invalid invocation id",
			slog.String("invocation_id", args.InvocationID),
			slog.String("kind", args.TaskKind),
		)
		return river.JobCancel(fmt.Errorf("broker: invalid invocation id: %w", parseErr))
	}

	log := w.logger.With(
		slog.String("invocation_id", id.String()),
		slog.String("kind", args.TaskKind),
		slog.Int("attempt", job.Attempt),
	)

	// Redelivery guard: once an invocation reached a terminal status any
	// later delivery of the same envelope is a no-op.
	if w.recorder != nil {
		terminal, terr := w.recorder.HasTerminal(ctx, id)
		if terr != nil {
			return fmt.Errorf("broker: terminal check: %w", terr)
		}
		if terminal {
			log.InfoContext(ctx, "skipping settled invocation")
			return nil
		}
	}

	executor, ok := w.registry.Executor(args.TaskKind)
	if !ok {
		log.ErrorContext(ctx, "unknown task kind")
		return river.JobCancel(fmt.Errorf("%w: %s", ErrUnknownKind, args.TaskKind))
	}

	startedAt := time.Now().UTC()
	if w.recorder != nil {
		if rerr := w.recorder.MarkRunning(ctx, id, startedAt); rerr != nil {
			log.WarnContext(ctx, "mark running failed", slog.Any("error", rerr))
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if args.Labels.TimeoutSeconds > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(args.Labels.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, execErr := w.execute(execCtx, executor, args.Kwargs)
	finishedAt := time.Now().UTC()
	duration := finishedAt.Sub(startedAt)

	switch {
	case execErr == nil:
		w.settle(ctx, log, id, Result{
			Status:     StatusSuccess,
			Result:     result,
			FinishedAt: finishedAt,
		}, func(rctx context.Context) error {
			return w.recorder.MarkSucceeded(rctx, id, finishedAt, duration, result)
		})
		log.InfoContext(ctx, "invocation succeeded", slog.Duration("duration", duration))
		return nil

	case errors.Is(execErr, context.DeadlineExceeded) && execCtx.Err() != nil && ctx.Err() == nil:
		// The per-invocation deadline fired, not a shutdown. Timeouts are
		// terminal immediately: the handler may have partially run and a
		// retry would not make that observable state any cleaner.
		w.settle(ctx, log, id, Result{
			Status:     StatusTimeout,
			Error:      fmt.Sprintf("timed out after %ds", args.Labels.TimeoutSeconds),
			FinishedAt: finishedAt,
		}, func(rctx context.Context) error {
			return w.recorder.MarkTimedOut(rctx, id, finishedAt, duration)
		})
		log.WarnContext(ctx, "invocation timed out", slog.Duration("duration", duration))
		return river.JobCancel(fmt.Errorf("broker: invocation timed out: %w", execErr))

	default:
		final := job.Attempt >= job.MaxAttempts
		if final {
			w.settle(ctx, log, id, Result{
				Status:     StatusFailed,
				Error:      execErr.Error(),
				FinishedAt: finishedAt,
			}, func(rctx context.Context) error {
				return w.recorder.MarkFailed(rctx, id, finishedAt, duration, execErr.Error())
			})
		}
		log.ErrorContext(ctx, "invocation failed",
			slog.Duration("duration", duration),
			slog.Bool("final", final),
			slog.Any("error", execErr),
		)
		return execErr
	}
}

// execute runs the handler with panic recovery. A panicking handler
// settles as a failure like any other error.
func (w *taskWorker) execute(ctx context.Context, executor registry.Executor, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: handler panic: %v", r)
		}
	}()
	return executor.Execute(ctx, payload)
}

// settle writes the terminal record and the result-store entry. Both are
// best effort here: the redelivery guard in Work makes a re-settle after
// a partial write harmless.
func (w *taskWorker) settle(ctx context.Context, log *slog.Logger, id uuid.UUID, res Result, record func(context.Context) error) {
	if w.recorder != nil {
		if err := record(ctx); err != nil {
			log.WarnContext(ctx, "record terminal status failed", slog.Any("error", err))
		}
	}
	if w.results != nil {
		if err := w.results.Store(ctx, id, res); err != nil {
			log.WarnContext(ctx, "store result failed", slog.Any("error", err))
		}
	}
}
