package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ragline/ragline/pkg/registry"
)

// config holds manager configuration assembled from options.
type config struct {
	registry   *registry.Registry
	recorder   Recorder
	results    *ResultStore
	logger     *slog.Logger
	queues     map[string]int
	maxWorkers int
	regErr     error
}

// Option configures the broker manager.
type Option func(*config)

// WithLogger sets the manager logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQueue sets the worker-pool size for a named queue. Queues known to
// the registry but not configured here run with the default worker count.
func WithQueue(name string, workers int) Option {
	return func(c *config) {
		if name != "" && workers > 0 {
			c.queues[name] = workers
		}
	}
}

// WithMaxWorkers sets the default per-queue worker count. Default: 10.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// WithRecorder attaches the execution recorder that observes every
// invocation's lifecycle.
func WithRecorder(r Recorder) Option {
	return func(c *config) {
		c.recorder = r
	}
}

// WithResultStore attaches the terminal result store.
func WithResultStore(rs *ResultStore) Option {
	return func(c *config) {
		c.results = rs
	}
}

// Task is the structural shape of a typed task handler.
type Task[P any] interface {
	Name() string
	Queue() string
	Handle(ctx context.Context, payload P) error
}

// paramsProvider is implemented by tasks that declare a parameter
// descriptor for registry validation.
type paramsProvider interface {
	Params() []registry.Param
}

// WithTask registers a typed task handler in the registry. The payload
// type is inferred from the Handle signature; a Params method on the task,
// when present, becomes the kind's parameter descriptor.
func WithTask[P any, T Task[P]](task T) Option {
	return func(c *config) {
		desc := registry.Descriptor{Kind: task.Name(), Queue: task.Queue()}
		if pp, ok := any(task).(paramsProvider); ok {
			desc.Params = pp.Params()
		}
		if err := c.registry.Register(desc, &taskWrapper[P, T]{task: task}); err != nil {
			c.regErr = errors.Join(c.regErr, err)
		}
	}
}

// taskWrapper adapts a typed task to the registry's type-erased executor.
type taskWrapper[P any, T Task[P]] struct {
	task T
}

func (w *taskWrapper[P, T]) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var payload P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
	}
	return nil, w.task.Handle(ctx, payload)
}

// ResultTask is the structural shape of a task whose handler produces a
// result payload for the result store.
type ResultTask[P any, R any] interface {
	Name() string
	Queue() string
	Handle(ctx context.Context, payload P) (R, error)
}

// WithResultTask registers a typed task whose result is serialized and
// stored alongside the terminal execution record.
func WithResultTask[P any, R any, T ResultTask[P, R]](task T) Option {
	return func(c *config) {
		desc := registry.Descriptor{Kind: task.Name(), Queue: task.Queue()}
		if pp, ok := any(task).(paramsProvider); ok {
			desc.Params = pp.Params()
		}
		if err := c.registry.Register(desc, &resultTaskWrapper[P, R, T]{task: task}); err != nil {
			c.regErr = errors.Join(c.regErr, err)
		}
	}
}

type resultTaskWrapper[P any, R any, T ResultTask[P, R]] struct {
	task T
}

func (w *resultTaskWrapper[P, R, T]) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var payload P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
	}

	result, err := w.task.Handle(ctx, payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return data, nil
}
