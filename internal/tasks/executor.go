package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ragline/ragline/pkg/registry"
)

// ExecutorFunc adapts a plain function to registry.Executor.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// typed decodes the invocation kwargs into T before calling the
// handler. A payload that does not decode is a permanent failure, not
// something a retry can fix, but that decision belongs to the broker.
func typed[T any](handle func(ctx context.Context, payload T) error) registry.Executor {
	return ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("tasks: decode payload: %w", err)
			}
		}
		return nil, handle(ctx, p)
	})
}

// typedResult is typed for handlers that produce a stored result.
func typedResult[T any](handle func(ctx context.Context, payload T) (json.RawMessage, error)) registry.Executor {
	return ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("tasks: decode payload: %w", err)
			}
		}
		return handle(ctx, p)
	})
}
