package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Param describes one accepted parameter of a task kind.
type Param struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Descriptor is the public metadata of a task kind: its queue routing and
// the parameters its executor accepts.
type Descriptor struct {
	Kind   string  `json:"kind"`
	Queue  string  `json:"queue"`
	Params []Param `json:"params,omitempty"`
}

// Executor is the type-erased handler invoked by the broker worker.
// The payload is the invocation's kwargs as raw JSON. The returned raw
// JSON, if any, becomes the invocation's stored result.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

type entry struct {
	desc Descriptor
	exec Executor
}

// Registry holds the immutable kind catalog. The mutex only guards the
// start-up registration window; steady-state access is read-only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a task kind. Registering a kind twice fails so wiring
// mistakes surface at start-up instead of silently shadowing a handler.
func (r *Registry) Register(desc Descriptor, exec Executor) error {
	if desc.Kind == "" || desc.Queue == "" || exec == nil {
		return ErrInvalidDescriptor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[desc.Kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, desc.Kind)
	}
	r.entries[desc.Kind] = &entry{desc: desc, exec: exec}
	return nil
}

// Executor returns the handler for a kind.
func (r *Registry) Executor(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return nil, false
	}
	return e.exec, true
}

// Descriptor returns the metadata for a kind.
func (r *Registry) Descriptor(kind string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Queue returns the logical queue a kind is routed to.
func (r *Registry) Queue(kind string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return e.desc.Queue, nil
}

// Queues returns the sorted set of distinct queue names.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.entries))
	queues := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if _, ok := seen[e.desc.Queue]; !ok {
			seen[e.desc.Queue] = struct{}{}
			queues = append(queues, e.desc.Queue)
		}
	}
	slices.Sort(queues)
	return queues
}

// Kinds returns all descriptors sorted by kind, for operational surfaces.
func (r *Registry) Kinds() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		kinds = append(kinds, e.desc)
	}
	slices.SortFunc(kinds, func(a, b Descriptor) int {
		switch {
		case a.Kind < b.Kind:
			return -1
		case a.Kind > b.Kind:
			return 1
		default:
			return 0
		}
	})
	return kinds
}

// Validate checks params against the kind's descriptor: required fields
// must be present and non-nil, and declared defaults fill absent optional
// fields. The returned map is a copy; the input is never mutated.
func (r *Registry) Validate(kind string, params map[string]any) (map[string]any, error) {
	desc, ok := r.Descriptor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}

	for _, p := range desc.Params {
		if v, ok := merged[p.Name]; ok && v != nil {
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingParam, kind, p.Name)
		}
		if p.Default != nil {
			merged[p.Name] = p.Default
		}
	}

	return merged, nil
}
