package registry

import "errors"

var (
	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("registry: kind already registered")

	// ErrUnknownKind is returned when a lookup names an unregistered kind.
	ErrUnknownKind = errors.New("registry: unknown kind")

	// ErrInvalidDescriptor is returned when a registration is missing its
	// kind, queue, or executor.
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")

	// ErrMissingParam is returned when a required parameter is absent.
	ErrMissingParam = errors.New("registry: missing required parameter")
)
