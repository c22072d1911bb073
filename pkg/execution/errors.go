package execution

import "errors"

var (
	// ErrNotFound is returned when no execution record exists for the
	// requested invocation.
	ErrNotFound = errors.New("execution: not found")

	// ErrPoolRequired is returned when the service is created without a
	// database pool.
	ErrPoolRequired = errors.New("execution: pool is required")
)
