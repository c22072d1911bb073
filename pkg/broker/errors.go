package broker

import "errors"

var (
	// ErrPoolRequired is returned when a manager is created without a
	// database pool.
	ErrPoolRequired = errors.New("broker: pool is required")

	// ErrRegistryRequired is returned when a manager is created without a
	// task registry.
	ErrRegistryRequired = errors.New("broker: registry is required")

	// ErrUnknownKind is returned when enqueueing a kind the registry does
	// not know.
	ErrUnknownKind = errors.New("broker: unknown task kind")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("broker: already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("broker: not started")

	// ErrInvalidPayload is returned when an invocation payload cannot be
	// unmarshaled into the executor's parameter type.
	ErrInvalidPayload = errors.New("broker: invalid payload")

	// ErrHealthcheckFailed is returned when the broker health check fails.
	ErrHealthcheckFailed = errors.New("broker: healthcheck failed")
)
