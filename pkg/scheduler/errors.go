package scheduler

import "errors"

var (
	// ErrStoreRequired is returned when the service is created without a
	// persistence store.
	ErrStoreRequired = errors.New("scheduler: store is required")

	// ErrEnqueuerRequired is returned when the service is created without
	// a broker enqueuer.
	ErrEnqueuerRequired = errors.New("scheduler: enqueuer is required")

	// ErrInvalidTrigger is returned when a trigger has neither a cron
	// expression nor a future one-shot time, or has both.
	ErrInvalidTrigger = errors.New("scheduler: invalid trigger")

	// ErrInvalidCronExpr is returned when a cron expression does not parse
	// as five fields.
	ErrInvalidCronExpr = errors.New("scheduler: invalid cron expression")

	// ErrNotFound is returned when no schedule instance exists for the id.
	ErrNotFound = errors.New("scheduler: schedule not found")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("scheduler: already started")
)
