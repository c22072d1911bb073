package taskconfig

import "errors"

var (
	// ErrNotFound is returned when no configuration matches.
	ErrNotFound = errors.New("taskconfig: not found")

	// ErrNameTaken is returned when a configuration name already exists.
	ErrNameTaken = errors.New("taskconfig: name already taken")

	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("taskconfig: invalid configuration")

	// ErrInvalidTransition is returned on a disallowed status change,
	// including any change away from archived.
	ErrInvalidTransition = errors.New("taskconfig: invalid status transition")

	// ErrArchived is returned when operating on an archived configuration.
	ErrArchived = errors.New("taskconfig: configuration is archived")
)
