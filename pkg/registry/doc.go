// Package registry is the static catalog of task kinds.
//
// Each kind maps to exactly one executor, one logical queue, and a
// parameter descriptor. The catalog is populated once at start-up by
// explicit Register calls and is read-only afterwards: registering the
// same kind twice is an error, and lookups never mutate state. The
// scheduler validates configuration parameters against descriptors before
// accepting a schedule, and the broker resolves queue routing through the
// catalog at enqueue time.
package registry
