// Package taskconfig manages named task configurations.
//
// A configuration binds a task kind to its arguments, routing labels,
// and an optional schedule, under a unique human-readable name. The
// lifecycle is active -> paused -> active, with archived as the terminal
// state.
//
// The service keeps the scheduler consistent with the configuration
// table: activating a scheduled configuration registers a schedule
// instance, pausing stops it, and the reconciler repairs any drift
// between the two on start-up.
package taskconfig
