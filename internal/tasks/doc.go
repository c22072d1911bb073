// Package tasks wires the application's task kinds into the broker
// registry and seeds the default task configurations.
//
// Each kind pairs a descriptor (queue routing, parameter contract) with
// a typed handler. The chat pipeline kinds come from pkg/chat; the
// maintenance and notification kinds live here because they only exist
// as glue between services.
package tasks
