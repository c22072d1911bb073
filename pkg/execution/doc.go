// Package execution persists the lifecycle of task invocations.
//
// Every invocation the broker enqueues gets one row here, moving through
// enqueued, running, and exactly one terminal status. Terminal statuses
// are sticky: once a row settles as success, failed, or timeout no later
// write changes it, which is what makes broker redeliveries harmless.
//
// The service doubles as the broker's Recorder and as the read model for
// the admin surface (recent runs, failures, per-configuration stats).
package execution
