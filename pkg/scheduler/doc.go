// Package scheduler turns task configurations into timed broker
// enqueues.
//
// Each registered schedule instance carries either a five-field cron
// expression (evaluated in UTC) or a one-shot timestamp. Instances are
// persisted, so a restarted process picks its schedules back up; fires
// missed while the process was down are coalesced into at most one
// catch-up run when the delay is short, and dropped otherwise.
//
// The scheduler only enqueues. Execution, retries, and result tracking
// stay with the broker and the execution service.
package scheduler
