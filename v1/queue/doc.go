// Package queue serializes asynchronous work per resource key.
//
// Tasks that share a key never run concurrently; tasks for different keys
// never wait on each other. Local drains per-key backlogs inside the process
// in batches guarded by a lock.Manager. Distributed persists every submission
// to a joblog.Log and Worker consumes it under a distributed lease.
//
// Errors returned by tasks never reach the caller of Enqueue. Every execution
// produces an Outcome that is routed to a Sink instead.
package queue
