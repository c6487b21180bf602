// Package joblog persists jobs for the distributed queue. Logs deliver
// at-least-once: a job stays in the log until a consumer acknowledges it, and
// deliveries abandoned by a crashed consumer can be reclaimed by another one.
package joblog
