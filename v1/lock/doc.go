// Package lock provides per-key mutual exclusion with an in-memory FIFO
// implementation and a distributed Redlock implementation. Both satisfy
// Manager so queues can be wired to either one at start-up.
package lock
