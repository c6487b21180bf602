package joblog

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by a log after Close.
var ErrClosed = errors.New("keyq: job log closed")

// Job is one persisted enqueue call.
type Job struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Task       string    `json:"task"`
	Payload    []byte    `json:"payload,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a job handed to a consumer and not yet acknowledged.
type Delivery struct {
	Job
	// Receipt identifies this delivery inside the log.
	Receipt  string
	Consumer string
}

// Log is a durable, at-least-once job log.
type Log interface {
	// Append persists a job and returns once it is durable.
	Append(ctx context.Context, job Job) error
	// Next blocks until a job is available for consumer or ctx ends.
	Next(ctx context.Context, consumer string) (Delivery, error)
	// Ack removes a delivered job from the log.
	Ack(ctx context.Context, d Delivery) error
	// Reclaim hands deliveries idle for at least minIdle to consumer.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]Delivery, error)
	Close() error
}

func encode(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func decode(data []byte) (Job, error) {
	var job Job
	err := json.Unmarshal(data, &job)
	return job, err
}
