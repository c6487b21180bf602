package queue

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-keyq/v1/metrics"
)

// Stage tells where an execution ended.
type Stage string

const (
	// StageTask means the task ran; Err is its result.
	StageTask Stage = "task"
	// StageAcquire means the key's lock or lease could not be obtained.
	StageAcquire Stage = "acquire"
	// StageResolve means no handler is registered for the job's task name.
	StageResolve Stage = "resolve"
	// StageAck means the job ran but could not be acknowledged.
	StageAck Stage = "ack"
	// StageDuplicate means an already processed job was delivered again.
	StageDuplicate Stage = "duplicate"
)

// Outcome describes one execution attempt.
type Outcome struct {
	Key      string
	JobID    string
	Task     string
	Stage    Stage
	Err      error
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the attempt succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Sink receives outcomes. Report is called from drain and consumer
// goroutines and must be safe for concurrent use.
type Sink interface {
	Report(Outcome)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Outcome)

// Report implements Sink.
func (f SinkFunc) Report(o Outcome) { f(o) }

// LogSink writes failed outcomes at warn level and the rest at debug.
func LogSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(o Outcome) {
		ev := logger.Debug()
		if o.Err != nil {
			ev = logger.Warn().Err(o.Err)
		}
		ev = ev.Str("key", o.Key).Str("stage", string(o.Stage)).Dur("duration", o.Duration)
		if o.JobID != "" {
			ev = ev.Str("job", o.JobID)
		}
		if o.Task != "" {
			ev = ev.Str("task", o.Task)
		}
		ev.Msg("task outcome")
	})
}

func report(sink Sink, o Outcome) {
	result := "ok"
	if o.Err != nil {
		result = "error"
	}
	metrics.OutcomeCounter.WithLabelValues(string(o.Stage), result).Inc()
	if sink != nil {
		sink.Report(o)
	}
}
