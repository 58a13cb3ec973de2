// Package dispatch decouples stage transitions from stage processing.
// The engine enqueues one job per stage transition; consumers pull jobs
// per stage, with bounded retries and exponential backoff applied to
// handler failures.
package dispatch

import (
	"context"
	"fmt"
	"time"
)

// Job is one unit of stage work: run the named stage for the named
// execution. Attempt is 1-based and incremented on each retry.
type Job struct {
	// Key identifies the enqueue operation, not the execution. Two
	// enqueues of the same execution and stage produce distinct keys.
	Key string `json:"key"`

	ExecutionID string    `json:"execution_id"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewJob returns a first-attempt job for the given execution and stage.
func NewJob(executionID, stage string) Job {
	return Job{
		Key:         fmt.Sprintf("%s:%s:%d", executionID, stage, time.Now().UnixNano()),
		ExecutionID: executionID,
		Stage:       stage,
		Attempt:     1,
		EnqueuedAt:  time.Now(),
	}
}

// Handler processes one job. A nil return acknowledges the job; an
// error return triggers the retry schedule.
type Handler func(ctx context.Context, job Job) error

// ExhaustedHandler is invoked once when a job fails its final attempt.
type ExhaustedHandler func(ctx context.Context, job Job, err error)

// Counts reports a stage queue's occupancy and outcome totals. Waiting,
// Active and Delayed are point-in-time gauges; Completed and Failed are
// cumulative.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Dispatcher is the queueing contract between the engine's public
// operations and its stage workers.
type Dispatcher interface {
	// Enqueue submits a job to its stage's queue.
	Enqueue(ctx context.Context, job Job) error

	// Consume starts the given number of workers pulling jobs for one
	// stage. It must be called at most once per stage, before Shutdown.
	Consume(stage string, handler Handler, concurrency int) error

	// Counts returns the named stage queue's counters.
	Counts(stage string) Counts

	// Health reports whether the dispatcher is accepting jobs.
	Health() error

	// Shutdown stops intake, drains buffered jobs, and waits for
	// in-flight work until the context expires.
	Shutdown(ctx context.Context) error
}
