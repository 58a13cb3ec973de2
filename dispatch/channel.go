package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quoteflow/quoteflow/retry"
	"github.com/quoteflow/quoteflow/slogger"
)

// ErrShutdown is returned by Enqueue and Health after Shutdown begins.
var ErrShutdown = errors.New("dispatcher is shut down")

// DefaultBufferSize is the per-stage queue capacity when none is set.
const DefaultBufferSize = 256

// DefaultRetentionLimit is how many finished job records each stage
// keeps for diagnostics when none is set.
const DefaultRetentionLimit = 64

// JobRecord is a finished job retained for diagnostics.
type JobRecord struct {
	Job        Job       `json:"job"`
	Outcome    string    `json:"outcome"` // "completed" or "failed"
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// ChannelOptions configures a ChannelDispatcher.
type ChannelOptions struct {
	// BufferSize is the per-stage queue capacity.
	BufferSize int

	// RetentionLimit bounds the finished job records kept per stage.
	RetentionLimit int

	// Retry is the backoff schedule applied to failing handlers.
	Retry retry.Policy

	// OnExhausted is invoked when a job fails its final attempt.
	OnExhausted ExhaustedHandler

	Logger slogger.Logger
}

// ChannelDispatcher implements Dispatcher on in-process buffered
// channels, one queue per stage. Retries are re-enqueued after a
// backoff delay; shutdown drains buffered jobs before returning.
type ChannelDispatcher struct {
	options     ChannelOptions
	logger      slogger.Logger
	onExhausted ExhaustedHandler

	mutex  sync.Mutex
	queues map[string]*stageQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type stageQueue struct {
	ch        chan Job
	consuming bool
	waiting   atomic.Int64
	active    atomic.Int64
	delayed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	recordsMu sync.Mutex
	records   []JobRecord
}

// record retains a finished job, oldest evicted first.
func (q *stageQueue) record(limit int, rec JobRecord) {
	q.recordsMu.Lock()
	defer q.recordsMu.Unlock()
	q.records = append(q.records, rec)
	if len(q.records) > limit {
		q.records = q.records[len(q.records)-limit:]
	}
}

var _ Dispatcher = &ChannelDispatcher{}

// NewChannelDispatcher returns a dispatcher backed by in-process
// channels.
func NewChannelDispatcher(options ChannelOptions) *ChannelDispatcher {
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.RetentionLimit <= 0 {
		options.RetentionLimit = DefaultRetentionLimit
	}
	if options.Retry.MaxAttempts <= 0 {
		options.Retry = retry.DefaultPolicy()
	}
	logger := options.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelDispatcher{
		options:     options,
		logger:      logger,
		onExhausted: options.OnExhausted,
		queues:      make(map[string]*stageQueue),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetExhaustedHandler installs the handler invoked when a job uses up
// its retry schedule. Call before Consume.
func (d *ChannelDispatcher) SetExhaustedHandler(h ExhaustedHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onExhausted = h
}

func (d *ChannelDispatcher) getOrCreate(stage string) *stageQueue {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	q, ok := d.queues[stage]
	if !ok {
		q = &stageQueue{ch: make(chan Job, d.options.BufferSize)}
		d.queues[stage] = q
	}
	return q
}

func (d *ChannelDispatcher) Enqueue(ctx context.Context, job Job) error {
	if job.ExecutionID == "" || job.Stage == "" {
		return fmt.Errorf("job requires execution id and stage")
	}
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return ErrShutdown
	}
	d.mutex.Unlock()

	q := d.getOrCreate(job.Stage)
	q.waiting.Add(1)
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		q.waiting.Add(-1)
		return ctx.Err()
	case <-d.ctx.Done():
		q.waiting.Add(-1)
		return ErrShutdown
	}
}

func (d *ChannelDispatcher) Consume(stage string, handler Handler, concurrency int) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	q := d.getOrCreate(stage)

	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return ErrShutdown
	}
	if q.consuming {
		d.mutex.Unlock()
		return fmt.Errorf("stage %q already has a consumer", stage)
	}
	q.consuming = true
	d.mutex.Unlock()

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.work(stage, q, handler)
	}
	return nil
}

func (d *ChannelDispatcher) work(stage string, q *stageQueue, handler Handler) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.drain(stage, q, handler)
			return
		case job := <-q.ch:
			d.process(d.ctx, q, handler, job)
		}
	}
}

// drain processes jobs still buffered after shutdown began. The
// dispatcher context is already cancelled, so handlers run against a
// fresh context bounded by the shutdown deadline.
func (d *ChannelDispatcher) drain(stage string, q *stageQueue, handler Handler) {
	count := 0
	for {
		select {
		case job := <-q.ch:
			d.process(context.Background(), q, handler, job)
			count++
		default:
			if count > 0 {
				d.logger.Info("dispatcher drain complete", "stage", stage, "jobs", count)
			}
			return
		}
	}
}

func (d *ChannelDispatcher) process(ctx context.Context, q *stageQueue, handler Handler, job Job) {
	q.waiting.Add(-1)
	q.active.Add(1)
	err := handler(ctx, job)
	q.active.Add(-1)

	if err == nil {
		q.completed.Add(1)
		q.record(d.options.RetentionLimit, JobRecord{
			Job:        job,
			Outcome:    "completed",
			FinishedAt: time.Now(),
		})
		return
	}

	if d.options.Retry.Exhausted(job.Attempt) {
		q.failed.Add(1)
		q.record(d.options.RetentionLimit, JobRecord{
			Job:        job,
			Outcome:    "failed",
			Error:      err.Error(),
			FinishedAt: time.Now(),
		})
		d.logger.Error("job exhausted retries",
			"execution_id", job.ExecutionID,
			"stage", job.Stage,
			"attempt", job.Attempt,
			"error", err)
		if d.onExhausted != nil {
			d.onExhausted(ctx, job, err)
		}
		return
	}

	wait := d.options.Retry.Wait(job.Attempt)
	d.logger.Warn("job failed, scheduling retry",
		"execution_id", job.ExecutionID,
		"stage", job.Stage,
		"attempt", job.Attempt,
		"wait", wait,
		"error", err)

	next := job
	next.Attempt++
	q.delayed.Add(1)
	time.AfterFunc(wait, func() {
		q.delayed.Add(-1)
		d.requeue(q, next, err)
	})
}

// requeue puts a delayed retry back on its stage queue. If shutdown
// started while the job was waiting, the retry is abandoned and treated
// as exhausted.
func (d *ChannelDispatcher) requeue(q *stageQueue, job Job, cause error) {
	d.mutex.Lock()
	closed := d.closed
	d.mutex.Unlock()
	if closed {
		q.failed.Add(1)
		q.record(d.options.RetentionLimit, JobRecord{
			Job:        job,
			Outcome:    "failed",
			Error:      cause.Error(),
			FinishedAt: time.Now(),
		})
		d.logger.Warn("retry abandoned at shutdown",
			"execution_id", job.ExecutionID,
			"stage", job.Stage,
			"attempt", job.Attempt)
		if d.onExhausted != nil {
			d.onExhausted(context.Background(), job, cause)
		}
		return
	}
	q.waiting.Add(1)
	select {
	case q.ch <- job:
	case <-d.ctx.Done():
		q.waiting.Add(-1)
		q.failed.Add(1)
	}
}

func (d *ChannelDispatcher) Counts(stage string) Counts {
	d.mutex.Lock()
	q, ok := d.queues[stage]
	d.mutex.Unlock()
	if !ok {
		return Counts{}
	}
	return Counts{
		Waiting:   q.waiting.Load(),
		Active:    q.active.Load(),
		Delayed:   q.delayed.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Recent returns the retained finished-job records for a stage, oldest
// first.
func (d *ChannelDispatcher) Recent(stage string) []JobRecord {
	d.mutex.Lock()
	q, ok := d.queues[stage]
	d.mutex.Unlock()
	if !ok {
		return nil
	}
	q.recordsMu.Lock()
	defer q.recordsMu.Unlock()
	out := make([]JobRecord, len(q.records))
	copy(out, q.records)
	return out
}

func (d *ChannelDispatcher) Health() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return ErrShutdown
	}
	return nil
}

// Shutdown stops intake, signals workers to drain their queues, and
// waits for them until the context expires.
func (d *ChannelDispatcher) Shutdown(ctx context.Context) error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.closed = true
	d.mutex.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown timed out: %w", ctx.Err())
	}
}
