package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoteflow/quoteflow/retry"
)

func fastRetry(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BaseWait:    time.Millisecond,
		MaxWait:     5 * time.Millisecond,
	}
}

func TestNewJob(t *testing.T) {
	job := NewJob("exec-1", "intake")
	require.Equal(t, "exec-1", job.ExecutionID)
	require.Equal(t, "intake", job.Stage)
	require.Equal(t, 1, job.Attempt)
	require.Contains(t, job.Key, "exec-1:intake:")
	require.False(t, job.EnqueuedAt.IsZero())
}

func TestChannelDispatcher_ProcessesJobs(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{Retry: fastRetry(3)})
	defer d.Shutdown(context.Background())

	var processed atomic.Int64
	require.NoError(t, d.Consume("intake", func(ctx context.Context, job Job) error {
		processed.Add(1)
		return nil
	}, 2))

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), NewJob(fmt.Sprintf("exec-%d", i), "intake")))
	}

	require.Eventually(t, func() bool {
		return processed.Load() == 5
	}, 2*time.Second, 10*time.Millisecond)

	counts := d.Counts("intake")
	require.Equal(t, int64(5), counts.Completed)
	require.Zero(t, counts.Failed)
}

func TestChannelDispatcher_RetriesUntilSuccess(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{Retry: fastRetry(3)})
	defer d.Shutdown(context.Background())

	var attempts []int
	var mu sync.Mutex
	require.NoError(t, d.Consume("intake", func(ctx context.Context, job Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		if job.Attempt < 3 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}, 1))

	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-1", "intake")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	counts := d.Counts("intake")
	require.Equal(t, int64(1), counts.Completed)
	require.Zero(t, counts.Failed)
}

func TestChannelDispatcher_ExhaustionInvokesHandler(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{Retry: fastRetry(2)})
	defer d.Shutdown(context.Background())

	exhausted := make(chan Job, 1)
	d.SetExhaustedHandler(func(ctx context.Context, job Job, err error) {
		if err != nil {
			exhausted <- job
		}
	})

	require.NoError(t, d.Consume("intake", func(ctx context.Context, job Job) error {
		return fmt.Errorf("permanent failure")
	}, 1))

	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-1", "intake")))

	select {
	case job := <-exhausted:
		require.Equal(t, "exec-1", job.ExecutionID)
		require.Equal(t, 2, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted handler was not invoked")
	}

	require.Eventually(t, func() bool {
		return d.Counts("intake").Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestChannelDispatcher_StagesAreIndependent(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{Retry: fastRetry(3)})
	defer d.Shutdown(context.Background())

	var intake, pricing atomic.Int64
	require.NoError(t, d.Consume("intake", func(ctx context.Context, job Job) error {
		intake.Add(1)
		return nil
	}, 1))
	require.NoError(t, d.Consume("pricing", func(ctx context.Context, job Job) error {
		pricing.Add(1)
		return nil
	}, 1))

	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-1", "intake")))
	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-1", "pricing")))
	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-2", "pricing")))

	require.Eventually(t, func() bool {
		return intake.Load() == 1 && pricing.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelDispatcher_DuplicateConsumerRejected(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{})
	defer d.Shutdown(context.Background())

	handler := func(ctx context.Context, job Job) error { return nil }
	require.NoError(t, d.Consume("intake", handler, 1))
	require.Error(t, d.Consume("intake", handler, 1))
}

func TestChannelDispatcher_EnqueueValidation(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{})
	defer d.Shutdown(context.Background())

	require.Error(t, d.Enqueue(context.Background(), Job{Stage: "intake"}))
	require.Error(t, d.Enqueue(context.Background(), Job{ExecutionID: "exec-1"}))
}

func TestChannelDispatcher_ShutdownDrainsBufferedJobs(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{Retry: fastRetry(1)})

	var processed atomic.Int64
	block := make(chan struct{})
	require.NoError(t, d.Consume("intake", func(ctx context.Context, job Job) error {
		<-block
		processed.Add(1)
		return nil
	}, 1))

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Enqueue(context.Background(), NewJob(fmt.Sprintf("exec-%d", i), "intake")))
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	require.Equal(t, int64(4), processed.Load())

	// after shutdown the dispatcher refuses new work
	require.ErrorIs(t, d.Health(), ErrShutdown)
	require.ErrorIs(t, d.Enqueue(context.Background(), NewJob("exec-9", "intake")), ErrShutdown)
	require.ErrorIs(t, d.Consume("pricing", func(ctx context.Context, job Job) error { return nil }, 1), ErrShutdown)

	// second shutdown is a no-op
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestChannelDispatcher_CountsTrackQueueDepth(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{BufferSize: 8})
	defer d.Shutdown(context.Background())

	// no consumer yet: jobs sit waiting
	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-1", "intake")))
	require.NoError(t, d.Enqueue(context.Background(), NewJob("exec-2", "intake")))
	require.Equal(t, int64(2), d.Counts("intake").Waiting)

	// unknown stages report zeroes
	require.Equal(t, Counts{}, d.Counts("bogus"))
}

func TestChannelDispatcher_RetainsFinishedJobRecords(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{Retry: fastRetry(1), RetentionLimit: 2})
	defer d.Shutdown(context.Background())

	require.NoError(t, d.Consume("intake", func(ctx context.Context, job Job) error {
		if job.ExecutionID == "exec-bad" {
			return fmt.Errorf("rejected")
		}
		return nil
	}, 1))

	for _, id := range []string{"exec-1", "exec-2", "exec-bad"} {
		require.NoError(t, d.Enqueue(context.Background(), NewJob(id, "intake")))
	}

	require.Eventually(t, func() bool {
		counts := d.Counts("intake")
		return counts.Completed+counts.Failed == 3
	}, 2*time.Second, 10*time.Millisecond)

	// bounded retention: only the newest two records survive
	records := d.Recent("intake")
	require.Len(t, records, 2)
	require.Equal(t, "exec-2", records[0].Job.ExecutionID)
	require.Equal(t, "completed", records[0].Outcome)
	require.Equal(t, "exec-bad", records[1].Job.ExecutionID)
	require.Equal(t, "failed", records[1].Outcome)
	require.Equal(t, "rejected", records[1].Error)

	require.Nil(t, d.Recent("bogus"))
}

func TestChannelDispatcher_HealthWhileRunning(t *testing.T) {
	d := NewChannelDispatcher(ChannelOptions{})
	defer d.Shutdown(context.Background())
	require.NoError(t, d.Health())
}
