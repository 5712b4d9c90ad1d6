package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRetriesTransientFailures(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("flaky")
		}
		close(done)
		return nil
	}, QueueConfig{MaxRetries: 3, RetryDelay: time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "a"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueueDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int32
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("infeasible"))
	}, QueueConfig{MaxRetries: 5, RetryDelay: time.Millisecond})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{ID: "a"}))
	time.Sleep(50 * time.Millisecond)
	q.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.Nil(t, Permanent(nil))
}

func TestQueueCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return Permanent(ctx.Err())
	}, QueueConfig{})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "long"}))
	<-started
	assert.True(t, q.Cancel("long"))
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cancelled")
	}
}

func TestQueueSkipsJobCancelledWhilePending(t *testing.T) {
	release := make(chan struct{})
	var ran []string
	seen := make(chan string, 4)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if job.ID == "blocker" {
			<-release
		}
		seen <- job.ID
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 4})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "blocker"}))
	require.NoError(t, q.Enqueue(Job{ID: "dropped"}))
	require.NoError(t, q.Enqueue(Job{ID: "kept"}))
	assert.False(t, q.Cancel("dropped"))
	close(release)

	for len(ran) < 2 {
		select {
		case id := <-seen:
			ran = append(ran, id)
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not run")
		}
	}
	assert.Equal(t, []string{"blocker", "kept"}, ran)
}

func TestTryEnqueueReportsFullBuffer(t *testing.T) {
	q := NewQueue("test", func(ctx context.Context, job Job) error { return nil }, QueueConfig{BufferSize: 1})
	assert.Error(t, q.TryEnqueue(Job{ID: "x"}), "not started")

	q.jobs <- Job{ID: "filler"}
	q.mu.Lock()
	q.started = true
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Unlock()
	defer q.cancel()

	err := q.TryEnqueue(Job{ID: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, q.Pending())
}
