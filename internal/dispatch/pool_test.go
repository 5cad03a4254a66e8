package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolRunsJobs(t *testing.T) {
	var mu sync.Mutex
	var got []Kind
	done := make(chan struct{}, 3)

	p := NewPool(2, 16, func(_ context.Context, job Job) error {
		mu.Lock()
		got = append(got, job.Kind)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, zaptest.NewLogger(t))
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Dispatch(ctx, Job{Kind: KindChunk}, 0))
	require.NoError(t, p.Dispatch(ctx, Job{Kind: KindChunk}, 0))
	require.NoError(t, p.Dispatch(ctx, Job{Kind: KindEnrichBacklink}, 0))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 3)
}

func TestPoolDelayedDispatch(t *testing.T) {
	ran := make(chan time.Time, 1)
	p := NewPool(1, 4, func(context.Context, Job) error {
		ran <- time.Now()
		return nil
	}, zaptest.NewLogger(t))
	defer p.Close()

	start := time.Now()
	require.NoError(t, p.Dispatch(context.Background(), Job{Kind: KindChunk}, 50*time.Millisecond))

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestPoolCloseDrainsQueuedWork(t *testing.T) {
	var mu sync.Mutex
	var count int

	p := NewPool(1, 16, func(context.Context, Job) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Dispatch(context.Background(), Job{Kind: KindChunk}, 0))
	}
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count, "queued jobs must be drained on close")
}

func TestPoolCloseRunsLateEnqueuedJob(t *testing.T) {
	var mu sync.Mutex
	var count int

	p := NewPool(1, 4, func(context.Context, Job) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))

	// Stop the workers, then land a job in the queue the way a delayed
	// dispatch racing shutdown would. Close must still run it.
	p.closeOnce.Do(func() { close(p.stopCh) })
	p.workerWg.Wait()
	p.queue <- Job{Kind: KindChunk}
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "a job enqueued during shutdown must not be stranded")
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := NewPool(1, 4, func(context.Context, Job) error { return nil }, zaptest.NewLogger(t))
	p.Close()
	assert.Error(t, p.Dispatch(context.Background(), Job{Kind: KindChunk}, 0))
}
