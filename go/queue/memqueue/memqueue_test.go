package memqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascade-eng/cascade/go/queue"
)

func TestRun_DeliversEveryEnqueuedJob(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, queue.NewRecalcJob("task", "token")))
	}

	var mtx sync.Mutex
	seen := 0
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, 4, func(ctx context.Context, job *queue.RecalcJob) error {
			mtx.Lock()
			seen++
			if seen == n {
				close(done)
			}
			mtx.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const limit = 3
	var inFlight, maxInFlight int64
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, queue.NewRecalcJob("task", "token")))
	}

	go func() {
		_ = q.Run(ctx, limit, func(ctx context.Context, job *queue.RecalcJob) error {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
					break
				}
			}
			<-release
			atomic.AddInt64(&inFlight, -1)
			wg.Done()
			return nil
		})
	}()

	// Let the pool saturate, then release everything.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(limit))
}

func TestRun_StopsWhenContextCancelled(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error)
	go func() {
		errc <- q.Run(ctx, 2, func(ctx context.Context, job *queue.RecalcJob) error {
			return nil
		})
	}()

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDepth_CountsWaitingJobs(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.NewRecalcJob("a", "t1")))
	require.NoError(t, q.Enqueue(ctx, queue.NewRecalcJob("b", "t2")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}
