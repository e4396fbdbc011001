// Package memqueue implements ../queue.Queue with an in-process
// channel. It backs unit tests and single-process local runs, where
// the API server and the worker pool live in the same binary.
package memqueue

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/queue"
)

const defaultCapacity = 1024

// Queue implements queue.Queue.
type Queue struct {
	jobs chan *queue.RecalcJob
}

// New returns an in-process Queue.
func New() *Queue {
	return &Queue{
		jobs: make(chan *queue.RecalcJob, defaultCapacity),
	}
}

// Check that Queue implements queue.Queue and queue.Depther.
var _ queue.Queue = (*Queue)(nil)
var _ queue.Depther = (*Queue)(nil)

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job *queue.RecalcJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run implements queue.Queue.
func (q *Queue) Run(ctx context.Context, maxConcurrent int, handler queue.Handler) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < maxConcurrent; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-q.jobs:
					if err := handler(ctx, job); err != nil {
						cclog.Errorf("recalc job for task %s failed: %s", job.TaskID, err)
					}
				}
			}
		})
	}
	return eg.Wait()
}

// Depth implements queue.Depther.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}
