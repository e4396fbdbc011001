// Package redisqueue implements ../queue.Queue on a Redis list.
//
// Enqueue LPUSHes onto a pending list. Consumers BLMOVE from pending
// to a per-queue processing list and LREM the entry once the handler
// returns, so a worker crash leaves the job parked in processing
// rather than lost. Run starts by moving everything parked in
// processing back to pending, which assumes one worker process per
// queue; with several, a restart may redeliver jobs another worker is
// still holding, which the version-token guard absorbs.
package redisqueue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/queue"
)

const (
	// DefaultKeyPrefix is the key prefix used when none is configured.
	DefaultKeyPrefix = "cascade:recalc"

	pendingSuffix    = ":pending"
	processingSuffix = ":processing"

	// How long a BLMOVE blocks before the consumer loop re-checks its
	// context.
	blockTimeout = 5 * time.Second

	enqueueRetries = 3
)

// Queue implements queue.Queue.
type Queue struct {
	client     *redis.Client
	pending    string
	processing string
}

// New returns a Queue on the given client. keyPrefix namespaces the
// underlying lists; pass DefaultKeyPrefix unless several cascade
// instances share one Redis.
func New(client *redis.Client, keyPrefix string) *Queue {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Queue{
		client:     client,
		pending:    keyPrefix + pendingSuffix,
		processing: keyPrefix + processingSuffix,
	}
}

// Check that Queue implements queue.Queue and queue.Depther.
var _ queue.Queue = (*Queue)(nil)
var _ queue.Depther = (*Queue)(nil)

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job *queue.RecalcJob) error {
	b, err := job.Encode()
	if err != nil {
		return err
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), enqueueRetries), ctx)
	return errors.Wrapf(backoff.Retry(func() error {
		return q.client.LPush(ctx, q.pending, b).Err()
	}, boff), "enqueueing recalc job for task %s", job.TaskID)
}

// Run implements queue.Queue.
func (q *Queue) Run(ctx context.Context, maxConcurrent int, handler queue.Handler) error {
	if err := q.requeueOrphans(ctx); err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < maxConcurrent; i++ {
		eg.Go(func() error {
			return q.consume(ctx, handler)
		})
	}
	return eg.Wait()
}

// requeueOrphans drains the processing list back into pending. Called
// once at Run start to recover jobs a previous run never acked.
func (q *Queue) requeueOrphans(ctx context.Context) error {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "LEFT").Err()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return errors.Wrap(err, "requeueing orphaned jobs")
		}
		n++
	}
	if n > 0 {
		cclog.Warningf("Requeued %d jobs orphaned by a previous run.", n)
	}
	return nil
}

func (q *Queue) consume(ctx context.Context, handler queue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cclog.Errorf("Reading from %s: %s", q.pending, err)
			time.Sleep(time.Second)
			continue
		}
		job, err := queue.DecodeRecalcJob([]byte(raw))
		if err != nil {
			cclog.Errorf("Dropping malformed job: %s", err)
			q.ack(ctx, raw)
			continue
		}
		if err := handler(ctx, job); err != nil {
			cclog.Errorf("recalc job for task %s failed: %s", job.TaskID, err)
		}
		q.ack(ctx, raw)
	}
}

// ack removes a delivered job from the processing list. If this fails
// the job is redelivered on the next Run start, so failure is only
// logged.
func (q *Queue) ack(ctx context.Context, raw string) {
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil && ctx.Err() == nil {
		cclog.Warningf("Removing job from %s: %s", q.processing, err)
	}
}

// Depth implements queue.Depther.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, errors.Wrap(err, "reading queue depth")
	}
	return n, nil
}
