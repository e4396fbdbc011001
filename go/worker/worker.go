// Package worker consumes recalculation jobs and repairs precedence
// violations downstream of a changed task.
//
// Every job carries the version token the enqueueing mutation stamped
// on its root task. Before doing any work the worker compares that
// token against the stored one; a mismatch means a newer mutation has
// already queued its own job, so the stale job is dropped without
// touching anything. A missing root task means the task was deleted
// after the job was queued and is dropped the same way. This keeps
// at-least-once delivery and crash redelivery harmless.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/now"
	"github.com/cascade-eng/cascade/go/queue"
	"github.com/cascade-eng/cascade/go/recalc"
	"github.com/cascade-eng/cascade/go/store"
)

const (
	// DefaultJobTimeout bounds a single recalculation.
	DefaultJobTimeout = 300 * time.Second

	// DefaultMaxConcurrent is how many jobs run at once.
	DefaultMaxConcurrent = 10

	depthSampleInterval = 15 * time.Second
)

var (
	jobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_worker_jobs_processed",
		Help: "Jobs that ran a recalculation, including no-op plans.",
	})
	jobsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_worker_jobs_stale",
		Help: "Jobs dropped because their version token no longer matches.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_worker_jobs_failed",
		Help: "Jobs that errored; they are not retried.",
	})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cascade_worker_job_duration_seconds",
		Help:    "Wall time per recalculation job.",
		Buckets: prometheus.DefBuckets,
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cascade_worker_queue_depth",
		Help: "Jobs waiting in the queue, when the queue can report it.",
	})
)

// Worker recalculates task subtrees.
type Worker struct {
	store      store.Store
	jobTimeout time.Duration
}

// New returns a Worker. A jobTimeout of zero means DefaultJobTimeout.
func New(st store.Store, jobTimeout time.Duration) *Worker {
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return &Worker{
		store:      st,
		jobTimeout: jobTimeout,
	}
}

// Run consumes jobs from q with maxConcurrent handlers until ctx is
// cancelled. If the queue reports its depth, the depth is sampled into
// a metric.
func (w *Worker) Run(ctx context.Context, q queue.Queue, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if d, ok := q.(queue.Depther); ok {
		go w.sampleDepth(ctx, d)
	}
	return q.Run(ctx, maxConcurrent, w.Process)
}

// Process handles a single job. A nil return means the job is done
// with, whether or not it did anything; an error means the job failed
// and will be logged and dropped by the queue.
func (w *Worker) Process(ctx context.Context, job *queue.RecalcJob) error {
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	defer timer(jobDuration)()

	task, err := w.store.GetTask(ctx, job.TaskID)
	if err != nil {
		if store.IsNotFound(err) {
			// Deleted after the job was queued.
			jobsStale.Inc()
			cclog.Debugf("Dropping recalc for deleted task %s", job.TaskID)
			return nil
		}
		jobsFailed.Inc()
		return errors.Wrapf(err, "loading task %s", job.TaskID)
	}
	if task.VersionToken != job.VersionToken {
		// A newer mutation queued its own job.
		jobsStale.Inc()
		cclog.Debugf("Dropping stale recalc for task %s", job.TaskID)
		return nil
	}

	tasks, deps, err := w.store.GetRecalcSubgraph(ctx, job.TaskID)
	if err != nil {
		if store.IsNotFound(err) {
			jobsStale.Inc()
			return nil
		}
		jobsFailed.Inc()
		return errors.Wrapf(err, "loading subgraph of task %s", job.TaskID)
	}
	changes, err := recalc.Plan(tasks, deps)
	if err != nil {
		jobsFailed.Inc()
		return errors.Wrapf(err, "planning recalculation below task %s", job.TaskID)
	}
	if len(changes) == 0 {
		jobsProcessed.Inc()
		cclog.Debugf("Recalc below task %s: nothing to move", job.TaskID)
		return nil
	}
	if err := w.store.UpdateTaskDates(ctx, changes, now.Now(ctx).UTC()); err != nil {
		jobsFailed.Inc()
		return errors.Wrapf(err, "writing %d recalculated task(s) below task %s", len(changes), job.TaskID)
	}
	jobsProcessed.Inc()
	cclog.Infof("Recalculated %d task(s) below task %s", len(changes), job.TaskID)
	return nil
}

func (w *Worker) sampleDepth(ctx context.Context, d queue.Depther) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := d.Depth(ctx)
			if err != nil {
				cclog.Warningf("Sampling queue depth: %s", err)
				continue
			}
			queueDepth.Set(float64(depth))
		}
	}
}

func timer(h prometheus.Histogram) func() {
	begin := time.Now()
	return func() {
		h.Observe(time.Since(begin).Seconds())
	}
}
