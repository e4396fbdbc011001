// Package queue defines the job queue that decouples user mutations
// from cascade recalculation.
//
// Jobs are tiny: a task id plus the version token the mutation minted.
// Delivery is at least once on every implementation; the worker's
// token guard makes duplicates and stale deliveries harmless, so
// none of the implementations try to deduplicate.
package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// FunctionRecalcSubtree is the function name carried by every
// recalculation job.
const FunctionRecalcSubtree = "recalcSubtree"

// RecalcJob asks a worker to restore the precedence invariant for the
// subgraph rooted at TaskID, provided the task still carries
// VersionToken when the job is picked up.
type RecalcJob struct {
	FunctionName string `json:"functionName"`
	TaskID       string `json:"taskId"`
	VersionToken string `json:"versionToken"`
}

// NewRecalcJob returns a RecalcJob for the given task and token.
func NewRecalcJob(taskID, versionToken string) *RecalcJob {
	return &RecalcJob{
		FunctionName: FunctionRecalcSubtree,
		TaskID:       taskID,
		VersionToken: versionToken,
	}
}

// Encode serializes the job for the wire.
func (j *RecalcJob) Encode() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "encoding recalc job")
	}
	return b, nil
}

// DecodeRecalcJob parses a wire payload. Payloads naming a different
// function are rejected so queues can be shared with future job types.
func DecodeRecalcJob(b []byte) (*RecalcJob, error) {
	var j RecalcJob
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, errors.Wrapf(err, "decoding recalc job %q", string(b))
	}
	if j.FunctionName != FunctionRecalcSubtree {
		return nil, errors.Errorf("unknown job function %q", j.FunctionName)
	}
	if j.TaskID == "" {
		return nil, errors.New("recalc job missing taskId")
	}
	return &j, nil
}

// Handler processes one job. A returned error marks the job failed;
// failed jobs are not redelivered, since any newer mutation enqueues a
// fresh job that supersedes this one.
type Handler func(ctx context.Context, job *RecalcJob) error

// Queue is the transport between the API process and the workers.
type Queue interface {
	// Enqueue submits a job. It returns once the job is durably handed
	// to the transport.
	Enqueue(ctx context.Context, job *RecalcJob) error

	// Run consumes jobs, calling handler with at most maxConcurrent
	// invocations in flight, until ctx is cancelled. Jobs are
	// acknowledged after handler returns, whatever the outcome.
	Run(ctx context.Context, maxConcurrent int, handler Handler) error
}

// Depther is implemented by queues that can report how many jobs are
// waiting. Used for monitoring only.
type Depther interface {
	Depth(ctx context.Context) (int64, error)
}
