// Package pubsubqueue implements ../queue.Queue on Google Cloud
// Pub/Sub.
//
// The topic and a durable subscription are created on first use, so a
// fresh project needs no manual setup. Pub/Sub owns redelivery of
// unacked messages; handler failures are still acked, since a newer
// mutation supersedes the failed job anyway. This implementation does
// not report queue depth.
package pubsubqueue

import (
	"context"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/queue"
)

const (
	// DefaultTopic and DefaultSubscription are used when nothing else
	// is configured.
	DefaultTopic        = "cascade-recalc"
	DefaultSubscription = "cascade-recalc-worker"

	// Jobs may legitimately run for minutes, so give Pub/Sub a generous
	// deadline before it assumes the worker died.
	ackDeadline = 10 * time.Minute

	attrTaskID = "taskId"
)

// Queue implements queue.Queue.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	subID  string
}

// New returns a Queue over the given client, creating the topic and
// subscription if they do not exist.
func New(ctx context.Context, client *pubsub.Client, topicID, subID string) (*Queue, error) {
	if topicID == "" {
		topicID = DefaultTopic
	}
	if subID == "" {
		subID = DefaultSubscription
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "checking for topic %q", topicID)
	}
	if !exists {
		if _, err := client.CreateTopic(ctx, topicID); err != nil {
			return nil, errors.Wrapf(err, "creating topic %q", topicID)
		}
	}
	sub := client.Subscription(subID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "checking for subscription %q", subID)
	}
	if !exists {
		if _, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: ackDeadline,
		}); err != nil {
			return nil, errors.Wrapf(err, "creating subscription %q", subID)
		}
	}
	return &Queue{
		client: client,
		topic:  topic,
		subID:  subID,
	}, nil
}

// Check that Queue implements queue.Queue.
var _ queue.Queue = (*Queue)(nil)

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job *queue.RecalcJob) error {
	b, err := job.Encode()
	if err != nil {
		return err
	}
	res := q.topic.Publish(ctx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			attrTaskID: job.TaskID,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return errors.Wrapf(err, "publishing recalc job for task %s", job.TaskID)
	}
	return nil
}

// Run implements queue.Queue.
func (q *Queue) Run(ctx context.Context, maxConcurrent int, handler queue.Handler) error {
	sub := q.client.Subscription(q.subID)
	sub.ReceiveSettings.MaxOutstandingMessages = maxConcurrent
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		job, err := queue.DecodeRecalcJob(m.Data)
		if err != nil {
			cclog.Errorf("Dropping malformed job: %s", err)
			m.Ack()
			return
		}
		if err := handler(ctx, job); err != nil {
			cclog.Errorf("recalc job for task %s failed: %s", job.TaskID, err)
		}
		m.Ack()
	})
	if err != nil {
		return errors.Wrap(err, "receiving from subscription")
	}
	return ctx.Err()
}
