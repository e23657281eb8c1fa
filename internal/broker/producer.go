package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the single Redis list every job is pushed to; the recalc
// engine dispatches by job name rather than by per-priority queues, unlike
// the ambient worker pool this package's shape is adapted from.
const QueueKey = "routerisk:jobs"

// Producer enqueues jobs for workers to consume.
type Producer struct {
	rdb *redis.Client
}

func NewProducer(rdb *redis.Client) *Producer {
	return &Producer{rdb: rdb}
}

// Enqueue pushes a job onto the queue, at-least-once: a crash between the
// LPUSH and an ack never loses the job, but redelivery is possible and must
// be tolerated by the consumer.
func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	if err := p.rdb.LPush(ctx, QueueKey, payload).Err(); err != nil {
		return fmt.Errorf("broker: enqueue job: %w", err)
	}
	return nil
}
