package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/routerisk/engine/internal/obs"
)

// Handler processes one dispatched job. Its error is logged but never
// causes broker-level redelivery: job-level failure handling (state
// transitions, audit events, back-off) happens inside the handler itself.
type Handler func(ctx context.Context, job Job) error

const (
	processingListPattern = "routerisk:worker:%s:processing"
	heartbeatKeyPattern   = "routerisk:worker:%s:heartbeat"
	heartbeatTTL          = 30 * time.Second
	dequeueTimeout        = 2 * time.Second
)

// Consumer runs a pool of workers dispatching dequeued jobs by name.
type Consumer struct {
	rdb         *redis.Client
	log         *zap.Logger
	handlers    map[string]Handler
	concurrency int
	baseID      string
}

// NewConsumer builds a consumer with concurrency parallel worker loops.
func NewConsumer(rdb *redis.Client, log *zap.Logger, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	host, _ := os.Hostname()
	return &Consumer{
		rdb:         rdb,
		log:         log,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		baseID:      fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Register binds a handler to a job name. Unregistered job names are logged
// and dropped.
func (c *Consumer) Register(name string, h Handler) {
	c.handlers[name] = h
}

// Run blocks, fanning out concurrency worker loops until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", c.baseID, i)
		go func() {
			defer wg.Done()
			c.runOne(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (c *Consumer) runOne(ctx context.Context, workerID string) {
	procList := fmt.Sprintf(processingListPattern, workerID)
	hbKey := fmt.Sprintf(heartbeatKeyPattern, workerID)

	for ctx.Err() == nil {
		payload, err := c.rdb.BRPopLPush(ctx, QueueKey, procList, dequeueTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("broker dequeue error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		_ = c.rdb.Set(ctx, hbKey, payload, heartbeatTTL).Err()
		c.dispatch(ctx, payload)
		_ = c.rdb.LRem(ctx, procList, 1, payload).Err()
	}
}

func (c *Consumer) dispatch(ctx context.Context, payload string) {
	job, err := UnmarshalJob(payload)
	if err != nil {
		c.log.Error("broker: invalid job payload", obs.Err(err))
		return
	}

	handler, ok := c.handlers[job.Name]
	if !ok {
		c.log.Warn("broker: no handler registered", obs.String("job_name", job.Name))
		return
	}

	if err := handler(ctx, job); err != nil {
		c.log.Error("broker: job handler failed",
			obs.String("job_name", job.Name), obs.String("job_id", job.ID), obs.Err(err))
	}
}
