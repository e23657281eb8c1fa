package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/routerisk/engine/internal/obs"
)

// Reaper periodically sweeps processing lists whose worker has stopped
// sending a heartbeat and pushes their contents back onto the main queue,
// giving the broker at-least-once delivery across worker crashes.
type Reaper struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewReaper(rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{rdb: rdb, log: log}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, "routerisk:worker:*:processing", 100).Result()
		if err != nil {
			r.log.Warn("broker reaper scan error", obs.Err(err))
			return
		}
		cursor = cur

		for _, procList := range keys {
			parts := strings.Split(procList, ":")
			if len(parts) < 4 {
				continue
			}
			workerID := parts[2]
			hbKey := fmt.Sprintf(heartbeatKeyPattern, workerID)

			exists, err := r.rdb.Exists(ctx, hbKey).Result()
			if err != nil || exists == 1 {
				continue
			}

			r.requeueOrphans(ctx, procList)
		}

		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) requeueOrphans(ctx context.Context, procList string) {
	for {
		payload, err := r.rdb.RPop(ctx, procList).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("broker reaper rpop error", obs.Err(err))
			return
		}

		job, err := UnmarshalJob(payload)
		if err != nil {
			r.log.Warn("broker reaper dropping malformed orphan", obs.Err(err))
			continue
		}

		if err := r.rdb.LPush(ctx, QueueKey, payload).Err(); err != nil {
			r.log.Error("broker reaper requeue failed", obs.Err(err))
			continue
		}
		r.log.Warn("broker reaper requeued orphaned job",
			obs.String("job_name", job.Name), obs.String("job_id", job.ID))
	}
}
