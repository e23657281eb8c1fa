package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestProducerConsumerDeliversJob(t *testing.T) {
	rdb := newTestRedis(t)
	producer := NewProducer(rdb)

	require.NoError(t, producer.Enqueue(context.Background(), NewJob("j1", JobRecalcTrip, map[string]interface{}{"trip_id": "trip-1"})))

	received := make(chan Job, 1)
	consumer := NewConsumer(rdb, zap.NewNop(), 1)
	consumer.Register(JobRecalcTrip, func(ctx context.Context, job Job) error {
		received <- job
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go consumer.Run(ctx)

	select {
	case job := <-received:
		require.Equal(t, "trip-1", job.TripID())
	case <-ctx.Done():
		t.Fatal("timed out waiting for job delivery")
	}
}

func TestReaperRequeuesOrphanedProcessingList(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	job := NewJob("j2", JobScanDueTrips, nil)
	payload, err := job.Marshal()
	require.NoError(t, err)

	orphanProcList := "routerisk:worker:ghost-1:processing"
	require.NoError(t, rdb.LPush(ctx, orphanProcList, payload).Err())
	// deliberately no heartbeat key set for "ghost-1": it is dead.

	reaper := NewReaper(rdb, zap.NewNop())
	reaper.scanOnce(ctx)

	length, err := rdb.LLen(ctx, QueueKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length)

	remaining, err := rdb.LLen(ctx, orphanProcList).Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, remaining)
}

func TestReaperSkipsListWithLiveHeartbeat(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	job := NewJob("j3", JobScanDueTrips, nil)
	payload, err := job.Marshal()
	require.NoError(t, err)

	procList := "routerisk:worker:alive-1:processing"
	require.NoError(t, rdb.LPush(ctx, procList, payload).Err())
	require.NoError(t, rdb.Set(ctx, "routerisk:worker:alive-1:heartbeat", payload, time.Minute).Err())

	reaper := NewReaper(rdb, zap.NewNop())
	reaper.scanOnce(ctx)

	remaining, err := rdb.LLen(ctx, procList).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, remaining)
}
