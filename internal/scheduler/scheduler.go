// Package scheduler periodically selects trips whose next evaluation is
// due and dispatches a recalculation job for each, on a fixed interval
// driven by robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/routerisk/engine/internal/broker"
	"github.com/routerisk/engine/internal/obs"
	"github.com/routerisk/engine/internal/store"
)

// BatchSize is the maximum number of due trips selected per scan, per
// the component's contract.
const BatchSize = 50

// Scheduler wires the due-trip scan to a cron-driven timer.
type Scheduler struct {
	st       *store.Store
	producer *broker.Producer
	log      *zap.Logger
	interval time.Duration

	cron *cron.Cron
}

// New builds a Scheduler. interval is the scan period (default 60s).
func New(st *store.Store, producer *broker.Producer, log *zap.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{st: st, producer: producer, log: log, interval: interval}
}

// Start registers the periodic scan and begins the cron scheduler. Call
// Stop to end it gracefully.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", int(s.interval.Seconds()))
	if _, err := s.cron.AddFunc(spec, func() {
		s.ScanOnce(ctx)
	}); err != nil {
		return fmt.Errorf("scheduler: register scan job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop ends the cron scheduler, waiting for any in-flight scan to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
}

// ScanOnce selects up to BatchSize due trips and queues each for recalc.
// It runs in-process on each cron tick; no worker.tasks.scan_due_trips job
// is sent through the broker. If scans overlap, the row-level transition
// in QueueForScan keeps a trip from being queued twice.
func (s *Scheduler) ScanOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.st.SelectDueTrips(ctx, now, BatchSize)
	if err != nil {
		s.log.Error("scheduler: select due trips failed", obs.Err(err))
		return
	}

	obs.TripsScanned.Add(float64(len(due)))

	for _, trip := range due {
		queued, err := s.st.QueueForScan(ctx, trip.ID, now, s.interval)
		if err != nil {
			s.log.Error("scheduler: queue for scan failed", obs.String("trip_id", trip.ID), obs.Err(err))
			continue
		}
		if !queued {
			continue
		}

		job := broker.NewJob(trip.ID, broker.JobRecalcTrip, map[string]interface{}{"trip_id": trip.ID})
		if err := s.producer.Enqueue(ctx, job); err != nil {
			s.log.Error("scheduler: enqueue recalc job failed", obs.String("trip_id", trip.ID), obs.Err(err))
		}
	}
}
