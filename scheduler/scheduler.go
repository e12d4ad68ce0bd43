// Package scheduler drives the fire loop: a periodic scan claims due
// schedules from the store and feeds them to a bounded pool of dispatch
// workers. The scan itself never blocks on device I/O.
package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pos-dispatch-api/backoff"
	"pos-dispatch-api/db"
	"pos-dispatch-api/dispatch"
	"pos-dispatch-api/metrics"
	"pos-dispatch-api/notify"
)

type FireScheduler struct {
	dispatcher *dispatch.Dispatcher
	policy     *backoff.Policy
	notifier   notify.Notifier

	scanInterval time.Duration
	stallTimeout time.Duration
	claimLimit   int
	concurrency  int

	queue  chan db.Schedule
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type Option func(*FireScheduler)

// WithScanInterval sets how often the scheduler scans for due schedules.
func WithScanInterval(d time.Duration) Option {
	return func(s *FireScheduler) { s.scanInterval = d }
}

// WithStallTimeout sets how long a schedule may sit in firing before the
// claim is considered abandoned and reclaimed.
func WithStallTimeout(d time.Duration) Option {
	return func(s *FireScheduler) { s.stallTimeout = d }
}

// WithClaimLimit caps how many schedules one scan may claim.
func WithClaimLimit(n int) Option {
	return func(s *FireScheduler) { s.claimLimit = n }
}

// WithConcurrency sets the number of dispatch worker goroutines.
func WithConcurrency(n int) Option {
	return func(s *FireScheduler) { s.concurrency = n }
}

func New(dispatcher *dispatch.Dispatcher, policy *backoff.Policy, notifier notify.Notifier, opts ...Option) *FireScheduler {
	if policy == nil {
		policy = backoff.DefaultPolicy()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	s := &FireScheduler{
		dispatcher:   dispatcher,
		policy:       policy,
		notifier:     notifier,
		scanInterval: time.Second,
		stallTimeout: 2 * time.Minute,
		claimLimit:   50,
		concurrency:  8,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan db.Schedule, s.claimLimit)
	return s
}

// Start launches the scan loop and the dispatch workers.
func (s *FireScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}

	s.wg.Add(1)
	go s.scanLoop()

	logrus.WithFields(logrus.Fields{
		"scan_interval": s.scanInterval,
		"concurrency":   s.concurrency,
	}).Info("fire scheduler started")
}

// Stop halts the scan loop, waits for in-flight attempts to resolve,
// and releases claims still queued back to pending so they re-fire on
// the next start without being charged a retry.
func (s *FireScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.drainQueue()

	logrus.Info("fire scheduler stopped")
}

func (s *FireScheduler) drainQueue() {
	for {
		select {
		case schedule := <-s.queue:
			err := db.ReleaseClaim(schedule.OrderID, schedule.RetryCount, time.Now().UTC())
			if err != nil && err != sql.ErrNoRows {
				logrus.WithError(err).WithField("order_id", schedule.OrderID).Error("failed to release queued claim on shutdown")
			}
		default:
			return
		}
	}
}

func (s *FireScheduler) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Scan(time.Now().UTC())
		}
	}
}

// Scan runs one scheduling cycle: reclaim stalled claims, then claim and
// enqueue everything due. Store errors skip the cycle; they never mutate
// schedule state.
func (s *FireScheduler) Scan(now time.Time) {
	s.reclaimStalled(now)

	claimed, err := db.ClaimDueSchedules(now, s.policy.Ceiling, s.claimLimit)
	if err != nil {
		metrics.ScanErrorsTotal.Inc()
		logrus.WithError(err).Error("scan failed to claim due schedules, retrying next tick")
		return
	}

	for _, schedule := range claimed {
		select {
		case s.queue <- schedule:
		case <-s.stopCh:
			return
		}
	}
}

// reclaimStalled resolves schedules stuck in firing past the stall
// timeout (a dispatcher crashed mid-attempt). Each is treated as a
// timed-out attempt and routed through the normal retry policy.
func (s *FireScheduler) reclaimStalled(now time.Time) {
	stalled, err := db.ListStalledFiring(now.Add(-s.stallTimeout))
	if err != nil {
		metrics.ScanErrorsTotal.Inc()
		logrus.WithError(err).Error("scan failed to list stalled schedules")
		return
	}

	for _, schedule := range stalled {
		newCount := schedule.RetryCount + 1
		action := s.policy.NextAction(newCount)

		var nextAttemptAt *time.Time
		if action.Retry {
			next := now.Add(action.Delay)
			nextAttemptAt = &next
		}

		if err := db.MarkAttemptFailed(schedule.OrderID, "reclaimed stalled dispatch", schedule.RetryCount, now, nextAttemptAt); err != nil {
			if err == sql.ErrNoRows {
				// The original claimant resolved the row between the
				// stall listing and this update.
				continue
			}
			logrus.WithError(err).WithField("order_id", schedule.OrderID).Error("failed to reclaim stalled schedule")
			continue
		}

		metrics.SchedulesReclaimedTotal.Inc()
		logrus.WithFields(logrus.Fields{
			"order_id":    schedule.OrderID,
			"tenant_id":   schedule.TenantID,
			"retry_count": newCount,
		}).Warn("reclaimed stalled firing schedule")

		if !action.Retry {
			metrics.SchedulesTerminalFailedTotal.Inc()
			if err := s.notifier.OrderStatusChanged(context.Background(), notify.Event{
				OrderID:    schedule.OrderID,
				TenantID:   schedule.TenantID,
				Status:     "failed",
				Reason:     "reclaimed stalled dispatch",
				RetryCount: newCount,
				OccurredAt: now,
			}); err != nil {
				logrus.WithError(err).Warn("failed to publish order failed event")
			}
		}
	}
}

func (s *FireScheduler) workerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case schedule := <-s.queue:
			// A claim that aged past the stall timeout while queued
			// belongs to the reclaim pass; dispatching it now would race
			// the re-claimed copy on the device.
			if schedule.ClaimedAt != nil && time.Since(*schedule.ClaimedAt) >= s.stallTimeout {
				logrus.WithField("order_id", schedule.OrderID).Warn("dropping stale claim from dispatch queue")
				continue
			}
			if _, err := s.dispatcher.Dispatch(context.Background(), schedule); err != nil {
				logrus.WithError(err).WithField("order_id", schedule.OrderID).Error("dispatch attempt errored")
			}
		}
	}
}
