// Package dispatch performs single delivery attempts for firing
// schedules: pick a live POS connection, push the order payload, and
// resolve the acknowledgment into schedule state.
package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"pos-dispatch-api/backoff"
	"pos-dispatch-api/db"
	"pos-dispatch-api/metrics"
	"pos-dispatch-api/notify"
	"pos-dispatch-api/registry"
)

// Outcome of a single dispatch attempt.
type Outcome string

const (
	OutcomeAck          Outcome = "ack"
	OutcomeNack         Outcome = "nack"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNoConnection Outcome = "no_connection"

	// OutcomeSkipped marks a schedule whose order was canceled before
	// the attempt was sent. No retry is counted.
	OutcomeSkipped Outcome = "skipped"
)

// Attempt is the ephemeral record of one dispatch attempt.
type Attempt struct {
	OrderID     string
	TenantID    string
	AttemptedAt time.Time
	Outcome     Outcome
	Reason      string
}

// OrderPayload is the frame pushed to the POS device.
type OrderPayload struct {
	Type                string    `json:"type"`
	OrderID             string    `json:"order_id"`
	OrderNumber         string    `json:"order_number"`
	CustomerName        string    `json:"customer_name"`
	Total               float64   `json:"total"`
	FireTime            time.Time `json:"fire_time"`
	CustomerDesiredTime time.Time `json:"customer_desired_time"`
}

type Dispatcher struct {
	registry   *registry.Registry
	policy     *backoff.Policy
	notifier   notify.Notifier
	ackTimeout time.Duration
}

func NewDispatcher(reg *registry.Registry, policy *backoff.Policy, notifier notify.Notifier, ackTimeout time.Duration) *Dispatcher {
	if policy == nil {
		policy = backoff.DefaultPolicy()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Dispatcher{
		registry:   reg,
		policy:     policy,
		notifier:   notifier,
		ackTimeout: ackTimeout,
	}
}

// Dispatch performs exactly one attempt for a firing schedule. The
// at-most-one-in-flight guarantee comes from the firing status claim;
// every resolution path below is a compare-and-set from firing, fenced
// on the retry count the claim observed so a reclaimed row is never
// clobbered by a superseded attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, schedule db.Schedule) (Attempt, error) {
	now := time.Now().UTC()
	attempt := Attempt{
		OrderID:     schedule.OrderID,
		TenantID:    schedule.TenantID,
		AttemptedAt: now,
	}

	timer := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(timer).Seconds())
	}()

	// Cancellation is checked before anything is sent. A canceled or
	// vanished order resolves terminally without a retry increment.
	canceled, err := db.IsOrderCanceled(schedule.OrderID)
	if err != nil {
		return attempt, err
	}
	if canceled {
		if err := db.MarkCanceledSkip(schedule.OrderID, schedule.RetryCount, now); err != nil && err != sql.ErrNoRows {
			return attempt, err
		}
		attempt.Outcome = OutcomeSkipped
		logrus.WithFields(logrus.Fields{
			"order_id":  schedule.OrderID,
			"tenant_id": schedule.TenantID,
		}).Info("skipped dispatch for canceled order")
		return attempt, nil
	}

	target := d.registry.PickTarget(schedule.TenantID)
	if target == nil {
		attempt.Outcome = OutcomeNoConnection
		attempt.Reason = "no live POS connection"
		metrics.DispatchAttemptsTotal.WithLabelValues(string(attempt.Outcome)).Inc()
		return attempt, d.resolveFailure(ctx, schedule, attempt, now)
	}

	order, err := db.GetOrder(schedule.OrderID)
	if err != nil {
		return attempt, err
	}
	if order == nil {
		if err := db.MarkCanceledSkip(schedule.OrderID, schedule.RetryCount, now); err != nil && err != sql.ErrNoRows {
			return attempt, err
		}
		attempt.Outcome = OutcomeSkipped
		return attempt, nil
	}

	payload := OrderPayload{
		Type:                "order",
		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		CustomerName:        order.CustomerName,
		Total:               order.Total,
		FireTime:            schedule.FireTime,
		CustomerDesiredTime: schedule.CustomerDesiredTime,
	}

	pushCtx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	defer cancel()

	result, err := target.Push(pushCtx, order.ID, payload)
	now = time.Now().UTC()

	switch {
	case err == registry.ErrAckTimeout:
		attempt.Outcome = OutcomeTimeout
		attempt.Reason = "device did not acknowledge in time"
	case err != nil:
		// Write failure or the session closed mid-attempt: the device
		// is effectively unreachable.
		attempt.Outcome = OutcomeNoConnection
		attempt.Reason = err.Error()
	case result.OK:
		attempt.Outcome = OutcomeAck
	default:
		attempt.Outcome = OutcomeNack
		attempt.Reason = result.Reason
		if attempt.Reason == "" {
			attempt.Reason = "device rejected order"
		}
	}

	metrics.DispatchAttemptsTotal.WithLabelValues(string(attempt.Outcome)).Inc()

	if attempt.Outcome == OutcomeAck {
		return attempt, d.resolveFired(ctx, schedule, now)
	}
	return attempt, d.resolveFailure(ctx, schedule, attempt, now)
}

func (d *Dispatcher) resolveFired(ctx context.Context, schedule db.Schedule, now time.Time) error {
	if err := db.MarkFired(schedule.OrderID, schedule.RetryCount, now); err != nil {
		if err == sql.ErrNoRows {
			// The claim was reclaimed while the attempt was in flight;
			// the current claim holder owns the row now.
			logrus.WithField("order_id", schedule.OrderID).Warn("dispatch claim superseded, dropping result")
			return nil
		}
		return err
	}
	if err := db.MarkOrderPrinted(schedule.OrderID, now); err != nil {
		return err
	}

	metrics.SchedulesFiredTotal.Inc()

	logrus.WithFields(logrus.Fields{
		"order_id":    schedule.OrderID,
		"tenant_id":   schedule.TenantID,
		"retry_count": schedule.RetryCount,
	}).Info("order fired to POS")

	if err := d.notifier.OrderStatusChanged(ctx, notify.Event{
		OrderID:    schedule.OrderID,
		TenantID:   schedule.TenantID,
		Status:     "fired",
		RetryCount: schedule.RetryCount,
		OccurredAt: now,
	}); err != nil {
		logrus.WithError(err).Warn("failed to publish order fired event")
	}

	return nil
}

// resolveFailure applies the retry policy. NACK, TIMEOUT and
// NO_CONNECTION all increment the retry count and consult the same
// backoff curve; at the ceiling the schedule goes terminal and the
// notification hook fires for manual intervention.
func (d *Dispatcher) resolveFailure(ctx context.Context, schedule db.Schedule, attempt Attempt, now time.Time) error {
	newCount := schedule.RetryCount + 1
	action := d.policy.NextAction(newCount)

	var nextAttemptAt *time.Time
	if action.Retry {
		next := now.Add(action.Delay)
		nextAttemptAt = &next
	}

	if err := db.MarkAttemptFailed(schedule.OrderID, attempt.Reason, schedule.RetryCount, now, nextAttemptAt); err != nil {
		if err == sql.ErrNoRows {
			logrus.WithField("order_id", schedule.OrderID).Warn("dispatch claim superseded, dropping result")
			return nil
		}
		return err
	}

	fields := logrus.Fields{
		"order_id":    schedule.OrderID,
		"tenant_id":   schedule.TenantID,
		"outcome":     attempt.Outcome,
		"retry_count": newCount,
	}

	if action.Retry {
		logrus.WithFields(fields).WithField("next_attempt_at", nextAttemptAt).Warn("dispatch attempt failed, will retry")
		return nil
	}

	metrics.SchedulesTerminalFailedTotal.Inc()
	logrus.WithFields(fields).Error("dispatch failed terminally, manual retry required")

	if err := d.notifier.OrderStatusChanged(ctx, notify.Event{
		OrderID:    schedule.OrderID,
		TenantID:   schedule.TenantID,
		Status:     "failed",
		Reason:     attempt.Reason,
		RetryCount: newCount,
		OccurredAt: now,
	}); err != nil {
		logrus.WithError(err).Warn("failed to publish order failed event")
	}

	return nil
}
