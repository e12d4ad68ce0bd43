package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotRetryable is returned by ManualRetrySchedule when the schedule
// exists but is not in a failed state.
var ErrNotRetryable = errors.New("schedule is not in a retryable state")

const scheduleColumns = `order_id, tenant_id, fire_time, customer_desired_time, status,
	retry_count, last_retry_at, next_attempt_at, claimed_at, failure_reason, created_at, updated_at`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*Schedule, error) {
	var s Schedule
	var lastRetryAt, nextAttemptAt, claimedAt sql.NullTime
	var failureReason sql.NullString

	err := row.Scan(
		&s.OrderID,
		&s.TenantID,
		&s.FireTime,
		&s.CustomerDesiredTime,
		&s.Status,
		&s.RetryCount,
		&lastRetryAt,
		&nextAttemptAt,
		&claimedAt,
		&failureReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRetryAt.Valid {
		s.LastRetryAt = &lastRetryAt.Time
	}
	if nextAttemptAt.Valid {
		s.NextAttemptAt = &nextAttemptAt.Time
	}
	if claimedAt.Valid {
		s.ClaimedAt = &claimedAt.Time
	}
	if failureReason.Valid {
		s.FailureReason = &failureReason.String
	}

	return &s, nil
}

func CreateSchedule(orderID, tenantID string, fireTime, customerDesiredTime time.Time) (*Schedule, error) {
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		INSERT INTO advance_order_schedules
			(order_id, tenant_id, fire_time, customer_desired_time, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '%s', 0, $5, $5)
	`, StatusPending)

	if _, err := DB.Exec(query, orderID, tenantID, fireTime.UTC(), customerDesiredTime.UTC(), now); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	return GetSchedule(orderID)
}

// GetSchedule returns nil, nil when no schedule exists for the order.
func GetSchedule(orderID string) (*Schedule, error) {
	query := fmt.Sprintf("SELECT %s FROM advance_order_schedules WHERE order_id = $1", scheduleColumns)

	s, err := scanSchedule(DB.QueryRow(query, orderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// ClaimDueSchedules atomically transitions due schedules to firing and
// returns them. Eligible rows are pending schedules whose fire time has
// passed and failed schedules below the retry ceiling whose backoff
// window has elapsed. On postgres the claim uses FOR UPDATE SKIP LOCKED
// so concurrent scheduler instances never double-claim a row.
func ClaimDueSchedules(now time.Time, ceiling, limit int) ([]Schedule, error) {
	now = now.UTC()

	if IsSQLite() {
		return claimDueSchedulesSQLite(now, ceiling, limit)
	}

	query := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s', claimed_at = $1, updated_at = $1
		WHERE order_id IN (
			SELECT order_id FROM advance_order_schedules
			WHERE (status = '%s' AND fire_time <= $1)
			   OR (status = '%s' AND retry_count < $2 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1)
			ORDER BY fire_time
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, StatusFiring, StatusPending, StatusFailed, scheduleColumns)

	rows, err := DB.Query(query, now, ceiling, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due schedules: %w", err)
	}
	defer rows.Close()

	var claimed []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed schedule: %w", err)
		}
		claimed = append(claimed, *s)
	}

	return claimed, rows.Err()
}

// claimDueSchedulesSQLite selects candidates and claims each with a
// compare-and-set update, keeping the same at-most-once guarantee
// without SKIP LOCKED support.
func claimDueSchedulesSQLite(now time.Time, ceiling, limit int) ([]Schedule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM advance_order_schedules
		WHERE (status = '%s' AND fire_time <= $1)
		   OR (status = '%s' AND retry_count < $2 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1)
		ORDER BY fire_time
		LIMIT $3
	`, scheduleColumns, StatusPending, StatusFailed)

	rows, err := DB.Query(query, now, ceiling, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due schedules: %w", err)
	}

	var candidates []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan due schedule: %w", err)
		}
		candidates = append(candidates, *s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimQuery := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s', claimed_at = $1, updated_at = $1
		WHERE order_id = $2 AND status = $3
	`, StatusFiring)

	var claimed []Schedule
	for _, candidate := range candidates {
		if !CanTransition(candidate.Status, StatusFiring) {
			continue
		}
		result, err := DB.Exec(claimQuery, now, candidate.OrderID, candidate.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to claim schedule %s: %w", candidate.OrderID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Another claimant won the race for this row.
			continue
		}

		candidate.Status = StatusFiring
		candidate.ClaimedAt = &now
		candidate.UpdatedAt = now
		claimed = append(claimed, candidate)
	}

	return claimed, nil
}

// ListStalledFiring returns schedules that have been in the firing state
// since before the cutoff, meaning a dispatcher crashed or hung
// mid-attempt and the claim must be reclaimed.
func ListStalledFiring(cutoff time.Time) ([]Schedule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM advance_order_schedules
		WHERE status = '%s' AND claimed_at IS NOT NULL AND claimed_at < $1
	`, scheduleColumns, StatusFiring)

	rows, err := DB.Query(query, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled schedules: %w", err)
	}
	defer rows.Close()

	var stalled []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stalled schedule: %w", err)
		}
		stalled = append(stalled, *s)
	}

	return stalled, rows.Err()
}

// MarkFired records terminal success for a firing schedule. The firing
// precondition guarantees a fired schedule is never touched again.
// retryCount fences the update to the claim that observed it: a row
// reclaimed and re-claimed since then carries a higher count, so the
// superseded claimant's write affects no rows.
func MarkFired(orderID string, retryCount int, now time.Time) error {
	query := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s', claimed_at = NULL, next_attempt_at = NULL, failure_reason = NULL, updated_at = $1
		WHERE order_id = $2 AND status = '%s' AND retry_count = $3
	`, StatusFired, StatusFiring)

	result, err := DB.Exec(query, now.UTC(), orderID, retryCount)
	if err != nil {
		return fmt.Errorf("failed to mark schedule fired: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkAttemptFailed records a failed dispatch attempt for a firing
// schedule. The retry count always increments; nextAttemptAt is nil when
// the retry policy declared the failure terminal. retryCount fences the
// update to the claim that observed it, as in MarkFired.
func MarkAttemptFailed(orderID, reason string, retryCount int, now time.Time, nextAttemptAt *time.Time) error {
	query := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s',
			retry_count = retry_count + 1,
			last_retry_at = $1,
			next_attempt_at = $2,
			claimed_at = NULL,
			failure_reason = $3,
			updated_at = $1
		WHERE order_id = $4 AND status = '%s' AND retry_count = $5
	`, StatusFailed, StatusFiring)

	var next interface{}
	if nextAttemptAt != nil {
		next = nextAttemptAt.UTC()
	}

	result, err := DB.Exec(query, now.UTC(), next, reason, orderID, retryCount)
	if err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkCanceledSkip resolves a firing schedule whose underlying order was
// canceled: terminal failed, retry count untouched. Fenced on retryCount
// like the other claim resolutions.
func MarkCanceledSkip(orderID string, retryCount int, now time.Time) error {
	query := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s', next_attempt_at = NULL, claimed_at = NULL, failure_reason = 'order canceled', updated_at = $1
		WHERE order_id = $2 AND status = '%s' AND retry_count = $3
	`, StatusFailed, StatusFiring)

	result, err := DB.Exec(query, now.UTC(), orderID, retryCount)
	if err != nil {
		return fmt.Errorf("failed to mark schedule canceled: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReleaseClaim returns a firing schedule to pending without charging a
// retry, for claims a shutting-down scheduler never dispatched. The next
// scan picks the schedule up again.
func ReleaseClaim(orderID string, retryCount int, now time.Time) error {
	query := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s', claimed_at = NULL, next_attempt_at = NULL, updated_at = $1
		WHERE order_id = $2 AND status = '%s' AND retry_count = $3
	`, StatusPending, StatusFiring)

	result, err := DB.Exec(query, now.UTC(), orderID, retryCount)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ManualRetrySchedule resets a failed schedule to pending so the next
// scan picks it up. The retry ceiling is bypassed and the historical
// retry count is preserved. Returns sql.ErrNoRows when no schedule
// exists for the order, ErrNotRetryable when it is not failed.
func ManualRetrySchedule(tenantID, orderID string) error {
	schedule, err := GetSchedule(orderID)
	if err != nil {
		return err
	}
	if schedule == nil || schedule.TenantID != tenantID {
		return sql.ErrNoRows
	}
	if !CanTransition(schedule.Status, StatusPending) {
		return ErrNotRetryable
	}

	query := fmt.Sprintf(`
		UPDATE advance_order_schedules
		SET status = '%s', next_attempt_at = NULL, claimed_at = NULL, updated_at = $1
		WHERE order_id = $2 AND tenant_id = $3 AND status = '%s'
	`, StatusPending, StatusFailed)

	result, err := DB.Exec(query, time.Now().UTC(), orderID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to reset schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type ScheduleFilters struct {
	Status string
	Limit  int
	Offset int
}

// ListSchedulesWithOrders returns a tenant's schedules joined with their
// orders, newest fire time first.
func ListSchedulesWithOrders(tenantID string, filters ScheduleFilters) ([]ScheduleWithOrder, error) {
	query := `
		SELECT s.order_id, s.tenant_id, o.order_number, o.customer_name, o.total,
			s.status, s.retry_count, s.last_retry_at, s.fire_time, s.customer_desired_time
		FROM advance_order_schedules s
		JOIN orders o ON o.id = s.order_id
		WHERE s.tenant_id = $1
	`
	args := []interface{}{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND s.status = $%d", len(args))
	}

	query += " ORDER BY s.fire_time DESC"

	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedulesWithOrders(rows)
}

func CountSchedules(tenantID string, filters ScheduleFilters) (int, error) {
	query := "SELECT COUNT(*) FROM advance_order_schedules WHERE tenant_id = $1"
	args := []interface{}{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var count int
	if err := DB.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count schedules: %w", err)
	}

	return count, nil
}

// ListFailedOrders surfaces everything needing manual remediation: (a)
// schedules terminally failed at or past the retry ceiling, and (b) a
// parallel detector for unprinted, uncanceled orders older than the
// staleness cutoff regardless of schedule state.
func ListFailedOrders(tenantID string, ceiling int, staleCutoff time.Time) ([]ScheduleWithOrder, error) {
	query := fmt.Sprintf(`
		SELECT o.id, o.tenant_id, o.order_number, o.customer_name, o.total,
			COALESCE(s.status, ''), COALESCE(s.retry_count, 0), s.last_retry_at,
			COALESCE(s.fire_time, o.created_at), COALESCE(s.customer_desired_time, o.created_at)
		FROM orders o
		LEFT JOIN advance_order_schedules s ON s.order_id = o.id
		WHERE o.tenant_id = $1 AND o.canceled = FALSE
			AND (
				(s.status = '%s' AND s.retry_count >= $2)
				OR (o.printed = FALSE AND o.created_at < $3)
			)
		ORDER BY o.created_at
	`, StatusFailed)

	rows, err := DB.Query(query, tenantID, ceiling, staleCutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query failed orders: %w", err)
	}
	defer rows.Close()

	return scanSchedulesWithOrders(rows)
}

func scanSchedulesWithOrders(rows *sql.Rows) ([]ScheduleWithOrder, error) {
	results := []ScheduleWithOrder{}
	for rows.Next() {
		var row ScheduleWithOrder
		var lastRetryAt sql.NullTime

		err := rows.Scan(
			&row.OrderID,
			&row.TenantID,
			&row.OrderNumber,
			&row.CustomerName,
			&row.Total,
			&row.Status,
			&row.RetryCount,
			&lastRetryAt,
			&row.FireTime,
			&row.CustomerDesiredTime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}

		if lastRetryAt.Valid {
			row.LastRetryAt = &lastRetryAt.Time
		}

		results = append(results, row)
	}

	return results, rows.Err()
}

type ScheduleSummary struct {
	Pending int
	Firing  int
	Fired   int
	Failed  int
}

// GetScheduleSummary aggregates schedule states for a tenant.
func GetScheduleSummary(tenantID string) (*ScheduleSummary, error) {
	var query string

	if IsSQLite() {
		query = `
			SELECT
				SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) as pending,
				SUM(CASE WHEN status = 'firing' THEN 1 ELSE 0 END) as firing,
				SUM(CASE WHEN status = 'fired' THEN 1 ELSE 0 END) as fired,
				SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed
			FROM advance_order_schedules
			WHERE tenant_id = $1
		`
	} else {
		query = `
			SELECT
				COUNT(*) FILTER (WHERE status = 'pending') as pending,
				COUNT(*) FILTER (WHERE status = 'firing') as firing,
				COUNT(*) FILTER (WHERE status = 'fired') as fired,
				COUNT(*) FILTER (WHERE status = 'failed') as failed
			FROM advance_order_schedules
			WHERE tenant_id = $1
		`
	}

	summary := &ScheduleSummary{}
	var pending, firing, fired, failed sql.NullInt64
	err := DB.QueryRow(query, tenantID).Scan(&pending, &firing, &fired, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule summary: %w", err)
	}

	summary.Pending = int(pending.Int64)
	summary.Firing = int(firing.Int64)
	summary.Fired = int(fired.Int64)
	summary.Failed = int(failed.Int64)

	return summary, nil
}
