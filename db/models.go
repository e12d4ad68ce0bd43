package db

import (
	"time"
)

// ScheduleStatus is the delivery state of an advance-order schedule.
type ScheduleStatus string

const (
	StatusPending ScheduleStatus = "pending"
	StatusFiring  ScheduleStatus = "firing"
	StatusFired   ScheduleStatus = "fired"
	StatusFailed  ScheduleStatus = "failed"
)

// ValidStatus reports whether s is one of the four known states.
func ValidStatus(s ScheduleStatus) bool {
	switch s {
	case StatusPending, StatusFiring, StatusFired, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a schedule may move from one status to
// another. Fired is terminal. Failed may only re-enter pending (manual
// retry) or firing (automatic re-claim).
func CanTransition(from, to ScheduleStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusFiring
	case StatusFiring:
		return to == StatusFired || to == StatusFailed
	case StatusFailed:
		return to == StatusPending || to == StatusFiring
	case StatusFired:
		return false
	}
	return false
}

type Order struct {
	ID           string
	TenantID     string
	OrderNumber  string
	CustomerName string
	Total        float64
	Canceled     bool
	Printed      bool
	PrintedAt    *time.Time
	CreatedAt    time.Time
}

type Schedule struct {
	OrderID             string
	TenantID            string
	FireTime            time.Time
	CustomerDesiredTime time.Time
	Status              ScheduleStatus
	RetryCount          int
	LastRetryAt         *time.Time
	NextAttemptAt       *time.Time
	ClaimedAt           *time.Time
	FailureReason       *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Terminal reports whether the schedule is out of the automatic retry
// cycle: fired, or failed with no next attempt scheduled.
func (s *Schedule) Terminal() bool {
	if s.Status == StatusFired {
		return true
	}
	return s.Status == StatusFailed && s.NextAttemptAt == nil
}

// ScheduleWithOrder is a schedule row joined with its order, as consumed
// by operator tooling.
type ScheduleWithOrder struct {
	OrderID             string
	TenantID            string
	OrderNumber         string
	CustomerName        string
	Total               float64
	Status              ScheduleStatus
	RetryCount          int
	LastRetryAt         *time.Time
	FireTime            time.Time
	CustomerDesiredTime time.Time
}

type SchemaMigration struct {
	Version   int
	AppliedAt time.Time
}
