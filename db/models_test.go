package db

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ScheduleStatus
		want     bool
	}{
		{StatusPending, StatusFiring, true},
		{StatusPending, StatusFired, false},
		{StatusPending, StatusFailed, false},
		{StatusFiring, StatusFired, true},
		{StatusFiring, StatusFailed, true},
		{StatusFiring, StatusPending, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusFiring, true},
		{StatusFailed, StatusFired, false},
		{StatusFired, StatusPending, false},
		{StatusFired, StatusFiring, false},
		{StatusFired, StatusFailed, false},
		{ScheduleStatus("bogus"), StatusFiring, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestScheduleTerminal(t *testing.T) {
	next := time.Now().UTC()

	tests := []struct {
		name     string
		schedule Schedule
		want     bool
	}{
		{"fired", Schedule{Status: StatusFired}, true},
		{"failed without next attempt", Schedule{Status: StatusFailed}, true},
		{"failed awaiting retry", Schedule{Status: StatusFailed, NextAttemptAt: &next}, false},
		{"pending", Schedule{Status: StatusPending}, false},
		{"firing", Schedule{Status: StatusFiring}, false},
	}

	for _, tt := range tests {
		if got := tt.schedule.Terminal(); got != tt.want {
			t.Errorf("%s: Terminal() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
