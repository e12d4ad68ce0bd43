package backoff_test

import (
	"testing"
	"time"

	"pos-dispatch-api/backoff"
)

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestExponential_MonotonicallyNonDecreasing(t *testing.T) {
	e := backoff.NewExponential(500*time.Millisecond, 2*time.Minute)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := e.Delay(attempt)
		if d < prev {
			t.Errorf("Delay(%d) = %v < Delay(%d) = %v, backoff must not decrease", attempt, d, attempt-1, prev)
		}
		if d > 2*time.Minute {
			t.Errorf("Delay(%d) = %v exceeds configured max", attempt, d)
		}
		prev = d
	}
}

func TestPolicy_RetriesBelowCeiling(t *testing.T) {
	p := backoff.Policy{Ceiling: 3, Strategy: backoff.NewExponential(time.Second, time.Minute)}

	for retryCount := 1; retryCount < 3; retryCount++ {
		action := p.NextAction(retryCount)
		if !action.Retry {
			t.Errorf("NextAction(%d).Retry = false, want true below ceiling", retryCount)
		}
		if action.Delay <= 0 {
			t.Errorf("NextAction(%d).Delay = %v, want positive", retryCount, action.Delay)
		}
	}
}

func TestPolicy_TerminalAtCeiling(t *testing.T) {
	p := backoff.Policy{Ceiling: 3, Strategy: backoff.NewExponential(time.Second, time.Minute)}

	for _, retryCount := range []int{3, 4, 10} {
		if action := p.NextAction(retryCount); action.Retry {
			t.Errorf("NextAction(%d).Retry = true, want terminal at or past ceiling", retryCount)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := backoff.DefaultPolicy()

	if p.Ceiling != 3 {
		t.Errorf("DefaultPolicy().Ceiling = %d, want 3", p.Ceiling)
	}

	action := p.NextAction(1)
	if !action.Retry {
		t.Error("DefaultPolicy().NextAction(1).Retry = false, want true")
	}
	if action.Delay != 30*time.Second {
		t.Errorf("DefaultPolicy().NextAction(1).Delay = %v, want 30s", action.Delay)
	}
}
