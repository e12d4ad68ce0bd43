// Package backoff holds the retry decision logic for failed dispatch
// attempts. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"time"
)

const (
	// DefaultCeiling is the number of automatic attempts before a
	// schedule is declared terminally failed.
	DefaultCeiling = 3

	DefaultInitialDelay = 30 * time.Second
	DefaultMaxDelay     = 10 * time.Minute
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt, capped at Max.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Action is the retry policy's verdict on a failed attempt.
type Action struct {
	Retry bool
	Delay time.Duration
}

// Policy decides what happens after a failed dispatch attempt. NACK and
// TIMEOUT share the same curve: a persistently malformed payload and a
// persistently offline device both need human attention after the
// ceiling.
type Policy struct {
	Ceiling  int
	Strategy Strategy
}

// DefaultPolicy returns the policy used by the dispatcher: ceiling 3,
// exponential backoff from 30s capped at 10m.
func DefaultPolicy() *Policy {
	return &Policy{
		Ceiling:  DefaultCeiling,
		Strategy: NewExponential(DefaultInitialDelay, DefaultMaxDelay),
	}
}

// NextAction decides, given the retry count AFTER the current failure
// has been counted, whether to schedule another automatic attempt.
func (p *Policy) NextAction(retryCount int) Action {
	if retryCount >= p.Ceiling {
		return Action{Retry: false}
	}
	return Action{Retry: true, Delay: p.Strategy.Delay(retryCount)}
}
