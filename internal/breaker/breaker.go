// Package breaker implements a three-state circuit breaker around the
// knowledge-base backend.
package breaker

import (
	"sync"
	"time"

	"github.com/docrag/intake/internal/intake"
)

// State is the breaker's current mode.
type State string

// Breaker states. Closed admits calls, Open refuses them, HalfOpen admits
// a single trial call after the open period elapses.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	RetryAfter          time.Duration `json:"-"`
}

// Breaker counts consecutive backend failures and refuses calls once the
// threshold is reached. After openFor elapses, exactly one caller gets a
// trial permit; its outcome decides whether the breaker closes or reopens.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	openFor   time.Duration
	openedAt  time.Time
	trialOut  bool
	clock     intake.Clock
}

// New builds a closed Breaker. A non-positive threshold disables tripping.
func New(threshold int, openFor time.Duration, clock intake.Clock) *Breaker {
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		openFor:   openFor,
		clock:     clock,
	}
}

// Allow reports whether a backend call may proceed. While open it returns
// ErrBreakerOpen until the open period elapses; the first caller after that
// takes the half-open trial permit and later callers are refused until the
// trial resolves.
func (b *Breaker) Allow() error {
	if b.threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.openFor {
			return intake.ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.trialOut = true
		return nil
	default: // half open
		if b.trialOut {
			return intake.ErrBreakerOpen
		}
		b.trialOut = true
		return nil
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
	b.trialOut = false
}

// RecordFailure counts a backend failure. A failed half-open trial reopens
// immediately; in closed state the breaker trips at the threshold.
func (b *Breaker) RecordFailure() {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
		b.trialOut = false
	}
}

// Reset forces the breaker closed, for the operator reset endpoint.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}

// Snapshot returns current state for /health and /status.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.threshold,
	}
	if b.state == StateOpen {
		opened := b.openedAt
		st.OpenedAt = &opened
		if remaining := b.openFor - b.clock.Now().Sub(b.openedAt); remaining > 0 {
			st.RetryAfter = remaining
		}
	}
	return st
}
