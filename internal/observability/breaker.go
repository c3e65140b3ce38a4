// Package observability carries the logging context plumbing and the
// breaker that guards the payment backend.
package observability

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the breaker's position in its open/closed cycle.
type BreakerState int

const (
	// BreakerClosed lets sends through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects sends until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial sends through; one failure reopens.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker shields the payment backend from retry storms: maxFailures
// consecutive failures open it, Allow starts refusing, and after cooldown a
// half-open trial window needs successesToClose clean sends to shut it
// again. Transient send errors go through Failure; a definitive answer from
// the backend does not trip it.
type Breaker struct {
	mu sync.Mutex

	maxFailures      int
	cooldown         time.Duration
	successesToClose int

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker builds a closed breaker. successesToClose below 1 is raised
// to 1.
func NewBreaker(maxFailures int, cooldown time.Duration, successesToClose int) *Breaker {
	if successesToClose < 1 {
		successesToClose = 1
	}
	return &Breaker{
		maxFailures:      maxFailures,
		cooldown:         cooldown,
		successesToClose: successesToClose,
	}
}

// Allow reports whether a send may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits the call as a trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.failures = 0
		b.successes = 0
		slog.Info("payment breaker half-open, trialing sends",
			slog.Duration("cooldown", b.cooldown))
		return true
	default:
		return false
	}
}

// Success records a send the backend answered.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.successesToClose {
		b.state = BreakerClosed
		b.successes = 0
		slog.Info("payment breaker closed, backend recovered")
	}
}

// Failure records a send the backend did not answer. In half-open a single
// failure reopens the breaker and restarts the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.maxFailures {
			b.trip("consecutive failures reached threshold")
		}
	case BreakerHalfOpen:
		b.trip("trial send failed")
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip(reason string) {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.successes = 0
	slog.Warn("payment breaker opened",
		slog.String("reason", reason),
		slog.Int("failures", b.failures),
		slog.Duration("cooldown", b.cooldown))
}
