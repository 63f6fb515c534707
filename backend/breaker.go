package backend

import (
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned without a network call while the breaker is open.
var ErrUnavailable = errors.New("backend: circuit open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // one trial call at a time
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker stops calling the generator after consecutive transport or 5xx
// failures, and lets one trial call through once the reset period has elapsed.
// Application errors (error envelopes, 4xx, invalid plans) do not count.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	probing   bool
	lastFail  time.Time
	threshold int
	reset     time.Duration
	now       func() time.Time
}

// NewBreaker returns a breaker that opens after threshold consecutive
// failures. Non-positive values take 5 failures and 30s.
func NewBreaker(threshold int, reset time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 30 * time.Second
	}
	return &Breaker{threshold: threshold, reset: reset, now: time.Now}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// allow reports whether a call may proceed. In half-open state only one
// trial call is in flight at a time.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = b.now()
	b.probing = false
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

// release ends a trial call that neither succeeded nor failed, such as a call
// cancelled by its caller. Safe on a nil Breaker.
func (b *Breaker) release() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// must hold mu
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFail) >= b.reset {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}
