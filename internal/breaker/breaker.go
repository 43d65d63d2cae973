// Package breaker implements the per-stage circuit breaker guarding calls to
// the orchestrator. Transitions are evaluated lazily on access against the
// wall clock; there is no background timer.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Value maps a state to its circuit_breaker_state gauge value.
func (s State) Value() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config holds the thresholds for one breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// Breaker is a single circuit breaker. All state is guarded by one mutex;
// breakers for different stages are independent instances.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
	probes      int

	now func() time.Time
}

// New creates a closed breaker. Zero or negative config values fall back to
// threshold 5, recovery 60s, and a single half-open probe.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// SetNow overrides the clock (for testing).
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// IsOpen reports whether a call should be rejected right now. It performs
// the lazy Open→HalfOpen transition once the recovery timeout has elapsed,
// and admits at most HalfOpenMaxCalls probes while half-open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()

	switch b.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxCalls {
			return true
		}
		b.probes++
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure count. A half-open breaker closes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()

	b.failures = 0
	b.probes = 0
	b.state = StateClosed
}

// RecordFailure counts a failure and opens the breaker when the threshold is
// reached. Any failure while half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()

	b.failures++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.probes = 0
	}
}

// State returns the current state after applying the lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition applies Open→HalfOpen once the recovery timeout has elapsed.
// Caller must hold the mutex.
func (b *Breaker) transition() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.probes = 0
	}
}
