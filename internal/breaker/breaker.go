// Package breaker implements the per-target circuit breaker (spec:
// FailureProtector) that isolates the export gateway from a misbehaving
// downstream sink.
//
// # State machine
//
//	Closed ──(consecutive_failures >= FailureThreshold)──► Open
//	  ▲                                                       │
//	  │                                         (RecoveryTimeout elapsed)
//	  │                                                       ▼
//	  └──(HalfOpenRequests consecutive successes)────────HalfOpen
//	                                         (any failure) ──► Open
//
// Unlike a sliding-window error-rate breaker, the trip condition here is a
// plain consecutive-failure counter: the spec's boundary test requires the
// breaker to stay Closed at failure_count == threshold-1 and trip at
// exactly threshold, which a rate computed over a window cannot guarantee
// under sparse traffic.
//
// # Concurrency
//
// All public methods are safe for concurrent use; they acquire the
// internal mutex for every call. The Registry uses a separate read-write
// mutex so that the common read path (Get for an existing breaker) does
// not contend with the rare write path (new target registered).
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Requests are rejected
	StateHalfOpen               // Limited probe requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration. These fields map
// directly to spec.md's FailureProtector configuration knobs.
type Config struct {
	FailureThreshold      int           // consecutive failures to trip the breaker
	RecoveryTimeout       time.Duration // how long the breaker stays open before probing
	HalfOpenRequests      int           // number of probe requests allowed in half-open
	MaxConsecutiveFailures int          // hard cap on the consecutive-failure counter; 0 = unbounded
}

// maxFailureHistory bounds the ring buffer of recent failure timestamps.
const maxFailureHistory = 256

// Breaker is a per-target circuit breaker.
type Breaker struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	consecutiveFails  int
	totalFailures     int64
	totalSuccesses    int64
	lastFailureTime   time.Time
	stateChangeTime   time.Time
	halfOpenAttempts  int
	halfOpenSucceeded int
	failureHistory    []time.Time // ring buffer of recent failure timestamps
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Breaker{
		cfg:             cfg,
		stateChangeTime: time.Now(),
	}
}

// CanExecute reports whether a request should be allowed through the
// breaker. If Open and the recovery timeout has elapsed, it transitions to
// HalfOpen and admits the probe. In HalfOpen it admits at most
// HalfOpenRequests probes.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.stateChangeTime) >= b.cfg.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenAttempts++
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenAttempts < b.cfg.HalfOpenRequests {
			b.halfOpenAttempts++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful invocation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.halfOpenSucceeded++
		if b.halfOpenAttempts >= b.cfg.HalfOpenRequests && b.halfOpenSucceeded >= b.cfg.HalfOpenRequests {
			b.transitionTo(StateClosed)
			b.consecutiveFails = 0
		}
	}
}

// RecordFailure records a failed invocation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalFailures++
	b.lastFailureTime = now
	b.failureHistory = append(b.failureHistory, now)
	if len(b.failureHistory) > maxFailureHistory {
		b.failureHistory = b.failureHistory[len(b.failureHistory)-maxFailureHistory:]
	}

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.cfg.MaxConsecutiveFailures > 0 && b.consecutiveFails > b.cfg.MaxConsecutiveFailures {
			b.consecutiveFails = b.cfg.MaxConsecutiveFailures
		}
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Probe failed, reopen immediately.
		b.transitionTo(StateOpen)
	}
}

// transitionTo changes state and resets half-open bookkeeping. Must be
// called under lock.
func (b *Breaker) transitionTo(s State) {
	b.state = s
	b.stateChangeTime = time.Now()
	if s == StateHalfOpen || s == StateOpen {
		b.halfOpenAttempts = 0
		b.halfOpenSucceeded = 0
	}
}

// State returns the current breaker state, applying the automatic
// Open -> HalfOpen transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.stateChangeTime) >= b.cfg.RecoveryTimeout {
		b.transitionTo(StateHalfOpen)
	}
	return b.state
}

// Snapshot describes the breaker's counters for observability/admin APIs.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       int64
	TotalSuccesses      int64
	LastFailureTime      time.Time
	StateChangeTime      time.Time
	HalfOpenAttempts     int
}

// Snapshot returns a point-in-time copy of the breaker's internal counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFails,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		LastFailureTime:     b.lastFailureTime,
		StateChangeTime:     b.stateChangeTime,
		HalfOpenAttempts:    b.halfOpenAttempts,
	}
}

// FailureRateSince returns the number of recorded failures (from the
// bounded ring buffer) that occurred at or after since. Used for windowed
// failure-rate queries independent of the trip decision itself.
func (b *Breaker) FailureRateSince(since time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, t := range b.failureHistory {
		if !t.Before(since) {
			count++
		}
	}
	return count
}

// Reset forces the breaker back to Closed, clearing the consecutive-failure
// and half-open counters; lifetime totals and the failure history are kept. Used by
// admin-level overrides (spec: resetFailureProtector/resetAll).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenAttempts = 0
	b.halfOpenSucceeded = 0
	b.stateChangeTime = time.Now()
}

// Registry holds per-target circuit breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[int64]*Breaker
}

// NewRegistry creates a new breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[int64]*Breaker),
	}
}

// Get returns the breaker for a target, creating one with cfg if absent.
func (r *Registry) Get(targetID int64, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[targetID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[targetID]; ok {
		return b
	}
	b = New(cfg)
	r.breakers[targetID] = b
	return b
}

// Remove deletes the breaker for a target (e.g. target deleted/disabled).
func (r *Registry) Remove(targetID int64) {
	r.mu.Lock()
	delete(r.breakers, targetID)
	r.mu.Unlock()
}

// ResetAll forces every registered breaker back to Closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshot returns a map of target ID to breaker state string, for
// observability endpoints.
func (r *Registry) Snapshot() map[int64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}
