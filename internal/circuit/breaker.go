// Package circuit implements a circuit breaker guarding outbound wire
// requests (chunk fetches, lock RPCs) against a host that has stopped
// responding, so a client can fall back to serving stale cache reads
// instead of blocking on every call.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls breaker behavior.
type Config struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which the closed-state counters reset.
	Interval time.Duration
	// Timeout the breaker stays open before probing again.
	Timeout time.Duration
	// ReadyToTrip decides when closed -> open.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
	// IsSuccessful classifies an error as a breaker-relevant failure.
	IsSuccessful func(err error) bool
}

// Counts tracks requests/successes/failures within the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	LastActivity         time.Time
}

// Breaker implements the circuit breaker pattern around a single named
// remote dependency (one per host connection in practice).
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker, applying defaults for zero-valued config
// fields.
func New(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

func defaultReadyToTrip(counts Counts) bool {
	return counts.ConsecutiveFailures >= 5
}

func defaultIsSuccessful(err error) bool {
	return err == nil
}

var (
	// ErrOpen is returned when the breaker is open and rejecting calls.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe budget is spent.
	ErrTooManyRequests = errors.New("too many requests while circuit half-open")
)

// Execute runs fn only if the breaker allows it.
func (cb *Breaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

// ExecuteWithContext runs fn with a context, same gating as Execute.
func (cb *Breaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *Breaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return ErrTooManyRequests
	}

	cb.counts.onRequest()
	return nil
}

func (cb *Breaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	if cb.config.IsSuccessful(err) {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *Breaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()
	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *Breaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()
	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState must be called with cb.mu held.
func (cb *Breaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts.clear()
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *Breaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.counts.clear()

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// State returns the breaker's current state, resolving any pending
// closed->open->half-open transition first.
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Counts returns a snapshot of the current window's counters.
func (cb *Breaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset forces the breaker back to closed.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.counts.clear()
	cb.setState(StateClosed, time.Now())
}

// Name identifies the remote dependency this breaker guards.
func (cb *Breaker) Name() string {
	return cb.name
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
