// Package circuitbreaker guards outbound service calls with a three-state breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the circuit rejects calls outright.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned when the half-open probe slots are taken.
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// SuccessThreshold closes the circuit after this many half-open successes.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before probing again.
	ResetTimeout time.Duration
	// HalfOpenMax caps concurrent probe calls while half-open.
	HalfOpenMax int
	// OnStateChange observes transitions.
	OnStateChange func(from, to State)
}

// DefaultConfig matches the profile used for the embedding backend.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      2,
	}
}

// Breaker trips after consecutive failures and recovers through probe calls.
type Breaker struct {
	cfg Config

	state       atomic.Int32
	lastFailure atomic.Int64

	failStreak    atomic.Int32
	successStreak atomic.Int32
	probes        atomic.Int32

	requests  atomic.Int64
	failures  atomic.Int64
	successes atomic.Int64
	rejected  atomic.Int64
}

// New builds a breaker, filling zero config fields from DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn behind the breaker. Rejected calls return ErrOpen or
// ErrProbeLimit without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		b.rejected.Add(1)
		return err
	}

	b.requests.Add(1)
	err = fn(ctx)
	if probe {
		b.probes.Add(-1)
	}
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

// admit decides whether a call may proceed and whether it occupies a probe slot.
func (b *Breaker) admit() (probe bool, err error) {
	switch b.State() {
	case StateClosed:
		return false, nil
	case StateOpen:
		if !b.resetElapsed() {
			return false, ErrOpen
		}
		b.transition(StateOpen, StateHalfOpen)
		return b.takeProbe()
	case StateHalfOpen:
		return b.takeProbe()
	}
	return false, nil
}

func (b *Breaker) takeProbe() (bool, error) {
	if b.probes.Add(1) > int32(b.cfg.HalfOpenMax) {
		b.probes.Add(-1)
		return false, ErrProbeLimit
	}
	return true, nil
}

func (b *Breaker) onSuccess() {
	b.successes.Add(1)
	switch b.State() {
	case StateClosed:
		b.failStreak.Store(0)
	case StateHalfOpen:
		if b.successStreak.Add(1) >= int32(b.cfg.SuccessThreshold) {
			b.transition(StateHalfOpen, StateClosed)
		}
	case StateOpen:
		// Only the reset timeout moves the circuit out of open.
	}
}

func (b *Breaker) onFailure() {
	b.failures.Add(1)
	b.lastFailure.Store(time.Now().UnixNano())

	switch b.State() {
	case StateClosed:
		if b.failStreak.Add(1) >= int32(b.cfg.FailureThreshold) {
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateHalfOpen, StateOpen)
	case StateOpen:
	}
}

func (b *Breaker) resetElapsed() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= b.cfg.ResetTimeout
}

// transition swaps states only when the current state still matches from.
func (b *Breaker) transition(from, to State) {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return
	}

	switch to {
	case StateClosed:
		b.failStreak.Store(0)
		b.successStreak.Store(0)
	case StateOpen:
		b.successStreak.Store(0)
	case StateHalfOpen:
		b.successStreak.Store(0)
		b.probes.Store(0)
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Reset forces the breaker back to closed and clears the streaks.
func (b *Breaker) Reset() {
	b.state.Store(int32(StateClosed))
	b.failStreak.Store(0)
	b.successStreak.Store(0)
	b.probes.Store(0)
	b.lastFailure.Store(0)
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	State       State
	Requests    int64
	Failures    int64
	Successes   int64
	Rejected    int64
	FailureRate float64
	LastFailure time.Time
	FailStreak  int32
}

// Stats returns the current counters.
func (b *Breaker) Stats() Stats {
	requests := b.requests.Load()
	failures := b.failures.Load()

	var rate float64
	if requests > 0 {
		rate = float64(failures) / float64(requests)
	}

	var last time.Time
	if nanos := b.lastFailure.Load(); nanos > 0 {
		last = time.Unix(0, nanos)
	}

	return Stats{
		State:       b.State(),
		Requests:    requests,
		Failures:    failures,
		Successes:   b.successes.Load(),
		Rejected:    b.rejected.Load(),
		FailureRate: rate,
		LastFailure: last,
		FailStreak:  b.failStreak.Load(),
	}
}
