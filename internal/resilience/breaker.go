// Package resilience guards slow or failing dependencies, such as the master
// call directory, with a circuit breaker.
//
// A [Breaker] starts closed. After MaxFailures consecutive failures it opens
// and rejects calls with [ErrOpen] for Cooldown, then lets Trials trial calls
// through. All trials succeeding closes it; any trial failing re-opens it.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown has elapsed.
	Open

	// HalfOpen forwards a limited number of trial calls.
	HalfOpen
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero fields take the defaults noted below.
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Trials is the number of trial calls allowed while half-open. Default: 1.
	Trials int

	// IsFailure decides whether an error counts against the breaker. Errors it
	// rejects are returned to the caller but leave the counters alone. Nil
	// counts every non-nil error.
	IsFailure func(error) bool
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	trials      int
	isFailure   func(error) bool
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// New returns a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Trials <= 0 {
		cfg.Trials = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		trials:      cfg.Trials,
		isFailure:   cfg.IsFailure,
		now:         time.Now,
	}
}

// Do calls fn unless the breaker is open and returns fn's error.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

// admit reserves a call slot. trial reports whether the call is a half-open
// trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.inFlight = 0
		b.successes = 0
		slog.Info("resilience: breaker half-open", "name", b.name)
	}
	if b.state == HalfOpen {
		if b.inFlight+b.successes >= b.trials {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	failed := err != nil && b.isFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.inFlight--
		// A concurrent trial may already have re-opened the breaker.
		if b.state != HalfOpen {
			return
		}
		if failed {
			b.trip()
			return
		}
		if err == nil {
			b.successes++
		}
		if b.successes >= b.trials {
			b.state = Closed
			b.failures = 0
			slog.Info("resilience: breaker closed", "name", b.name)
		}
		return
	}

	switch {
	case failed:
		b.failures++
		if b.state == Closed && b.failures >= b.maxFailures {
			b.trip()
		}
	case err == nil:
		b.failures = 0
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	slog.Warn("resilience: breaker open", "name", b.name, "failures", b.failures, "cooldown", b.cooldown)
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.inFlight = 0
	b.successes = 0
}
