// Package resilience wraps calls to optional backends: a breaker that fails
// fast while a backend is down and a retry loop with capped backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the backend while a breaker is open.
var ErrOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

type BreakerConfig struct {
	// Threshold consecutive failures open the breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before letting a
	// single probe through.
	Cooldown time.Duration
	// OnChange, if set, observes every state transition.
	OnChange func(name string, s State)
}

// Breaker is safe for concurrent use. Context cancellations are not counted
// as backend failures.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	now      func() time.Time
	logger   *slog.Logger
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "breaker", "name", name),
	}
}

// Do calls fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s, retry in %v", ErrOpen, b.name, wait.Round(time.Millisecond))
		}
		b.transition(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %s, probe in flight", ErrOpen, b.name)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if err == nil {
			b.failures = 0
			if b.state != Closed {
				b.transition(Closed)
			}
		}
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		if b.state != Open {
			b.logger.Warn("breaker opened", "failures", b.failures, "error", err)
		}
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if s == Closed {
		b.logger.Info("breaker closed")
	}
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(b.name, s)
	}
}
