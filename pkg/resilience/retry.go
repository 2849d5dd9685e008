package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

type RetryConfig struct {
	Attempts int
	// Delay before the second attempt; it doubles per attempt up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
	// AttemptTimeout bounds each call of fn when positive.
	AttemptTimeout time.Duration
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// Retry calls fn with 1-based attempt numbers until it succeeds, returns a
// Permanent error or runs out of attempts. The last error is returned
// unwrapped from Permanent.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	var err error
	delay := cfg.Delay
	for attempt := 1; ; attempt++ {
		err = call(ctx, cfg.AttemptTimeout, attempt, fn)
		if err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if attempt >= cfg.Attempts {
			return fmt.Errorf("%s: %d attempts failed: %w", name, attempt, err)
		}
		wait := jitter(delay)
		slog.Debug("retrying", "operation", name, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", name, ctx.Err(), err)
		}
		delay = min(2*delay, cfg.MaxDelay)
	}
}

func call(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx, attempt)
}

// jitter spreads d by up to 10% either way.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 10
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread)-spread)
}
