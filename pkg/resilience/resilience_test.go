package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("backend down")

func fail() error { return errDown }
func succeed() error { return nil }

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := time.Unix(0, 0)
	var changes []State
	b := NewBreaker("test", BreakerConfig{
		Threshold: 2,
		Cooldown:  time.Second,
		OnChange:  func(_ string, s State) { changes = append(changes, s) },
	})
	b.now = func() time.Time { return clock }

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, Closed, b.State())
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clock = clock.Add(time.Second)
	require.NoError(t, b.Do(succeed))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, []State{Open, HalfOpen, Closed}, changes)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clock := time.Unix(0, 0)
	b := NewBreaker("test", BreakerConfig{Threshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return clock }

	_ = b.Do(fail)
	clock = clock.Add(2 * time.Second)
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Do(succeed), ErrOpen)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{Threshold: 1})
	assert.ErrorIs(t, b.Do(func() error { return context.Canceled }), context.Canceled)
	assert.Equal(t, Closed, b.State())
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var seen []int
	err := Retry(context.Background(), "op", RetryConfig{Attempts: 3, Delay: time.Millisecond}, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errDown
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", RetryConfig{Attempts: 2, Delay: time.Millisecond}, func(context.Context, int) error {
		calls++
		return errDown
	})
	assert.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "2 attempts failed")
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", RetryConfig{Attempts: 5, Delay: time.Millisecond}, func(context.Context, int) error {
		calls++
		return Permanent(errDown)
	})
	assert.Equal(t, errDown, err)
	assert.Equal(t, 1, calls)
}

func TestRetryAttemptTimeout(t *testing.T) {
	err := Retry(context.Background(), "op", RetryConfig{Attempts: 1, AttemptTimeout: 10 * time.Millisecond}, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "op", RetryConfig{Attempts: 3, Delay: time.Hour}, func(context.Context, int) error {
		return errDown
	})
	assert.ErrorIs(t, err, context.Canceled)
}
