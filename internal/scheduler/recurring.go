package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
)

// Builder starts full builds.
type Builder interface {
	PrepareBuild(ctx context.Context) (*status.Record, error)
	BuildProcess(ctx context.Context) error
}

// Beater runs the stall check.
type Beater interface {
	Heartbeat(ctx context.Context) error
}

// Recurring starts a full rebuild at StartHour and then every Interval.
type Recurring struct {
	builder   Builder
	interval  time.Duration
	startHour int
	logger    *slog.Logger
	now       func() time.Time
}

func NewRecurring(builder Builder, interval time.Duration, startHour int) *Recurring {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Recurring{
		builder:   builder,
		interval:  interval,
		startHour: startHour,
		logger:    slog.Default().With("component", "rebuild-scheduler"),
		now:       time.Now,
	}
}

// NextRun returns the first run time strictly after now.
func (r *Recurring) NextRun(now time.Time) time.Time {
	first := time.Date(now.Year(), now.Month(), now.Day(), r.startHour, 0, 0, 0, now.Location())
	if first.After(now) {
		return first
	}
	elapsed := now.Sub(first)
	steps := elapsed/r.interval + 1
	return first.Add(steps * r.interval)
}

// Run blocks until ctx is cancelled.
func (r *Recurring) Run(ctx context.Context) error {
	for {
		next := r.NextRun(r.now())
		r.logger.Info("next rebuild scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		r.Trigger(ctx)
	}
}

// Trigger runs one full rebuild. A build that is still running is left
// alone.
func (r *Recurring) Trigger(ctx context.Context) {
	rec, err := r.builder.PrepareBuild(ctx)
	if apperrors.Is(err, apperrors.ErrBuildInFlight) {
		r.logger.Info("rebuild skipped, build in flight")
		return
	}
	if err != nil {
		r.logger.Error("preparing rebuild failed", "error", err)
		return
	}
	r.logger.Info("rebuild started", "build_id", rec.BuildID, "role", rec.Role)
	if err := r.builder.BuildProcess(ctx); err != nil {
		r.logger.Error("rebuild failed", "build_id", rec.BuildID, "error", err)
	}
}

// Heartbeat calls Beater.Heartbeat every interval until ctx is cancelled.
func Heartbeat(ctx context.Context, b Beater, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	logger := slog.Default().With("component", "heartbeat")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Heartbeat(ctx); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
