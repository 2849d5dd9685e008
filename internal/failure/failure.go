// Package failure delivers critical build failures to whoever has to act on
// them. The build never blocks on delivery for longer than the reporter's
// timeout.
package failure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/resilience"
	"github.com/hashicorp/go-multierror"
)

// Event describes a failed build.
type Event struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Role    index.Role `json:"role"`
	BuildID string     `json:"build_id"`
	Time    time.Time  `json:"time"`
}

// Reporter receives failure events.
type Reporter interface {
	Report(ctx context.Context, e Event) error
}

// Log writes events to the structured log.
type Log struct {
	logger *slog.Logger
}

func NewLog() *Log {
	return &Log{logger: slog.Default().With("component", "failure")}
}

func (l *Log) Report(_ context.Context, e Event) error {
	l.logger.Error("index build failed",
		"code", e.Code,
		"message", e.Message,
		"role", e.Role,
		"build_id", e.BuildID,
	)
	return nil
}

// Kafka publishes events to the failure topic keyed by build id.
type Kafka struct {
	publisher kafka.Publisher
	timeout   time.Duration
}

func NewKafka(publisher kafka.Publisher, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Kafka{publisher: publisher, timeout: timeout}
}

func (k *Kafka) Report(ctx context.Context, e Event) error {
	return resilience.Retry(ctx, "failure-report", resilience.RetryConfig{Attempts: 2, AttemptTimeout: k.timeout}, func(ctx context.Context, _ int) error {
		if err := k.publisher.Publish(ctx, kafka.Event{Key: e.BuildID, Value: e}); err != nil {
			return fmt.Errorf("publishing failure of build %s: %w", e.BuildID, err)
		}
		return nil
	})
}

// Multi fans an event out to several reporters and returns their combined
// errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, e Event) error {
	var result *multierror.Error
	for _, r := range m {
		if err := r.Report(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
