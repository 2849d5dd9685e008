// Package kafka moves JSON events over segmentio/kafka-go: drain requests
// between build workers, build failure reports and search analytics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
)

// Event is one message to publish. Key picks the partition; Value is encoded
// as JSON.
type Event struct {
	Key   string
	Value any
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	PublishBatch(ctx context.Context, events []Event) error
}

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// ErrSkip tells the consumer to commit a message it could not use, such as
// one that failed to decode, instead of retrying it.
var ErrSkip = errors.New("skip message")

func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}

type options struct {
	metrics *metrics.Metrics
}

type Option func(*options)

// WithMetrics counts produced and consumed messages per topic and outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func (o options) count(topic, direction, outcome string, n int) {
	if o.metrics != nil && n > 0 {
		o.metrics.KafkaMessagesTotal.WithLabelValues(topic, direction, outcome).Add(float64(n))
	}
}
