package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Producer writes events synchronously, hashing keys to partitions so all
// events of one key stay ordered.
type Producer struct {
	writer *kafka.Writer
	opts   options
	logger *slog.Logger
}

func NewProducer(cfg config.KafkaConfig, topic string, opts ...Option) *Producer {
	p := &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			MaxAttempts:            3,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

func (p *Producer) Publish(ctx context.Context, event Event) error {
	return p.PublishBatch(ctx, []Event{event})
}

// PublishBatch writes events in one call. Nothing is written when any value
// fails to encode.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, e := range events {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("encoding event %q: %w", e.Key, err)
		}
		msgs[i] = kafka.Message{
			Key:     []byte(e.Key),
			Value:   value,
			Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.opts.count(p.writer.Topic, "produced", "error", len(msgs))
		p.logger.Error("failed to publish", "count", len(msgs), "error", err)
		return fmt.Errorf("publishing to %s: %w", p.writer.Topic, err)
	}
	p.opts.count(p.writer.Topic, "produced", "ok", len(msgs))
	p.logger.Debug("published", "count", len(msgs))
	return nil
}

func (p *Producer) Topic() string {
	return p.writer.Topic
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}
