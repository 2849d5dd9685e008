package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// handlerAttempts bounds how often one message is handed to the handler
// before it is left uncommitted for redelivery.
const handlerAttempts = 3

// Consumer reads a topic as a member of the configured consumer group.
type Consumer struct {
	reader  *kafka.Reader
	topic   string
	handler MessageHandler
	opts    options
	logger  *slog.Logger
}

func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...Option) *Consumer {
	c := &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			StartOffset: kafka.FirstOffset,
		}),
		topic:   topic,
		handler: handler,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// Start consumes until ctx is done and then closes the reader. Handled and
// skipped messages are committed; failing ones are retried a few times and
// then left for redelivery.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping")
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		if c.handle(ctx, msg) {
			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to commit", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			}
		}
	}
}

// handle reports whether msg may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	err := resilience.Retry(ctx, "consume:"+c.topic, resilience.RetryConfig{
		Attempts: handlerAttempts,
		Delay:    200 * time.Millisecond,
	}, func(ctx context.Context, _ int) error {
		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			if errors.Is(err, ErrSkip) {
				return resilience.Permanent(err)
			}
			return err
		}
		return nil
	})
	switch {
	case err == nil:
		c.opts.count(c.topic, "consumed", "ok", 1)
		return true
	case errors.Is(err, ErrSkip):
		c.opts.count(c.topic, "consumed", "skipped", 1)
		c.logger.Warn("skipping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return true
	default:
		c.opts.count(c.topic, "consumed", "error", 1)
		c.logger.Error("failed to process message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return false
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
