package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
)

// DrainRequest asks a worker to process the next batch of a queue.
type DrainRequest struct {
	Role index.Role `json:"role"`
	Kind index.Kind `json:"kind"`
}

// Kafka hands drains to the workers consuming the drain topic. Requests for
// the same queue share a key, so one partition sees them in order.
type Kafka struct {
	publisher kafka.Publisher
}

func NewKafka(publisher kafka.Publisher) *Kafka {
	return &Kafka{publisher: publisher}
}

func (k *Kafka) Dispatch(ctx context.Context, role index.Role, kind index.Kind) error {
	err := k.publisher.Publish(ctx, kafka.Event{
		Key:   string(role) + ":" + string(kind),
		Value: DrainRequest{Role: role, Kind: kind},
	})
	if err != nil {
		return fmt.Errorf("dispatching %s/%s: %w", role, kind, err)
	}
	return nil
}

// HandleDrain returns the consumer handler that runs one batch per request.
// Malformed requests are skipped rather than redelivered.
func HandleDrain(runner Drainer) kafka.MessageHandler {
	logger := slog.Default().With("component", "drain-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		req, err := kafka.DecodeJSON[DrainRequest](value)
		if err != nil {
			return fmt.Errorf("%w: %v", kafka.ErrSkip, err)
		}
		if _, err := index.ParseRole(string(req.Role)); err != nil {
			return fmt.Errorf("%w: %v", kafka.ErrSkip, err)
		}
		if _, err := index.ParseKind(string(req.Kind)); err != nil {
			return fmt.Errorf("%w: %v", kafka.ErrSkip, err)
		}
		more, err := runner.DrainNext(ctx, req.Role, req.Kind)
		if err != nil {
			return fmt.Errorf("draining %s/%s: %w", req.Role, req.Kind, err)
		}
		logger.Debug("drain request handled", "key", string(key), "role", req.Role, "kind", req.Kind, "more", more)
		return nil
	}
}
