package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConsumer(handler MessageHandler) (*Consumer, *metrics.Metrics) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := &Consumer{topic: "t", handler: handler, logger: slog.Default()}
	WithMetrics(m)(&c.opts)
	return c, m
}

func consumed(m *metrics.Metrics, outcome string) float64 {
	return testutil.ToFloat64(m.KafkaMessagesTotal.WithLabelValues("t", "consumed", outcome))
}

func TestHandleCommitsHandledMessages(t *testing.T) {
	var got string
	c, m := testConsumer(func(_ context.Context, key, value []byte) error {
		got = string(key) + "=" + string(value)
		return nil
	})
	assert.True(t, c.handle(context.Background(), kafka.Message{Key: []byte("k"), Value: []byte("v")}))
	assert.Equal(t, "k=v", got)
	assert.Equal(t, 1.0, consumed(m, "ok"))
}

func TestHandleCommitsSkippedMessagesWithoutRetry(t *testing.T) {
	calls := 0
	c, m := testConsumer(func(context.Context, []byte, []byte) error {
		calls++
		return fmt.Errorf("%w: bad json", ErrSkip)
	})
	assert.True(t, c.handle(context.Background(), kafka.Message{}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, consumed(m, "skipped"))
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	calls := 0
	c, m := testConsumer(func(context.Context, []byte, []byte) error {
		calls++
		if calls < 2 {
			return errors.New("datastore busy")
		}
		return nil
	})
	assert.True(t, c.handle(context.Background(), kafka.Message{}))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1.0, consumed(m, "ok"))
}

func TestHandleLeavesFailingMessagesUncommitted(t *testing.T) {
	calls := 0
	c, m := testConsumer(func(context.Context, []byte, []byte) error {
		calls++
		return errors.New("datastore down")
	})
	assert.False(t, c.handle(context.Background(), kafka.Message{}))
	assert.Equal(t, handlerAttempts, calls)
	assert.Equal(t, 1.0, consumed(m, "error"))
}

func TestDecodeJSON(t *testing.T) {
	type drain struct {
		Role string `json:"role"`
	}
	d, err := DecodeJSON[drain]([]byte(`{"role":"tmp"}`))
	require.NoError(t, err)
	assert.Equal(t, "tmp", d.Role)

	_, err = DecodeJSON[drain]([]byte(`{`))
	assert.Error(t, err)
}
