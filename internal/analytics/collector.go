package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
)

// Recorder consumes events in process.
type Recorder interface {
	RecordSearch(SearchEvent)
	RecordDocuments(DocumentEvent)
}

// Collector hands events to a local Recorder right away and publishes them
// to Kafka in batches, flushed when the buffer reaches batchSize or every
// flushInterval. Either side may be nil.
type Collector struct {
	publisher     kafka.Publisher
	local         Recorder
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	maxBuffer     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
	started       bool
}

func NewCollector(publisher kafka.Publisher, local Recorder, batchSize, maxBuffer int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxBuffer < batchSize {
		maxBuffer = batchSize * 3
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		publisher:     publisher,
		local:         local,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		maxBuffer:     maxBuffer,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "analytics-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop. It flushes one last time when ctx ends.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.Flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "batch_size", c.batchSize, "flush_interval", c.flushInterval)
}

func (c *Collector) TrackSearch(event SearchEvent) {
	if event.Type == "" {
		event.Type = EventSearch
		if event.Total == 0 {
			event.Type = EventZeroResult
		}
	}
	if c.local != nil {
		c.local.RecordSearch(event)
	}
	c.enqueue(kafka.Event{Key: string(event.Type), Value: event})
}

func (c *Collector) TrackDocuments(event DocumentEvent) {
	event.Type = EventDocuments
	if c.local != nil {
		c.local.RecordDocuments(event)
	}
	c.enqueue(kafka.Event{Key: string(event.Type), Value: event})
}

func (c *Collector) enqueue(event kafka.Event) {
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, event)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()
	if full {
		go c.Flush(context.Background())
	}
}

// Flush publishes buffered events. On failure they are put back, keeping at
// most maxBuffer events.
func (c *Collector) Flush(ctx context.Context) {
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("analytics flush failed", "batch_size", len(batch), "error", err)
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if len(c.buffer) > c.maxBuffer {
			dropped := len(c.buffer) - c.maxBuffer
			c.buffer = c.buffer[:c.maxBuffer]
			c.logger.Warn("analytics buffer overflow, events dropped", "dropped", dropped)
		}
		c.mu.Unlock()
	}
}

// BufferLen returns the number of events waiting to be published.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Close waits for the flush loop started by Start to finish.
func (c *Collector) Close() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}
