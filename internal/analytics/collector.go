package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quickreply/quickreply/pkg/kafka"
)

// Publisher writes batches of events to the analytics topic.
// *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Recorder consumes events in-process.
type Recorder interface {
	Record(event any)
}

// Collector fans tracked events out to a local Recorder and, when a
// publisher is configured, to Kafka in batches. Tracking never blocks: when
// the buffer is full the event is dropped.
type Collector struct {
	publisher     Publisher
	recorder      Recorder
	eventCh       chan any
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewCollector creates a collector. publisher and recorder may be nil.
func NewCollector(publisher Publisher, recorder Recorder, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		publisher:     publisher,
		recorder:      recorder,
		eventCh:       make(chan any, bufferSize),
		batchSize:     100,
		flushInterval: time.Second,
		logger:        slog.Default().With("component", "analytics-collector"),
		done:          make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		batch := make([]kafka.Event, 0, c.batchSize)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					c.flush(context.Background(), batch)
					return
				}
				batch = c.add(ctx, batch, event)
			case <-ticker.C:
				batch = c.flush(ctx, batch)
			case <-ctx.Done():
				batch = c.drainRemaining(batch)
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx, batch)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started",
		"buffer_size", cap(c.eventCh),
		"publishing", c.publisher != nil,
	)
}

// Track queues an event. Events tracked after Close are dropped.
func (c *Collector) Track(event any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.logger.Debug("analytics event dropped (collector closed)")
		return
	}
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events, flushes what is buffered and waits for the
// collector loop to exit. Start must have been called.
func (c *Collector) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.eventCh)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Collector) add(ctx context.Context, batch []kafka.Event, event any) []kafka.Event {
	if c.recorder != nil {
		c.recorder.Record(event)
	}
	if c.publisher == nil {
		return batch
	}
	batch = append(batch, kafka.Event{Key: eventKey(event), Value: event})
	if len(batch) >= c.batchSize {
		return c.flush(ctx, batch)
	}
	return batch
}

func (c *Collector) flush(ctx context.Context, batch []kafka.Event) []kafka.Event {
	if len(batch) == 0 || c.publisher == nil {
		return batch[:0]
	}
	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("failed to publish analytics events", "count", len(batch), "error", err)
	} else {
		c.logger.Debug("analytics events published", "count", len(batch))
	}
	return batch[:0]
}

func (c *Collector) drainRemaining(batch []kafka.Event) []kafka.Event {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return batch
			}
			batch = c.add(context.Background(), batch, event)
		default:
			return batch
		}
	}
}

func eventKey(event any) string {
	switch e := event.(type) {
	case SearchEvent:
		return e.CategoryType + "/" + e.Category
	case UsageEvent:
		return e.CategoryType + "/" + e.Category
	case ChangeEvent:
		return e.CategoryType
	default:
		return "analytics"
	}
}
