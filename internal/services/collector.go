package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mallardlabs/matsledger/internal/models"
)

const DefaultBatchSize = 100

// BatchSink receives full batches drained from the collector.
type BatchSink interface {
	Submit(ctx context.Context, events []models.HarvestEvent) error
}

// EventCollector buffers harvest events and hands the whole buffer to the
// sink once it reaches the threshold. The buffer is swapped, not reused, and
// the hand-off happens under the buffer lock: events accepted while a batch
// is in flight go into the next batch and batches keep accept order.
type EventCollector struct {
	mu        sync.Mutex
	buf       []models.HarvestEvent
	threshold int
	sink      BatchSink

	ticking  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewEventCollector(sink BatchSink, threshold int) *EventCollector {
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	return &EventCollector{
		buf:       make([]models.HarvestEvent, 0, threshold),
		threshold: threshold,
		sink:      sink,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Accept buffers one event and flushes when the threshold is reached. The
// returned error is the sink's, the event itself is never rejected.
func (c *EventCollector) Accept(ctx context.Context, ev models.HarvestEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, ev)
	if len(c.buf) < c.threshold {
		return nil
	}
	return c.flushLocked(ctx)
}

// Flush hands over whatever is buffered, however small.
func (c *EventCollector) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		return nil
	}
	return c.flushLocked(ctx)
}

func (c *EventCollector) flushLocked(ctx context.Context) error {
	batch := c.buf
	c.buf = make([]models.HarvestEvent, 0, c.threshold)
	return c.sink.Submit(ctx, batch)
}

// Pending returns the number of buffered events.
func (c *EventCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// StartTicker flushes partial buffers every interval so quiet servers do
// not hold events indefinitely. A zero interval disables it.
func (c *EventCollector) StartTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	if c.ticking {
		c.mu.Unlock()
		return
	}
	c.ticking = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Flush(ctx); err != nil {
					log.Printf("[EventCollector] periodic flush: %v", err)
				}
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the ticker and flushes the remaining buffer.
func (c *EventCollector) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	ticking := c.ticking
	c.mu.Unlock()

	if ticking {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return c.Flush(ctx)
}
