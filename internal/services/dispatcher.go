package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mallardlabs/matsledger/internal/audit"
	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/mallardlabs/matsledger/internal/spool"
)

const (
	replayPageSize           = 50
	defaultMaxReplayAttempts = 10
)

// BatchSpool is the fallback log for batches that exhausted their retries.
type BatchSpool interface {
	Append(ctx context.Context, batchID string, events []models.HarvestEvent, reason string) error
	Pending(ctx context.Context, limit int) ([]spool.Batch, error)
	Remove(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64) error
	DeadLetter(ctx context.Context, id int64, reason string) error
}

type DispatcherConfig struct {
	MaxRetries        int
	Backoff           time.Duration
	Async             bool
	QueueDepth        int
	// MaxReplayAttempts bounds how often a spooled batch is replayed before
	// it is dead-lettered.
	MaxReplayAttempts int
}

// FlushError reports a batch that could not be written after all retries.
// Spooled tells whether it was saved to the fallback log for replay.
type FlushError struct {
	BatchID string
	Events  int
	Spooled bool
	Err     error
}

func (e *FlushError) Error() string {
	if e.Spooled {
		return fmt.Sprintf("batch %s (%d events) spooled for replay: %v", e.BatchID, e.Events, e.Err)
	}
	return fmt.Sprintf("batch %s (%d events) lost: %v", e.BatchID, e.Events, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

type pendingBatch struct {
	id     string
	events []models.HarvestEvent
}

// FlushDispatcher sits between the collector and the flusher. It retries
// failed batches with linear backoff, spools what still fails and replays the
// spool once the store accepts writes again. In async mode a single worker
// drains an ordered queue so batches reach storage in accept order.
type FlushDispatcher struct {
	flusher Flusher
	spool   BatchSpool
	audit   *audit.AuditLogger
	cfg     DispatcherConfig

	mu      sync.RWMutex
	closed  bool
	queue   chan pendingBatch
	done    chan struct{}
	started atomic.Bool
	spooled atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFlushDispatcher builds a dispatcher. spool may be nil, in which case a
// batch that exhausts its retries is escalated straight away.
func NewFlushDispatcher(flusher Flusher, batchSpool BatchSpool, auditLogger *audit.AuditLogger, cfg DispatcherConfig) *FlushDispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxReplayAttempts <= 0 {
		cfg.MaxReplayAttempts = defaultMaxReplayAttempts
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger()
	}
	d := &FlushDispatcher{
		flusher: flusher,
		spool:   batchSpool,
		audit:   auditLogger,
		cfg:     cfg,
		queue:   make(chan pendingBatch, cfg.QueueDepth),
		done:    make(chan struct{}),
		sleep:   sleepContext,
	}
	if batchSpool != nil {
		// anything left from a previous run is replayed on Start
		d.spooled.Store(true)
	}
	return d
}

// Submit hands a drained batch over for writing.
func (d *FlushDispatcher) Submit(ctx context.Context, events []models.HarvestEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := pendingBatch{id: uuid.NewString(), events: events}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.cfg.Async || d.closed || !d.started.Load() {
		return d.deliver(ctx, batch)
	}

	select {
	case d.queue <- batch:
		return nil
	case <-ctx.Done():
		return d.escalate(context.WithoutCancel(ctx), batch, ctx.Err())
	}
}

// Start replays the spool and, in async mode, launches the flush worker.
func (d *FlushDispatcher) Start(ctx context.Context) {
	if !d.cfg.Async {
		if _, err := d.ReplaySpool(ctx); err != nil {
			log.Printf("[FlushDispatcher] Start - spool replay failed: %v", err)
		}
		return
	}
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run(context.WithoutCancel(ctx))
	log.Println("[FlushDispatcher] worker started")
}

// Stop drains the queue and waits for the worker to finish.
func (d *FlushDispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	if d.started.Load() {
		<-d.done
	}
	log.Println("[FlushDispatcher] worker stopped")
}

func (d *FlushDispatcher) run(ctx context.Context) {
	defer close(d.done)

	if _, err := d.ReplaySpool(ctx); err != nil {
		log.Printf("[FlushDispatcher] run - spool replay failed: %v", err)
	}

	for batch := range d.queue {
		if err := d.deliver(ctx, batch); err != nil {
			log.Printf("[FlushDispatcher] run - %v", err)
		}
	}
}

func (d *FlushDispatcher) deliver(ctx context.Context, batch pendingBatch) error {
	var lastErr error
	attempts := d.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := d.flusher.Flush(ctx, batch.events)
		if err == nil {
			log.Printf("[FlushDispatcher] deliver - batch %s written, %d rows affected", batch.id, n)
			d.replayIfSpooled(ctx)
			return nil
		}
		lastErr = err
		log.Printf("[FlushDispatcher] deliver - batch %s attempt %d/%d failed: %v", batch.id, attempt, attempts, err)

		if !isTransient(err) || attempt == attempts {
			break
		}
		if err := d.sleep(ctx, d.cfg.Backoff*time.Duration(attempt)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	return d.escalate(context.WithoutCancel(ctx), batch, lastErr)
}

func (d *FlushDispatcher) escalate(ctx context.Context, batch pendingBatch, cause error) error {
	flushErr := &FlushError{BatchID: batch.id, Events: len(batch.events), Err: cause}

	if d.spool != nil {
		spoolErr := d.spool.Append(ctx, batch.id, batch.events, cause.Error())
		if spoolErr == nil {
			d.spooled.Store(true)
			flushErr.Spooled = true
			log.Printf("[FlushDispatcher] escalate - batch %s spooled after failure: %v", batch.id, cause)
			return flushErr
		}
		flushErr.Err = errors.Join(cause, spoolErr)
	}

	log.Printf("[FlushDispatcher] CRITICAL - batch %s with %d events could not be written or spooled: %v",
		batch.id, len(batch.events), flushErr.Err)
	d.audit.LogFlushEscalation(batch.id, len(batch.events), flushErr.Err)
	return flushErr
}

func (d *FlushDispatcher) replayIfSpooled(ctx context.Context) {
	if d.spool == nil || !d.spooled.Load() {
		return
	}
	if _, err := d.ReplaySpool(ctx); err != nil {
		log.Printf("[FlushDispatcher] replay - %v", err)
	}
}

// ReplaySpool writes spooled batches oldest first. A transient failure stops
// the replay and leaves the rest for a later attempt. A batch the store
// rejects outright, or one that has used up its replay attempts, is
// dead-lettered and escalated so it no longer blocks the batches behind it.
func (d *FlushDispatcher) ReplaySpool(ctx context.Context) (int, error) {
	if d.spool == nil {
		return 0, nil
	}

	replayed := 0
	for {
		batches, err := d.spool.Pending(ctx, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("failed to read spool: %w", err)
		}
		if len(batches) == 0 {
			d.spooled.Store(false)
			if replayed > 0 {
				log.Printf("[FlushDispatcher] ReplaySpool - %d spooled batches written", replayed)
			}
			return replayed, nil
		}

		for _, b := range batches {
			_, err := d.flusher.Flush(ctx, b.Events)
			if err == nil {
				if err := d.spool.Remove(ctx, b.ID); err != nil {
					return replayed, fmt.Errorf("failed to remove replayed batch %s: %w", b.BatchID, err)
				}
				replayed++
				continue
			}

			if !isTransient(err) || b.Attempts+1 >= d.cfg.MaxReplayAttempts {
				if dlErr := d.deadLetter(ctx, b, err); dlErr != nil {
					return replayed, dlErr
				}
				continue
			}

			if markErr := d.spool.MarkAttempt(ctx, b.ID); markErr != nil {
				log.Printf("[FlushDispatcher] ReplaySpool - mark attempt %s: %v", b.BatchID, markErr)
			}
			return replayed, fmt.Errorf("replay of batch %s failed: %w", b.BatchID, err)
		}
	}
}

func (d *FlushDispatcher) deadLetter(ctx context.Context, b spool.Batch, cause error) error {
	if err := d.spool.DeadLetter(ctx, b.ID, cause.Error()); err != nil {
		return fmt.Errorf("failed to dead-letter batch %s: %w", b.BatchID, errors.Join(cause, err))
	}
	log.Printf("[FlushDispatcher] CRITICAL - spooled batch %s with %d events dead-lettered after %d attempts: %v",
		b.BatchID, len(b.Events), b.Attempts+1, cause)
	d.audit.LogFlushEscalation(b.BatchID, len(b.Events), cause)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
