// Package logpipe is the asynchronous request log pipeline. Request
// handling enqueues small log items; a background worker batches them into
// SQLite on a short interval. The queue is bounded, with a configurable
// back-pressure strategy, so a slow disk degrades logging rather than
// request latency.
package logpipe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mosaic-hq/mosaic/pkg/config"
)

// batchEWMAAlpha weights the batch latency average toward recent batches.
const batchEWMAAlpha = 0.3

// Gauges is the metrics surface the pipeline feeds. Nil-safe via the
// pipeline, so tests run without a metrics registry.
type Gauges interface {
	SetQueueDepth(depth int)
	IncQueueDropped()
}

// Pipeline is the bounded queue plus its background writer.
type Pipeline struct {
	store  *Store
	cfg    config.QueueConfig
	gauges Gauges
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*item
	closed  bool
	retryAt time.Time

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	statsMu         sync.Mutex
	processed       int64
	failed          int64
	dropped         int64
	lastProcessedAt time.Time
	avgBatchMS      float64
	lastWriteFailed bool
}

// NewPipeline creates a pipeline writing to store. gauges may be nil.
func NewPipeline(store *Store, cfg config.QueueConfig, gauges Gauges) *Pipeline {
	return &Pipeline{
		store:  store,
		cfg:    cfg,
		gauges: gauges,
		logger: slog.Default().With("component", "logpipe"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the background writer. With the queue disabled, every
// enqueue writes synchronously on the caller's goroutine and there is no
// writer to launch.
func (p *Pipeline) Start() {
	if !p.cfg.Enabled {
		p.logger.Info("request log queue disabled, writing synchronously")
		return
	}
	p.wg.Add(1)
	go p.run()
	p.logger.Info("log pipeline started",
		"capacity", p.cfg.MaxCapacity,
		"batch_size", p.cfg.BatchSize,
		"interval_ms", p.cfg.ProcessingIntervalMS,
		"full_strategy", p.cfg.FullStrategy,
	)
}

// EnqueueInsert queues the creation row for a request. It reports whether
// the item was accepted.
func (p *Pipeline) EnqueueInsert(r *RequestLog) bool {
	return p.enqueue(&item{op: opInsert, record: r})
}

// EnqueueUpdate queues the completion row for a request.
func (p *Pipeline) EnqueueUpdate(r *RequestLog) bool {
	return p.enqueue(&item{op: opUpdate, record: r})
}

func (p *Pipeline) enqueue(it *item) bool {
	if !p.cfg.Enabled {
		return p.writeSync(it)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}

	if len(p.queue) >= p.cfg.MaxCapacity {
		switch p.cfg.FullStrategy {
		case config.StrategyRejectNew:
			p.mu.Unlock()
			p.noteDropped(1)
			return false

		case config.StrategyBlock:
			// Deliberately unbounded growth; the operator chose latency
			// of memory over losing log rows.

		default: // drop_oldest
			// If the evicted head was an insert, its later update lands
			// on a missing row and updates nothing. That is acceptable
			// loss under saturation.
			p.queue = p.queue[1:]
			p.noteDropped(1)
		}
	}

	p.queue = append(p.queue, it)
	depth := len(p.queue)
	p.mu.Unlock()

	if p.gauges != nil {
		p.gauges.SetQueueDepth(depth)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// writeSync lands one item directly, bypassing the queue.
func (p *Pipeline) writeSync(it *item) bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if it.op == opInsert {
		err = p.store.InsertBatch(ctx, []*RequestLog{it.record})
	} else {
		err = p.store.UpdateByRequestID(ctx, it.record)
	}

	p.statsMu.Lock()
	if err != nil {
		p.failed++
		p.lastWriteFailed = true
	} else {
		p.processed++
		p.lastProcessedAt = time.Now().UTC()
		p.lastWriteFailed = false
	}
	p.statsMu.Unlock()

	if err != nil {
		p.logger.Error("synchronous request log write failed",
			"request_id", it.record.RequestID, "error", err)
		return false
	}
	return true
}

func (p *Pipeline) noteDropped(n int) {
	p.statsMu.Lock()
	p.dropped += int64(n)
	p.statsMu.Unlock()
	if p.gauges != nil {
		for i := 0; i < n; i++ {
			p.gauges.IncQueueDropped()
		}
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.ProcessingIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.processBatch(context.Background())

		case <-p.wake:
			// Only flush eagerly when a full batch is already waiting;
			// otherwise let the ticker amortize small writes.
			p.mu.Lock()
			full := len(p.queue) >= p.cfg.BatchSize
			p.mu.Unlock()
			if full {
				p.processBatch(context.Background())
			}

		case <-p.done:
			return
		}
	}
}

// processBatch takes up to one batch off the queue and writes it. Inserts
// are grouped into one transaction; updates are applied after the inserts,
// which preserves the insert-before-update ordering within the batch.
func (p *Pipeline) processBatch(ctx context.Context) {
	p.mu.Lock()
	// A failed batch holds the queue back for the configured retry delay,
	// so a sick disk is not hammered on every tick.
	if !p.retryAt.IsZero() && time.Now().Before(p.retryAt) {
		p.mu.Unlock()
		return
	}
	n := len(p.queue)
	if n == 0 {
		p.mu.Unlock()
		return
	}
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := make([]*item, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	depth := len(p.queue)
	p.mu.Unlock()

	if p.gauges != nil {
		p.gauges.SetQueueDepth(depth)
	}

	start := time.Now()

	var inserts []*RequestLog
	var updates []*item
	for _, it := range batch {
		if it.op == opInsert {
			inserts = append(inserts, it.record)
		} else {
			updates = append(updates, it)
		}
	}

	ok := true
	if err := p.store.InsertBatch(ctx, inserts); err != nil {
		ok = false
		p.logger.Error("failed to write request log batch", "count", len(inserts), "error", err)
		p.requeueInserts(batch)
	} else {
		for _, it := range updates {
			if err := p.store.UpdateByRequestID(ctx, it.record); err != nil {
				ok = false
				p.logger.Error("failed to update request log",
					"request_id", it.record.RequestID, "error", err)
				p.requeueOne(it)
			}
		}
	}

	p.statsMu.Lock()
	if ok {
		p.processed += int64(len(batch))
		p.lastProcessedAt = time.Now().UTC()
		ms := float64(time.Since(start).Milliseconds())
		if p.avgBatchMS == 0 {
			p.avgBatchMS = ms
		} else {
			p.avgBatchMS = batchEWMAAlpha*ms + (1-batchEWMAAlpha)*p.avgBatchMS
		}
	}
	p.lastWriteFailed = !ok
	p.statsMu.Unlock()

	p.mu.Lock()
	if ok {
		p.retryAt = time.Time{}
	} else if delay := time.Duration(p.cfg.RetryDelayMS) * time.Millisecond; delay > 0 {
		p.retryAt = time.Now().Add(delay)
	}
	p.mu.Unlock()
}

// requeueInserts puts a failed batch back at the queue head, bumping retry
// counts and discarding items that ran out of retries.
func (p *Pipeline) requeueInserts(batch []*item) {
	var keep []*item
	var exhausted int
	for _, it := range batch {
		it.retries++
		if it.retries > p.cfg.MaxRetries {
			exhausted++
			continue
		}
		keep = append(keep, it)
	}
	if exhausted > 0 {
		p.statsMu.Lock()
		p.failed += int64(exhausted)
		p.statsMu.Unlock()
		p.logger.Warn("request log items discarded after retries", "count", exhausted)
	}
	if len(keep) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(keep, p.queue...)
	if len(p.queue) > p.cfg.MaxCapacity && p.cfg.FullStrategy != config.StrategyBlock {
		over := len(p.queue) - p.cfg.MaxCapacity
		p.queue = p.queue[:p.cfg.MaxCapacity]
		p.mu.Unlock()
		p.noteDropped(over)
		return
	}
	p.mu.Unlock()
}

func (p *Pipeline) requeueOne(it *item) {
	p.requeueInserts([]*item{it})
}

// Stats snapshots pipeline behavior for the admin surface.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	pending := len(p.queue)
	p.mu.Unlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	saturated := p.cfg.MaxCapacity > 0 && pending >= p.cfg.MaxCapacity
	return Stats{
		Pending:         pending,
		Processed:       p.processed,
		Failed:          p.failed,
		Dropped:         p.dropped,
		LastProcessedAt: p.lastProcessedAt,
		AvgBatchMS:      p.avgBatchMS,
		Healthy:         !p.lastWriteFailed && !saturated,
	}
}

// Stop drains what it can within the configured graceful timeout, then
// stops the writer. Items still queued past the deadline are dropped and
// counted.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	timeout := time.Duration(p.cfg.GracefulShutdownTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for time.Now().Before(deadline) {
		p.mu.Lock()
		remaining := len(p.queue)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		p.processBatch(ctx)

		p.mu.Lock()
		stuck := len(p.queue) >= remaining
		p.mu.Unlock()
		if stuck {
			time.Sleep(5 * time.Millisecond)
		}
	}

	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	abandoned := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	if abandoned > 0 {
		p.noteDropped(abandoned)
		p.logger.Warn("log pipeline stopped with unwritten items", "count", abandoned)
	} else {
		p.logger.Info("log pipeline drained and stopped")
	}
}
