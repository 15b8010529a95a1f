package logpipe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"mosaic-hq/mosaic/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func queueConfig(capacity int, strategy config.QueueFullStrategy) config.QueueConfig {
	return config.QueueConfig{
		Enabled:                   true,
		MaxCapacity:               capacity,
		BatchSize:                 10,
		ProcessingIntervalMS:      20,
		MaxRetries:                2,
		RetryDelayMS:              10,
		GracefulShutdownTimeoutMS: 2000,
		FullStrategy:              strategy,
	}
}

func record(requestID string) *RequestLog {
	return &RequestLog{
		ID:        uuid.NewString(),
		RequestID: requestID,
		StartedAt: time.Now().UTC(),
		GroupID:        "g1",
		GroupName:      "openai-main",
		KeyHash:        "hash-1",
		ModelRequested: "gpt4",
		ModelResolved:  "gpt-4o",
		Method:         "POST",
		Path:           "/v1/chat/completions",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipeline_InsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	p := NewPipeline(store, queueConfig(100, config.StrategyDropOldest), nil)
	p.Start()
	defer p.Stop()

	r := record("req-1")
	if !p.EnqueueInsert(r) {
		t.Fatal("EnqueueInsert() rejected")
	}
	done := &RequestLog{
		RequestID:        "req-1",
		StatusCode:       200,
		DurationMS:       840,
		PromptTokens:     12,
		CompletionTokens: 34,
		TotalTokens:      46,
	}
	if !p.EnqueueUpdate(done) {
		t.Fatal("EnqueueUpdate() rejected")
	}

	waitFor(t, "row completion", func() bool {
		got, err := store.GetByRequestID(context.Background(), "req-1")
		return err == nil && got.StatusCode == 200
	})

	got, err := store.GetByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GetByRequestID() error = %v", err)
	}
	if got.ModelRequested != "gpt4" || got.ModelResolved != "gpt-4o" {
		t.Errorf("model columns = %q/%q, want gpt4/gpt-4o", got.ModelRequested, got.ModelResolved)
	}
	if got.TotalTokens != 46 || got.DurationMS != 840 {
		t.Errorf("completed row = %+v", got)
	}

	stats := p.Stats()
	if stats.Processed < 2 || !stats.Healthy {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPipeline_UpdateDoesNotEraseInsertFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := record("req-keep")
	r.RequestBody = `{"model":"gpt-4o"}`
	if err := store.InsertBatch(ctx, []*RequestLog{r}); err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}
	if err := store.UpdateByRequestID(ctx, &RequestLog{RequestID: "req-keep", StatusCode: 502, ErrorType: "upstream_network"}); err != nil {
		t.Fatalf("UpdateByRequestID() error = %v", err)
	}

	got, err := store.GetByRequestID(ctx, "req-keep")
	if err != nil {
		t.Fatalf("GetByRequestID() error = %v", err)
	}
	if got.RequestBody == "" {
		t.Error("update erased the recorded request body")
	}
	if got.StatusCode != 502 || got.ErrorType != "upstream_network" {
		t.Errorf("update missing: %+v", got)
	}
}

func TestPipeline_RejectNew(t *testing.T) {
	store := newTestStore(t)
	p := NewPipeline(store, queueConfig(2, config.StrategyRejectNew), nil)
	// Not started: nothing drains the queue, so the capacity bound bites.

	if !p.EnqueueInsert(record("a")) || !p.EnqueueInsert(record("b")) {
		t.Fatal("first two items should be accepted")
	}
	if p.EnqueueInsert(record("c")) {
		t.Error("third item should be rejected at capacity 2")
	}
	if got := p.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if got := p.Stats().Pending; got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

func TestPipeline_DropOldest(t *testing.T) {
	store := newTestStore(t)
	p := NewPipeline(store, queueConfig(2, config.StrategyDropOldest), nil)

	p.EnqueueInsert(record("a"))
	p.EnqueueInsert(record("b"))
	if !p.EnqueueInsert(record("c")) {
		t.Fatal("drop_oldest should accept the new item")
	}

	stats := p.Stats()
	if stats.Pending != 2 {
		t.Errorf("pending = %d, want 2", stats.Pending)
	}
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}

	// The survivor set is the newest two.
	p.Start()
	p.Stop()
	if _, err := store.GetByRequestID(context.Background(), "a"); err == nil {
		t.Error("oldest item should have been evicted, but was written")
	}
	if _, err := store.GetByRequestID(context.Background(), "c"); err != nil {
		t.Errorf("newest item missing: %v", err)
	}
}

func TestPipeline_StopDrains(t *testing.T) {
	store := newTestStore(t)
	p := NewPipeline(store, queueConfig(1000, config.StrategyDropOldest), nil)
	p.Start()

	for i := 0; i < 50; i++ {
		p.EnqueueInsert(record(uuid.NewString()))
	}
	p.Stop()

	stats := p.Stats()
	if stats.Pending != 0 {
		t.Errorf("pending after stop = %d, want 0", stats.Pending)
	}
	if stats.Processed != 50 {
		t.Errorf("processed = %d, want 50", stats.Processed)
	}
	if stats.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", stats.Dropped)
	}

	// Enqueue after stop is refused.
	if p.EnqueueInsert(record("late")) {
		t.Error("enqueue after Stop() should be refused")
	}
}

func TestPipeline_SynchronousWhenQueueDisabled(t *testing.T) {
	store := newTestStore(t)
	cfg := queueConfig(100, config.StrategyDropOldest)
	cfg.Enabled = false
	p := NewPipeline(store, cfg, nil)
	p.Start() // no writer goroutine in synchronous mode
	defer p.Stop()

	if !p.EnqueueInsert(record("sync-1")) {
		t.Fatal("EnqueueInsert() failed in synchronous mode")
	}
	if !p.EnqueueUpdate(&RequestLog{RequestID: "sync-1", StatusCode: 200, DurationMS: 12}) {
		t.Fatal("EnqueueUpdate() failed in synchronous mode")
	}

	// No waiting: the writes landed on this goroutine.
	got, err := store.GetByRequestID(context.Background(), "sync-1")
	if err != nil {
		t.Fatalf("GetByRequestID() error = %v", err)
	}
	if got.StatusCode != 200 {
		t.Errorf("row = %+v, want completed synchronously", got)
	}
	if stats := p.Stats(); stats.Processed != 2 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPipeline_RetryDelayHoldsFailedBatch(t *testing.T) {
	store := newTestStore(t)
	cfg := queueConfig(100, config.StrategyDropOldest)
	cfg.RetryDelayMS = 60000
	p := NewPipeline(store, cfg, nil)
	// Not started; batches are driven by hand against a closed database.
	store.Close()

	it := &item{op: opInsert, record: record("held")}
	p.mu.Lock()
	p.queue = append(p.queue, it)
	p.mu.Unlock()

	p.processBatch(context.Background())
	if it.retries != 1 {
		t.Fatalf("retries after failed batch = %d, want 1", it.retries)
	}
	if stats := p.Stats(); stats.Pending != 1 || stats.Healthy {
		t.Fatalf("stats after failure = %+v", stats)
	}

	// The retry delay keeps the next tick from re-attempting immediately.
	p.processBatch(context.Background())
	if it.retries != 1 {
		t.Errorf("retries after held batch = %d, want still 1", it.retries)
	}

	p.mu.Lock()
	held := !p.retryAt.IsZero() && time.Now().Before(p.retryAt)
	p.mu.Unlock()
	if !held {
		t.Error("retryAt not set after a failed batch")
	}
}

func TestStore_DeleteOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := record("old")
	old.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := record("fresh")
	if err := store.InsertBatch(ctx, []*RequestLog{old, fresh}); err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}

	deleted, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if err := store.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum() error = %v", err)
	}
	if _, err := store.GetByRequestID(ctx, "fresh"); err != nil {
		t.Errorf("fresh row missing after prune: %v", err)
	}
}
