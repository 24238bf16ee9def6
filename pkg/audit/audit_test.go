package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Write(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	for i := 0; i < flushBatch; i++ {
		w.Log(Event{KMSID: "kms-1", Action: "key_generated"})
	}

	deadline := time.Now().Add(time.Second)
	for sink.count() < flushBatch && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.count(); got != flushBatch {
		t.Fatalf("flushed %d events, want %d", got, flushBatch)
	}
}

func TestWriterFlushesOnClose(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Log(Event{KMSID: "kms-1", Action: "sync_success"})
	w.Close()

	if got := sink.count(); got != 1 {
		t.Fatalf("flushed %d events, want 1 after Close", got)
	}
}

func TestWriterDropsWhenBufferFull(t *testing.T) {
	// sink that blocks forever so the background flush loop can never drain,
	// forcing the channel buffer to fill.
	block := make(chan struct{})
	sink := Sink(blockingSink{block})
	w := NewWriter(sink, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < bufferSize+10; i++ {
		w.Log(Event{KMSID: "kms-1", Action: "key_generated"})
	}
	close(block)
	w.Close()
}

type blockingSink struct{ block chan struct{} }

func (b blockingSink) Write(context.Context, []Event) error {
	<-b.block
	return nil
}
