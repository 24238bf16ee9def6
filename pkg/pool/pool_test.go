package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/etsi014/kme/pkg/keyrecord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is a minimal stand-in for keystore.Store + a Replenisher that
// actually grows the count, used to exercise Manager end-to-end.
type fakeStore struct {
	mu        sync.Mutex
	counts    map[string]int
	replenish func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int)}
}

func (f *fakeStore) count(pair keyrecord.Pair) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[pair.Key()]
}

func (f *fakeStore) Replenish(ctx context.Context, pair keyrecord.Pair, n int) (int, error) {
	if f.replenish != nil {
		f.replenish()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[pair.Key()] += n
	return n, nil
}

func TestPoolHealthReporting(t *testing.T) {
	fs := newFakeStore()
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}
	fs.counts[pair.Key()] = 4

	m := NewManager(fs.count, fs, NoopPublisher{}, testLogger())
	m.Configure(pair, Config{MinPoolSize: 10, MaxPoolSize: 100, ReplenishThreshold: 5})

	status := m.Status(pair)
	if !status.NeedsReplenishment {
		t.Fatalf("expected needs_replenishment=true at count=4, threshold=5")
	}
	if status.Health != keyrecord.HealthLow {
		t.Fatalf("health = %s, want low", status.Health)
	}

	added, err := m.Replenish(context.Background(), pair, status.MinPoolSize)
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if added != 6 {
		t.Fatalf("added = %d, want 6 (to reach min pool size 10 from 4)", added)
	}

	status = m.Status(pair)
	if status.CurrentCount < 10 {
		t.Fatalf("current_count = %d, want >= 10", status.CurrentCount)
	}
	if status.NeedsReplenishment {
		t.Fatalf("should no longer need replenishment")
	}
}

func TestReplenishCoalesces(t *testing.T) {
	fs := newFakeStore()
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}

	var calls int32
	release := make(chan struct{})
	fs.replenish = func() {
		atomic.AddInt32(&calls, 1)
		<-release
	}

	m := NewManager(fs.count, fs, NoopPublisher{}, testLogger())
	m.Configure(pair, Config{MinPoolSize: 10, MaxPoolSize: 100, ReplenishThreshold: 5})

	var wg sync.WaitGroup
	results := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := m.Replenish(context.Background(), pair, 10)
			if err != nil {
				t.Errorf("replenish: %v", err)
			}
			results[i] = n
		}(i)
	}

	// Give goroutines time to pile up on the in-flight call, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("underlying replenish called %d times, want 1 (coalesced)", got)
	}
}

func TestEmptyHealth(t *testing.T) {
	fs := newFakeStore()
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}

	m := NewManager(fs.count, fs, NoopPublisher{}, testLogger())
	status := m.Status(pair)
	if status.Health != keyrecord.HealthEmpty {
		t.Fatalf("health = %s, want empty", status.Health)
	}
}
