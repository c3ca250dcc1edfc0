package tiercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/objectfs/tiercache/internal/clock"
	"github.com/objectfs/tiercache/internal/metaindex"
	"github.com/objectfs/tiercache/pkg/cid"
)

func mustCID(t *testing.T, s string) cid.CID {
	t.Helper()
	c, err := cid.Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

// mockStore is a trivial in-memory ObjectStore standing in for the
// content-addressed network daemon on the other side of the narrow
// interface.
type mockStore struct {
	mu         sync.Mutex
	data       map[string][]byte
	fetchCount int32
	gate       chan struct{} // if non-nil, Fetch blocks on it before returning
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string][]byte)}
}

func (m *mockStore) put(c cid.CID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[c.String()] = data
}

func (m *mockStore) Fetch(ctx context.Context, c cid.CID) ([]byte, error) {
	atomic.AddInt32(&m.fetchCount, 1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	data, ok := m.data[c.String()]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New("mock store: object not found")
	}
	return append([]byte(nil), data...), nil
}

func (m *mockStore) Has(ctx context.Context, c cid.CID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[c.String()]
	return ok, nil
}

func newTestCache(t *testing.T, store *mockStore, opts ...Option) (*TieredCache, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, err := NewConfig(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	tc, err := OpenWithClock(cfg, store, clk)
	if err != nil {
		t.Fatalf("OpenWithClock: %v", err)
	}
	t.Cleanup(func() { tc.Close() })
	return tc, clk
}

func TestGetMissFetchesThenHitsFromMemory(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-simple")
	store.put(c, []byte("hello world"))

	tc, _ := newTestCache(t, store)

	data, err := tc.Get(context.Background(), c)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected data: %q", data)
	}
	if atomic.LoadInt32(&store.fetchCount) != 1 {
		t.Fatalf("expected exactly one fetch, got %d", store.fetchCount)
	}

	data2, err := tc.Get(context.Background(), c)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if string(data2) != "hello world" {
		t.Fatalf("unexpected data on second get: %q", data2)
	}
	if atomic.LoadInt32(&store.fetchCount) != 1 {
		t.Fatalf("expected the second get to be served from cache without a new fetch, got %d fetches", store.fetchCount)
	}

	snap := tc.Snapshot()
	if snap.MemHits != 1 || snap.Misses != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestGetPropagatesNotFoundAsTiercacheError(t *testing.T) {
	store := newMockStore()
	tc, _ := newTestCache(t, store)

	_, err := tc.Get(context.Background(), mustCID(t, "absent"))
	if err == nil {
		t.Fatal("expected an error for an object the store does not have")
	}
	var tErr *Error
	if !errors.As(err, &tErr) {
		t.Fatalf("expected a *tiercache.Error, got %T: %v", err, err)
	}
	if tErr.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", tErr.Kind)
	}
}

func TestConcurrentGetsDedupToOneFetch(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-dedup")
	store.put(c, []byte("payload"))
	store.gate = make(chan struct{})

	tc, _ := newTestCache(t, store)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tc.Get(context.Background(), c)
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let every goroutine join the in-flight fetch
	close(store.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: unexpected error: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&store.fetchCount); got != 1 {
		t.Fatalf("expected exactly one fetch despite %d concurrent callers, got %d", n, got)
	}
}

func TestPinPreventsEvictionUnderMemoryPressure(t *testing.T) {
	store := newMockStore()
	pinned := mustCID(t, "bafy-pinned")
	store.put(pinned, []byte("0123456789"))

	tc, _ := newTestCache(t, store, WithMemoryBudget(10))

	if err := tc.Pin(context.Background(), pinned); err != nil {
		t.Fatalf("pin: %v", err)
	}

	// Force memory pressure: with the budget already saturated by the
	// pinned entry, every later admission attempt must fail to find a
	// victim rather than evict the pinned one.
	for i := 0; i < 5; i++ {
		c := mustCID(t, string(rune('a'+i)))
		store.put(c, []byte("0123456789"))
		if _, err := tc.Get(context.Background(), c); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}

	rec, ok := tc.index.Get(pinned)
	if !ok || !rec.Pinned {
		t.Fatal("expected the pinned record to remain marked pinned")
	}

	data, err := tc.Get(context.Background(), pinned)
	if err != nil {
		t.Fatalf("expected the pinned object to still be retrievable, got %v", err)
	}
	if string(data) != "0123456789" {
		t.Fatalf("unexpected pinned data: %q", data)
	}
	if atomic.LoadInt32(&store.fetchCount) != 6 {
		t.Fatalf("expected the pinned entry to still be resident (no refetch), got %d total fetches", store.fetchCount)
	}
}

func TestUnpinAllowsSubsequentEviction(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "unpin-me")
	store.put(c, []byte("data"))

	tc, _ := newTestCache(t, store)
	if err := tc.Pin(context.Background(), c); err != nil {
		t.Fatalf("pin: %v", err)
	}
	tc.Unpin(c)

	rec, ok := tc.index.Get(c)
	if !ok || rec.Pinned {
		t.Fatal("expected Unpin to clear the pinned flag")
	}
}

func TestInvalidateClearsResidencyButKeepsMetadata(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-invalidate")
	store.put(c, []byte("data"))

	tc, _ := newTestCache(t, store)
	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("get: %v", err)
	}

	tc.Invalidate(c)

	rec, ok := tc.index.Get(c)
	if !ok {
		t.Fatal("expected the metadata record to survive invalidation")
	}
	if rec.InMemory || rec.OnDisk {
		t.Fatalf("expected both residency flags cleared, got %+v", rec)
	}

	// A subsequent Get must re-fetch since both tiers were invalidated.
	before := atomic.LoadInt32(&store.fetchCount)
	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if atomic.LoadInt32(&store.fetchCount) != before+1 {
		t.Fatal("expected invalidation to force a fresh fetch")
	}
}

func TestCompactionDemotesColdIdleEntriesFromMemory(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-cold")
	store.put(c, []byte("stale data"))

	tc, clk := newTestCache(t, store, WithHeatModel(12*time.Hour, 10, 0.4, 0.2, 0.1, time.Minute))

	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("get: %v", err)
	}
	rec, _ := tc.index.Get(c)
	if !rec.InMemory {
		t.Fatal("expected freshly fetched object to be admitted to memory")
	}

	// Advance five half-lives (recency decays to ~0.03) and past the idle
	// grace so the entry is unambiguously both cold and idle.
	clk.Advance(60 * time.Hour)
	tc.runCompaction(clk.Now())

	rec, ok := tc.index.Get(c)
	if !ok {
		t.Fatal("expected the metadata record to still exist after compaction")
	}
	if rec.InMemory {
		t.Fatal("expected compaction to demote a cold, idle entry out of memory")
	}
}

func TestReopenRecoversMetadataAfterClose(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-recover")
	store.put(c, []byte("durable bytes"))

	root := t.TempDir()
	clk := clock.NewManual(time.Now())
	cfg, err := NewConfig(root)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	tc, err := OpenWithClock(cfg, store, clk)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := tc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cfg2, err := NewConfig(root)
	if err != nil {
		t.Fatalf("NewConfig reopen: %v", err)
	}
	tc2, err := OpenWithClock(cfg2, store, clk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tc2.Close()

	rec, ok := tc2.index.Get(c)
	if !ok {
		t.Fatal("expected metadata to survive a close/reopen cycle")
	}
	if !rec.OnDisk {
		t.Fatal("expected the object to still be marked on-disk after reopening")
	}

	// Reading after reopen must come from the disk tier, not require the
	// object store's copy to still exist.
	before := atomic.LoadInt32(&store.fetchCount)
	data, err := tc2.Get(context.Background(), c)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(data) != "durable bytes" {
		t.Fatalf("unexpected data after reopen: %q", data)
	}
	if atomic.LoadInt32(&store.fetchCount) != before {
		t.Fatal("expected the reopened cache to serve from disk without refetching")
	}
}

func TestGhostHitServesFromDiskWithoutRefetch(t *testing.T) {
	store := newMockStore()
	a := mustCID(t, "bafy-ghost-a")
	b := mustCID(t, "bafy-ghost-b")
	store.put(a, make([]byte, 60))
	store.put(b, make([]byte, 60))

	tc, _ := newTestCache(t, store, WithMemoryBudget(100))

	if _, err := tc.Get(context.Background(), a); err != nil {
		t.Fatalf("get a: %v", err)
	}
	// Admitting b evicts a from memory into a ghost list; a's disk copy
	// stays behind.
	if _, err := tc.Get(context.Background(), b); err != nil {
		t.Fatalf("get b: %v", err)
	}
	rec, _ := tc.index.Get(a)
	if rec.InMemory || !rec.OnDisk {
		t.Fatalf("expected a to be disk-only after memory eviction, got %+v", rec)
	}

	// The ghost hit for a must be served from the disk tier, not refetched
	// from the origin store.
	before := atomic.LoadInt32(&store.fetchCount)
	if _, err := tc.Get(context.Background(), a); err != nil {
		t.Fatalf("get a after eviction: %v", err)
	}
	if atomic.LoadInt32(&store.fetchCount) != before {
		t.Fatal("expected the ghost hit to be served from disk without a refetch")
	}
	snap := tc.Snapshot()
	if snap.DiskHits != 1 {
		t.Fatalf("expected exactly one disk hit, got %+v", snap)
	}
}

func TestCompactionBackgroundVerifyDropsCorruptObjects(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-bitrot")
	store.put(c, []byte("cold object bytes"))

	tc, clk := newTestCache(t, store, WithMemoryBudget(0))
	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("get: %v", err)
	}

	// Corrupt the recorded checksum so the compactor's opportunistic
	// verification of cold disk objects sees a mismatch.
	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.Checksum ^= 0xffffffff })

	// Five half-lives of idle time makes the object cold enough to be
	// picked up by the verification sample.
	clk.Advance(60 * time.Hour)
	tc.runCompaction(clk.Now())

	rec, ok := tc.index.Get(c)
	if !ok {
		t.Fatal("expected the metadata record to survive background verification")
	}
	if rec.OnDisk {
		t.Fatal("expected background verification to clear on_disk for the corrupt object")
	}

	// With the corrupt file dropped, the next Get must refetch.
	before := atomic.LoadInt32(&store.fetchCount)
	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("get after corruption: %v", err)
	}
	if atomic.LoadInt32(&store.fetchCount) != before+1 {
		t.Fatal("expected a refetch after the corrupt object was dropped")
	}
}

func TestReadPathDetectsDiskCorruption(t *testing.T) {
	store := newMockStore()
	c := mustCID(t, "bafy-corrupt")
	store.put(c, []byte("original bytes"))

	tc, _ := newTestCache(t, store, WithMemoryBudget(0))

	if _, err := tc.Get(context.Background(), c); err != nil {
		t.Fatalf("initial get: %v", err)
	}

	// Corrupt the checksum recorded in metadata so the read path's
	// comparison against the mapped bytes fails on the next disk hit,
	// without touching the bytes on disk directly.
	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.Checksum ^= 0xffffffff })

	_, err := tc.Get(context.Background(), c)
	if err == nil {
		t.Fatal("expected verification failure on the next read")
	}
	var tErr *Error
	if !errors.As(err, &tErr) || tErr.Kind != KindCorrupted {
		t.Fatalf("expected a KindCorrupted error, got %v", err)
	}
}
