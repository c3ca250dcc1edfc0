package metaindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/objectfs/tiercache/pkg/cid"
)

func mustCID(t *testing.T, s string) cid.CID {
	t.Helper()
	c, err := cid.Parse(s)
	if err != nil {
		t.Fatalf("parse cid %q: %v", s, err)
	}
	return c
}

func TestIndexPutOrUpdateCreatesAndMutates(t *testing.T) {
	idx, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := mustCID(t, "bafy-one")

	rec := idx.PutOrUpdate(c, func(r *MetadataRecord) {
		r.SizeBytes = 128
		r.Mime = "text/plain"
	})
	if rec.SizeBytes != 128 || rec.Mime != "text/plain" {
		t.Fatalf("unexpected record after create: %+v", rec)
	}

	idx.PutOrUpdate(c, func(r *MetadataRecord) { r.Pinned = true })
	got, ok := idx.Get(c)
	if !ok {
		t.Fatal("expected record to be present")
	}
	if !got.Pinned || got.SizeBytes != 128 {
		t.Fatalf("update did not preserve prior fields: %+v", got)
	}
}

func TestIndexMarkAccessIsNoOpForUnknownCID(t *testing.T) {
	idx, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	idx.MarkAccess(mustCID(t, "unknown"), time.Now())
	if idx.Len() != 0 {
		t.Fatalf("expected no record to be created, got len=%d", idx.Len())
	}
}

func TestIndexMarkAccessBumpsCounters(t *testing.T) {
	idx, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := mustCID(t, "bafy-two")
	idx.PutOrUpdate(c, func(r *MetadataRecord) { r.SizeBytes = 1 })

	t0 := time.Now()
	idx.MarkAccess(c, t0)
	idx.MarkAccess(c, t0.Add(time.Minute))

	got, _ := idx.Get(c)
	if got.AccessCount != 2 {
		t.Fatalf("expected access_count=2, got %d", got.AccessCount)
	}
	if !got.LastAccessed.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected last_accessed to be the most recent mark, got %v", got.LastAccessed)
	}
}

func TestIndexScanFiltersByPredicate(t *testing.T) {
	idx, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	idx.PutOrUpdate(mustCID(t, "a"), func(r *MetadataRecord) { r.Pinned = true })
	idx.PutOrUpdate(mustCID(t, "b"), func(r *MetadataRecord) { r.Pinned = false })

	pinned := idx.Scan(func(r MetadataRecord) bool { return r.Pinned })
	if len(pinned) != 1 || !pinned[0].Pinned {
		t.Fatalf("expected exactly one pinned record, got %+v", pinned)
	}

	all := idx.Scan(nil)
	if len(all) != 2 {
		t.Fatalf("expected scan with nil predicate to return all records, got %d", len(all))
	}
}

func TestIndexRemoveDropsFromLiveView(t *testing.T) {
	idx, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := mustCID(t, "to-remove")
	idx.PutOrUpdate(c, func(r *MetadataRecord) { r.SizeBytes = 1 })
	idx.Remove(c)
	if _, ok := idx.Get(c); ok {
		t.Fatal("expected record to be gone after Remove")
	}
}

// TestIndexFlushAndReloadRoundTrips exercises the durable path end to end:
// write records, flush to a Parquet partition, reopen a fresh Index against
// the same directory, and confirm every record survives the round trip.
func TestIndexFlushAndReloadRoundTrips(t *testing.T) {
	root := t.TempDir()
	idx, err := Open(Config{RootDir: root})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := map[string]MetadataRecord{}
	for i, s := range []string{"bafy-a", "bafy-b", "bafy-c"} {
		c := mustCID(t, s)
		rec := idx.PutOrUpdate(c, func(r *MetadataRecord) {
			r.SizeBytes = uint64(100 + i)
			r.Heat = float32(i) / 10
			r.AddedAt = time.Now().Truncate(time.Millisecond)
			r.LastAccessed = r.AddedAt
			r.Checksum = uint64(i + 1)
		})
		want[s] = rec
	}

	if err := idx.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := Open(Config{RootDir: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != len(want) {
		t.Fatalf("expected %d records after reload, got %d", len(want), reopened.Len())
	}
	for s, wantRec := range want {
		got, ok := reopened.Get(mustCID(t, s))
		if !ok {
			t.Fatalf("missing record for %q after reload", s)
		}
		if got.SizeBytes != wantRec.SizeBytes || got.Checksum != wantRec.Checksum {
			t.Fatalf("record mismatch for %q: got %+v, want %+v", s, got, wantRec)
		}
	}
}

func TestIndexFlushCompactsAfterThreshold(t *testing.T) {
	root := t.TempDir()
	idx, err := Open(Config{RootDir: root})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < compactThreshold+2; i++ {
		idx.PutOrUpdate(mustCID(t, "churn"), func(r *MetadataRecord) { r.AccessCount++ })
		if err := idx.Flush(); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}

	if idx.ring.count() > compactThreshold {
		t.Fatalf("expected compaction to bound partition count at %d, got %d", compactThreshold, idx.ring.count())
	}

	m, err := readManifest(filepath.Join(root, "index"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(m.Partitions) != idx.ring.count() {
		t.Fatalf("manifest partitions (%d) disagree with ring (%d)", len(m.Partitions), idx.ring.count())
	}
}

func TestOpenOnMissingManifestStartsEmpty(t *testing.T) {
	idx, err := Open(Config{RootDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open fresh dir: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, got len=%d", idx.Len())
	}
}
