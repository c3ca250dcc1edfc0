package disktier

import (
	"testing"

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

func newTier(t *testing.T, budget int64) *DiskTier {
	t.Helper()
	dt, err := New(Config{RootDir: t.TempDir(), Budget: budget})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dt
}

func TestPutGetRoundTrip(t *testing.T) {
	dt := newTier(t, 0)
	c := mustCID(t, "hello")
	sum, err := dt.Put(c, []byte("world"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	buf, err := dt.Get(c)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer buf.Release()
	if string(buf.Bytes()) != "world" {
		t.Fatalf("unexpected bytes: %q", buf.Bytes())
	}

	if err := dt.Verify(c, sum); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dt := newTier(t, 0)
	if _, err := dt.Get(mustCID(t, "absent")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestZeroLengthObjectRoundTrips(t *testing.T) {
	dt := newTier(t, 0)
	c := mustCID(t, "empty")
	if _, err := dt.Put(c, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	buf, err := dt.Get(c)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer buf.Release()
	if len(buf.Bytes()) != 0 {
		t.Fatalf("expected zero-length bytes, got %d", len(buf.Bytes()))
	}
}

func TestVerifyDetectsCorruptionAndRemoves(t *testing.T) {
	dt := newTier(t, 0)
	c := mustCID(t, "corruptme")
	if _, err := dt.Put(c, []byte("original")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := dt.Verify(c, 0xdeadbeef); err != ErrCorrupted {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	if dt.Has(c) {
		t.Fatal("expected corrupted object to be removed from disk")
	}
	if _, err := dt.Get(c); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after corruption removal, got %v", err)
	}
}

func TestPutRejectsWhenOverBudget(t *testing.T) {
	dt := newTier(t, 4)
	if _, err := dt.Put(mustCID(t, "toobig"), []byte("12345")); err != ErrOverBudget {
		t.Fatalf("expected ErrOverBudget, got %v", err)
	}
}

func TestPutAtExactBudgetSucceeds(t *testing.T) {
	dt := newTier(t, 5)
	if _, err := dt.Put(mustCID(t, "fits"), []byte("12345")); err != nil {
		t.Fatalf("expected put at exact budget to succeed, got %v", err)
	}
	if dt.TotalBytes() != 5 {
		t.Fatalf("expected TotalBytes=5, got %d", dt.TotalBytes())
	}
}

func TestRemoveImmediateWhenNoLiveMapping(t *testing.T) {
	dt := newTier(t, 0)
	c := mustCID(t, "removeme")
	if _, err := dt.Put(c, []byte("data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	dt.Remove(c)
	if dt.Has(c) {
		t.Fatal("expected file to be unlinked immediately when no mapping is live")
	}
	if dt.TotalBytes() != 0 {
		t.Fatalf("expected TotalBytes to drop to 0 after removal, got %d", dt.TotalBytes())
	}
}

func TestRemoveDeferredWhileMappingLive(t *testing.T) {
	dt := newTier(t, 0)
	c := mustCID(t, "deferred")
	if _, err := dt.Put(c, []byte("data-held-open")); err != nil {
		t.Fatalf("put: %v", err)
	}

	buf, err := dt.Get(c)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	dt.Remove(c)
	if !dt.Has(c) {
		t.Fatal("expected the file to remain on disk while a mapping is live")
	}

	buf.Release()
	if dt.Has(c) {
		t.Fatal("expected the deferred unlink to happen once the last reference is released")
	}
}

func TestConcurrentGetsShareOneMapping(t *testing.T) {
	dt := newTier(t, 0)
	c := mustCID(t, "shared")
	if _, err := dt.Put(c, []byte("shared-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}

	b1, err := dt.Get(c)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	b2, err := dt.Get(c)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if b1 != b2 {
		t.Fatal("expected concurrent Get calls for the same CID to share one Buffer")
	}
	b1.Release()
	if !dt.Has(c) {
		t.Fatal("file must remain while the second reference is still outstanding")
	}
	b2.Release()
}

func TestNewComputesUsedBytesFromExistingFiles(t *testing.T) {
	root := t.TempDir()
	dt, err := New(Config{RootDir: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := mustCID(t, "seed")
	if _, err := dt.Put(c, []byte("12345")); err != nil {
		t.Fatalf("put: %v", err)
	}

	dt2, err := New(Config{RootDir: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if dt2.TotalBytes() != 5 {
		t.Fatalf("expected reopened tier to account for existing files, got %d", dt2.TotalBytes())
	}
}
