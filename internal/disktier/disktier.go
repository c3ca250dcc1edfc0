// Package disktier implements a content-addressed file store under a root
// directory, with sharded subdirectories and memory-mapped reads.
//
// Objects are written via a temp-file-then-fsync-then-rename sequence and
// read back through github.com/edsrzf/mmap-go for zero-copy access, with
// space accounting tracked independently of the metadata index so it is
// correct immediately after a restart.
//
// © 2025 tiercache authors. MIT License.
package disktier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/objectfs/tiercache/internal/sharedbytes"
	"github.com/objectfs/tiercache/pkg/cid"
)

// Sentinel errors, mapped onto tiercache.Kind by the orchestrator.
var (
	ErrNotFound   = errors.New("disktier: object not found")
	ErrCorrupted  = errors.New("disktier: checksum mismatch")
	ErrOverBudget = errors.New("disktier: insertion would exceed disk budget")
)

// Config configures a DiskTier instance.
type Config struct {
	RootDir string // <root>; objects live under <root>/objects
	Budget  int64  // disk_budget_bytes, a soft cap enforced only on Put
	Logger  *zap.Logger
}

// mapping tracks a live mmap of one object file, shared across concurrent
// Get callers and ref-counted via sharedbytes.
type mapping struct {
	f       *os.File
	region  mmap.MMap // nil for zero-length objects
	buf     *sharedbytes.Buffer
	pending bool // Remove was called while a mapping was live
	path    string
}

// DiskTier is the durable object store for one cache instance. The mutex
// guards the in-memory view of what files/mappings exist; actual file IO
// happens outside the lock.
type DiskTier struct {
	mu       sync.Mutex
	root     string
	budget   int64
	used     atomic.Int64
	logger   *zap.Logger
	mappings map[cid.CID]*mapping
}

// New constructs a DiskTier rooted at cfg.RootDir, creating the objects
// directory if absent, and computes the current on-disk usage by walking
// existing shard directories (used on process restart before the
// MetadataIndex has finished loading, so TotalBytes is correct from the
// first call).
func New(cfg Config) (*DiskTier, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	objDir := filepath.Join(cfg.RootDir, "objects")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, fmt.Errorf("disktier: create objects dir: %w", err)
	}
	dt := &DiskTier{
		root:     cfg.RootDir,
		budget:   cfg.Budget,
		logger:   logger,
		mappings: make(map[cid.CID]*mapping),
	}
	var total int64
	_ = filepath.Walk(objDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".tmp" {
			_ = os.Remove(path) // interrupted put, never became visible
			return nil
		}
		total += info.Size()
		return nil
	})
	dt.used.Store(total)
	return dt, nil
}

func (dt *DiskTier) pathFor(c cid.CID) string {
	aa, bb := c.ShardPrefix()
	return filepath.Join(dt.root, "objects", aa, bb, c.String())
}

// Put writes bytes for c, fsyncs, and atomically renames into place. It
// returns the xxhash64 checksum of the bytes (for the caller's
// MetadataRecord) or ErrOverBudget if the write would exceed the configured
// disk budget. Put itself evicts nothing; freeing space is left to the
// caller (pkg/tiercache).
func (dt *DiskTier) Put(c cid.CID, data []byte) (checksum uint64, err error) {
	size := int64(len(data))

	dt.mu.Lock()
	if dt.budget > 0 && dt.used.Load()+size > dt.budget {
		dt.mu.Unlock()
		return 0, ErrOverBudget
	}
	dt.mu.Unlock()

	finalPath := dt.pathFor(c)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("disktier: mkdir shard dir: %w", err)
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("disktier: create tmp file: %w", err)
	}
	sum := xxhash.New()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("disktier: write tmp file: %w", err)
	}
	_, _ = sum.Write(data)
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("disktier: fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("disktier: close tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("disktier: rename into place: %w", err)
	}

	dt.used.Add(size)
	return sum.Sum64(), nil
}

// Get returns a ref-counted, read-only memory-mapped view of c's bytes.
// Concurrent Get calls for the same CID share one underlying mapping; the
// file descriptor and mapping stay open until the last returned Buffer is
// released.
func (dt *DiskTier) Get(c cid.CID) (*sharedbytes.Buffer, error) {
	dt.mu.Lock()
	if m, ok := dt.mappings[c]; ok {
		buf := m.buf.Acquire()
		dt.mu.Unlock()
		return buf, nil
	}
	dt.mu.Unlock()

	path := dt.pathFor(c)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("disktier: stat: %w", err)
	}

	if info.Size() == 0 {
		// mmap of a zero-length file is rejected by the OS on most
		// platforms; zero-length objects still need to cache normally,
		// so we special-case an empty, release-free buffer.
		return sharedbytes.New(nil, nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("disktier: open: %w", err)
	}
	region, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disktier: mmap: %w", err)
	}

	m := &mapping{f: f, region: region, path: path}
	dt.mu.Lock()
	if existing, ok := dt.mappings[c]; ok {
		// Lost the race against a concurrent Get: reuse the winner's
		// mapping and tear down ours.
		dt.mu.Unlock()
		region.Unmap()
		f.Close()
		return existing.buf.Acquire(), nil
	}
	// The buffer's initial reference belongs to this caller; the mappings
	// table itself holds no reference, so the mapping is torn down as soon
	// as the last outstanding reader releases.
	m.buf = sharedbytes.New(region, func() { dt.releaseMapping(c) })
	dt.mappings[c] = m
	dt.mu.Unlock()
	return m.buf, nil
}

// releaseMapping is invoked by sharedbytes once the last reference to a
// mapping's Buffer is dropped: it unmaps, closes the descriptor, and — if
// Remove was called while the mapping was live — performs the deferred
// unlink.
func (dt *DiskTier) releaseMapping(c cid.CID) {
	dt.mu.Lock()
	m, ok := dt.mappings[c]
	// A concurrent Get may have re-acquired the buffer between the count
	// hitting zero and this callback taking the lock; every Acquire happens
	// under dt.mu, so a positive count here means a live reader whose own
	// release will re-trigger this callback.
	if !ok || m.buf.RefCount() > 0 {
		dt.mu.Unlock()
		return
	}
	delete(dt.mappings, c)
	dt.mu.Unlock()

	if m.region != nil {
		_ = m.region.Unmap()
	}
	_ = m.f.Close()
	if m.pending {
		dt.unlink(c, m.path)
	}
}

// Remove marks c for deletion. If no mapped region is currently live, the
// file is unlinked immediately; otherwise the unlink is deferred to
// releaseMapping until no mapped region is live.
func (dt *DiskTier) Remove(c cid.CID) {
	dt.mu.Lock()
	if m, ok := dt.mappings[c]; ok {
		m.pending = true
		dt.mu.Unlock()
		return
	}
	dt.mu.Unlock()
	dt.unlink(c, dt.pathFor(c))
}

func (dt *DiskTier) unlink(c cid.CID, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		dt.logger.Warn("disktier: unlink failed", zap.String("cid", c.String()), zap.Error(err))
		return
	}
	dt.used.Add(-info.Size())
}

// TotalBytes returns size_on_disk(): the sum of file sizes DiskTier has
// written and not yet removed.
func (dt *DiskTier) TotalBytes() int64 { return dt.used.Load() }

// Verify recomputes the xxhash64 checksum of c's on-disk bytes and compares
// it against expected. On mismatch the file is removed and ErrCorrupted is
// returned so the caller reports a cache miss.
func (dt *DiskTier) Verify(c cid.CID, expected uint64) error {
	path := dt.pathFor(c)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("disktier: read for verify: %w", err)
	}
	if xxhash.Sum64(data) != expected {
		dt.Remove(c)
		return ErrCorrupted
	}
	return nil
}

// Has reports whether an object file exists on disk for c, without mapping
// it. Used by diagnostics and by the compactor's eviction-candidate scan.
func (dt *DiskTier) Has(c cid.CID) bool {
	_, err := os.Stat(dt.pathFor(c))
	return err == nil
}
