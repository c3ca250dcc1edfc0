package metaindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/tiercache/pkg/cid"
)

// compactThreshold is the partition count at which Flush folds everything
// into one fresh partition instead of appending another, bounding the
// number of Parquet files Load must open on restart.
const compactThreshold = 8

// Predicate decides whether Scan should yield a given record.
type Predicate func(rec MetadataRecord) bool

// Index is the content-index: an authoritative in-memory map guarded by a
// single-writer mutex, backed by Parquet partitions on disk. Scan walks the
// Go map; Arrow record batches are built only to write and read Parquet
// partitions, not kept in memory for queries.
type Index struct {
	mu   sync.Mutex
	dir  string
	live map[cid.CID]*MetadataRecord
	ring *partitionRing

	logger *zap.Logger
}

// Config configures an Index.
type Config struct {
	RootDir string // <root>; partitions live under <root>/index
	Logger  *zap.Logger
}

// Open loads an existing index directory (if any) via Load and returns a
// ready Index. A missing directory or missing manifest is not an error:
// the index simply starts empty.
func Open(cfg Config) (*Index, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(cfg.RootDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metaindex: create index dir: %w", err)
	}

	idx := &Index{
		dir:    dir,
		live:   make(map[cid.CID]*MetadataRecord),
		logger: logger,
	}
	if err := idx.Load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Load replays every partition named in the manifest into the live map.
// A partition that fails to read (truncated write, corrupted footer) is
// skipped with a warning rather than aborting the whole load, so one bad
// partition cannot make the index unopenable.
func (idx *Index) Load() error {
	m, err := readManifest(idx.dir)
	if err != nil {
		return err
	}
	idx.ring = newPartitionRing(idx.dir, m.Partitions)

	live := make(map[cid.CID]*MetadataRecord)
	for _, path := range idx.ring.paths() {
		records, err := readPartition(path)
		if err != nil {
			idx.logger.Warn("metaindex: skipping unreadable partition", zap.String("path", path), zap.Error(err))
			continue
		}
		for i := range records {
			r := records[i]
			// Later partitions are newer; a later row for the same CID
			// supersedes an earlier one.
			live[r.CID] = &r
		}
	}

	idx.mu.Lock()
	idx.live = live
	idx.mu.Unlock()
	return nil
}

// Get returns a copy of the record for c, or ok=false if unknown.
func (idx *Index) Get(c cid.CID) (MetadataRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.live[c]
	if !ok {
		return MetadataRecord{}, false
	}
	return cloneRecord(*r), true
}

// PutOrUpdate applies mutate to the record for c (creating a zero-value
// record first if c is new) under the index's single writer lock. The
// caller is responsible for setting fields mutate needs via closure state.
func (idx *Index) PutOrUpdate(c cid.CID, mutate Mutator) MetadataRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	r, ok := idx.live[c]
	if !ok {
		r = &MetadataRecord{CID: c}
		idx.live[c] = r
	}
	mutate(r)
	return cloneRecord(*r)
}

// MarkAccess bumps access_count and last_accessed for c at time now, feeding
// the frequency/recency bookkeeping internal/heat's scoring functions
// consume. It is a no-op if c is unknown (callers only mark access after a
// successful lookup, which always implies a prior PutOrUpdate).
func (idx *Index) MarkAccess(c cid.CID, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if r, ok := idx.live[c]; ok {
		r.AccessCount++
		r.LastAccessed = now
	}
}

// Remove deletes c from the live index. It does not rewrite any partition
// file: a plain Flush only appends a partition without c, so older
// partitions still holding c bring it back on Load until a compaction
// replaces the whole partition set.
func (idx *Index) Remove(c cid.CID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.live, c)
}

// Scan yields a copy of every live record for which pred returns true. The
// snapshot is taken under the lock but pred itself runs outside it, so a
// slow predicate cannot stall writers for longer than the copy takes.
func (idx *Index) Scan(pred Predicate) []MetadataRecord {
	idx.mu.Lock()
	snapshot := make([]MetadataRecord, 0, len(idx.live))
	for _, r := range idx.live {
		snapshot = append(snapshot, cloneRecord(*r))
	}
	idx.mu.Unlock()

	if pred == nil {
		return snapshot
	}
	out := snapshot[:0]
	for _, r := range snapshot {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Len reports the number of live records.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.live)
}

// Flush writes every live record to a fresh Parquet partition and commits
// it to the manifest. When the partition count would exceed
// compactThreshold, it instead compacts: the full live set replaces every
// existing partition with a single new one, and the superseded partition
// files are removed. Flush is the only path that writes to disk; callers
// (the compactor and flush goroutines and Close in pkg/tiercache) call it
// periodically rather than on every write, so writes are batched rather
// than synchronous.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	records := make([]MetadataRecord, 0, len(idx.live))
	for _, r := range idx.live {
		records = append(records, cloneRecord(*r))
	}
	ring := idx.ring
	idx.mu.Unlock()

	if len(records) == 0 && ring.count() == 0 {
		return nil
	}

	if ring.count() >= compactThreshold {
		return idx.compact(records)
	}

	name := ring.nextPartitionFile()
	if err := writePartition(filepath.Join(idx.dir, name), records); err != nil {
		return err
	}
	return ring.commit(name)
}

// compact replaces every existing partition with one fresh partition
// holding the full current live set, then removes the superseded files.
func (idx *Index) compact(records []MetadataRecord) error {
	old := idx.ring.paths()

	name := idx.ring.nextPartitionFile()
	if err := writePartition(filepath.Join(idx.dir, name), records); err != nil {
		return err
	}
	if err := idx.ring.replaceAll([]string{name}); err != nil {
		return err
	}
	for _, path := range old {
		if filepath.Base(path) == name {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			idx.logger.Warn("metaindex: failed to remove compacted partition", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
