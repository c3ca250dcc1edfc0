// Package tiercache implements the top-level orchestrator: it composes
// internal/arc (ARCache), internal/disktier (DiskTier), internal/metaindex
// (MetadataIndex), internal/inflight (at-most-one-fetch dedup), and
// internal/heat (admission/eviction scoring) behind a single read
// protocol, pin operations, and a fixed lock hierarchy.
//
// Structurally this generalizes a single key/value cache to the concrete
// CID-keyed, byte-valued, two-tier shape this package implements; see
// DESIGN.md for why ARCache itself is not sharded by key hash the way a
// generic cache's shard layer would be.
//
// © 2025 tiercache authors. MIT License.
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/objectfs/tiercache/internal/arc"
	"github.com/objectfs/tiercache/internal/clock"
	"github.com/objectfs/tiercache/internal/disktier"
	"github.com/objectfs/tiercache/internal/heat"
	"github.com/objectfs/tiercache/internal/inflight"
	"github.com/objectfs/tiercache/internal/metaindex"
	"github.com/objectfs/tiercache/pkg/cid"
)

// ObjectStore is the narrow interface consumed by the core: the
// authoritative source of bytes for a CID once both tiers miss.
// Implementations must not re-verify the CID unless Config.VerifyOnFetch
// is set — the core assumes returned bytes are authoritative.
type ObjectStore interface {
	Fetch(ctx context.Context, c cid.CID) ([]byte, error)
	Has(ctx context.Context, c cid.CID) (bool, error)
}

// TieredCache is the top-level two-tier, content-addressed cache.
type TieredCache struct {
	cfg   *Config
	store ObjectStore
	clk   clock.Clock

	// arcMu is the single mutex guarding arc: internal/arc performs no
	// locking of its own (its methods assume external synchronisation).
	// All list mutations are O(1), so the critical sections stay short.
	arcMu sync.Mutex
	arc   *arc.ARC

	disk  *disktier.DiskTier
	index *metaindex.Index
	group *inflight.Group
	heat  heat.Config

	metrics metricsSink
	logger  *zap.Logger

	// Atomic-free counters guarded by statsMu, read by Snapshot. Kept
	// separate from metricsSink (which may be a noop) so Snapshot always
	// reflects real counts regardless of whether Prometheus is wired.
	statsMu       sync.Mutex
	memHits       uint64
	diskHits      uint64
	misses        uint64
	memEvictions  uint64
	diskEvictions uint64

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Open loads the MetadataIndex, scans the object tree (removing leftover
// .tmp files and summing existing file sizes), and starts the background
// compactor and flush loop. Files on disk are not cross-checked against
// the index's on_disk records.
func Open(cfg *Config, store ObjectStore) (*TieredCache, error) {
	return OpenWithClock(cfg, store, clock.Real{})
}

// OpenWithClock is Open with an injectable clock, used by tests that need
// to simulate time advancing without sleeping.
func OpenWithClock(cfg *Config, store ObjectStore, clk clock.Clock) (*TieredCache, error) {
	if cfg == nil {
		return nil, newError(KindIoError, "config must not be nil", nil)
	}
	if store == nil {
		return nil, newError(KindIoError, "object store must not be nil", nil)
	}

	disk, err := disktier.New(disktier.Config{
		RootDir: cfg.DiskRootPath,
		Budget:  cfg.DiskBudgetBytes,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, newError(KindIoError, "failed to open disk tier", err)
	}

	index, err := metaindex.Open(metaindex.Config{RootDir: cfg.DiskRootPath, Logger: cfg.Logger})
	if err != nil {
		return nil, newError(KindIoError, "failed to open metadata index", err)
	}

	tc := &TieredCache{
		cfg:     cfg,
		store:   store,
		clk:     clk,
		disk:    disk,
		index:   index,
		group:   inflight.New(),
		heat:    heatConfigFrom(cfg),
		metrics: newMetricsSink(cfg.Registry),
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
	}
	tc.arc = arc.New(arc.Config{
		MemoryBudget: cfg.MemoryBudgetBytes,
		Protected:    tc.isPinned,
		OnEvict:      tc.onArcEvict,
	})

	tc.logger.Info("tiercache: opened", zap.String("root", cfg.DiskRootPath))

	tc.wg.Add(1)
	go tc.compactorLoop()
	tc.wg.Add(1)
	go tc.flushLoop()

	return tc, nil
}

func heatConfigFrom(cfg *Config) heat.Config {
	return heat.Config{
		HalfLife:        time.Duration(cfg.HeatHalfLifeSeconds * float64(time.Second)),
		FreqCap:         cfg.HeatFreqCap,
		Alpha:           cfg.HeatAlpha,
		AdmitMemory:     cfg.HeatAdmitMemory,
		DemoteThreshold: cfg.HeatDemote,
		IdleGrace:       time.Duration(cfg.IdleGraceSeconds * float64(time.Second)),
		MemoryMaxItem:   cfg.MemoryMaxItemBytes,
		DiskMinItem:     cfg.DiskMinItemBytes,
		DiskMaxItem:     cfg.DiskMaxItemBytes,
	}
}

// isPinned is internal/arc's Protected hook: a pinned CID is never chosen
// as an eviction victim.
func (tc *TieredCache) isPinned(c cid.CID) bool {
	rec, ok := tc.index.Get(c)
	return ok && rec.Pinned
}

// onArcEvict is internal/arc's OnEvict hook: when a resident entry is
// demoted to ghost or removed, the metadata record must stop claiming
// in_memory.
func (tc *TieredCache) onArcEvict(c cid.CID, size int64, reason arc.EvictReason) {
	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.InMemory = false })
	if reason == arc.ReasonCapacity {
		tc.statsMu.Lock()
		tc.memEvictions++
		tc.statsMu.Unlock()
		tc.metrics.incMemEviction()
	}
}

// Get implements the read protocol: ARCache, then DiskTier, then a
// deduplicated ObjectStore fetch.
func (tc *TieredCache) Get(ctx context.Context, c cid.CID) ([]byte, error) {
	now := tc.clk.Now()

	tc.arcMu.Lock()
	buf, outcome := tc.arc.Lookup(c)
	tc.arcMu.Unlock()
	if outcome == arc.HitResident {
		defer buf.Release()
		tc.index.MarkAccess(c, now)
		tc.statsMu.Lock()
		tc.memHits++
		tc.statsMu.Unlock()
		tc.metrics.incMemHit()
		tc.metrics.addBytesReadFromMem(int64(buf.Len()))
		return append([]byte(nil), buf.Bytes()...), nil
	}
	// A ghost hit has adapted p but holds no bytes; the read continues down
	// the tier hierarchy like any memory miss. fromGhost routes a
	// successful disk read or fetch into T2 via AdmitGhost. An object
	// demoted from memory usually still has its disk copy, so the disk tier
	// must be consulted before the origin store.
	fromGhost := outcome == arc.HitGhostB1 || outcome == arc.HitGhostB2

	if buf, err := tc.disk.Get(c); err == nil {
		data := append([]byte(nil), buf.Bytes()...)
		buf.Release()

		// Integrity check against the bytes already in hand: the mapped
		// read materialized the object once, so corruption is caught by
		// hashing data directly rather than re-reading the file.
		if rec, ok := tc.index.Get(c); ok && rec.Checksum != 0 && xxhash.Sum64(data) != rec.Checksum {
			tc.disk.Remove(c)
			tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.OnDisk = false })
			tc.statsMu.Lock()
			tc.misses++
			tc.statsMu.Unlock()
			tc.metrics.incMiss()
			tc.metrics.incDiskError()
			return nil, newError(KindCorrupted, "disk object failed verification", disktier.ErrCorrupted)
		}

		rec, _ := tc.index.Get(c)
		score := heat.Score(heat.Record{LastAccessed: rec.LastAccessed, AccessCount: rec.AccessCount}, now, tc.heat)
		if heat.AdmitToMemory(int64(len(data)), score, tc.hasFreeMemoryBudget(), tc.heat) {
			tc.arcMu.Lock()
			if fromGhost {
				tc.arc.AdmitGhost(c, data, now)
			} else {
				tc.arc.Admit(c, data, now)
			}
			tc.arcMu.Unlock()
			tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.InMemory = true })
		}

		tc.index.MarkAccess(c, now)
		tc.statsMu.Lock()
		tc.diskHits++
		tc.statsMu.Unlock()
		tc.metrics.incDiskHit()
		tc.metrics.addBytesReadFromDisk(int64(len(data)))
		return data, nil
	} else if !errors.Is(err, disktier.ErrNotFound) {
		tc.metrics.incDiskError()
		return nil, newError(KindIoError, "disk tier read failed", err)
	}

	return tc.resolveMiss(ctx, c, now, fromGhost)
}

// hasFreeMemoryBudget reports whether ARCache is under its byte budget,
// the "cache has free budget" clause of admit_to_memory.
func (tc *TieredCache) hasFreeMemoryBudget() bool {
	tc.arcMu.Lock()
	defer tc.arcMu.Unlock()
	return tc.arc.BytesUsed() < tc.cfg.MemoryBudgetBytes
}

// resolveMiss drives the disk-miss fetch path: at-most-one-fetch-per-CID
// via internal/inflight, admission per the heat model, and metadata/metric
// bookkeeping. fromGhost indicates the CID had a ghost entry in ARCache, so
// a successful fetch is admitted via AdmitGhost (straight to T2) rather
// than Admit (T1).
func (tc *TieredCache) resolveMiss(ctx context.Context, c cid.CID, now time.Time, fromGhost bool) ([]byte, error) {
	fetchCtx := ctx
	var cancel context.CancelFunc
	if tc.cfg.FetchDeadlineSeconds > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, time.Duration(tc.cfg.FetchDeadlineSeconds*float64(time.Second)))
		defer cancel()
	}

	res := tc.group.Do(fetchCtx, c, tc.store.Fetch)
	if res.Err != nil {
		tc.statsMu.Lock()
		tc.misses++
		tc.statsMu.Unlock()
		tc.metrics.incMiss()
		tc.metrics.incFetchError()

		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTimeout, "fetch deadline exceeded", res.Err)
		}
		if errors.Is(res.Err, context.Canceled) {
			return nil, newError(KindTimeout, "fetch canceled", res.Err)
		}
		return nil, newError(KindNotFound, fmt.Sprintf("fetch failed for %s", c.String()), res.Err)
	}

	data := res.Data
	tc.metrics.incFetch()
	tc.metrics.addBytesFetched(int64(len(data)))

	tc.admitFetched(c, data, now, fromGhost)

	tc.statsMu.Lock()
	tc.misses++
	tc.statsMu.Unlock()
	tc.metrics.incMiss()
	return data, nil
}

// admitFetched handles the admission edge cases: oversized objects bypass
// ARCache (or both tiers, if also over disk_max_item_bytes); zero-length
// objects cache normally.
func (tc *TieredCache) admitFetched(c cid.CID, data []byte, now time.Time, fromGhost bool) {
	size := int64(len(data))
	// Fresh fetch: the access happening right now gives age 0 (max recency)
	// and a count of 1. With the default heat settings (alpha 0.4, freq cap
	// 10) that scores 0.46, above the default 0.2 memory admission threshold.
	score := heat.Score(heat.Record{LastAccessed: now, AccessCount: 1}, now, tc.heat)

	admittedMem := false
	if heat.AdmitToMemory(size, score, tc.hasFreeMemoryBudget(), tc.heat) {
		var ok bool
		tc.arcMu.Lock()
		if fromGhost {
			_, ok = tc.arc.AdmitGhost(c, data, now)
		} else {
			_, ok = tc.arc.Admit(c, data, now)
		}
		tc.arcMu.Unlock()
		admittedMem = ok
	}

	admittedDisk := false
	if heat.AdmitToDisk(size, tc.heat) {
		if sum, err := tc.disk.Put(c, data); err == nil {
			admittedDisk = true
			tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.Checksum = sum })
		} else if !errors.Is(err, disktier.ErrOverBudget) {
			tc.metrics.incDiskError()
			tc.logger.Warn("tiercache: disk admission failed", zap.String("cid", c.String()), zap.Error(err))
		}
	}

	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) {
		r.SizeBytes = uint64(size)
		r.AddedAt = now
		r.LastAccessed = now
		r.AccessCount++
		r.InMemory = admittedMem
		r.OnDisk = admittedDisk
		r.Heat = score
	})
}

// Pin marks the record pinned and ensures residency on at least one tier,
// fetching if the object is absent.
func (tc *TieredCache) Pin(ctx context.Context, c cid.CID) error {
	if _, err := tc.Get(ctx, c); err != nil {
		return err
	}
	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.Pinned = true })
	return nil
}

// Unpin clears the pin without evicting.
func (tc *TieredCache) Unpin(c cid.CID) {
	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) { r.Pinned = false })
}

// Invalidate removes the object from both tiers and clears residency
// flags, without deleting the metadata record itself.
func (tc *TieredCache) Invalidate(c cid.CID) {
	tc.arcMu.Lock()
	tc.arc.Remove(c)
	tc.arcMu.Unlock()
	tc.disk.Remove(c)
	tc.group.Forget(c)
	tc.index.PutOrUpdate(c, func(r *metaindex.MetadataRecord) {
		r.InMemory = false
		r.OnDisk = false
	})
}

// Snapshot returns a JSON-serializable view combining ARCache stats with
// tier byte usage.
func (tc *TieredCache) Snapshot() Snapshot {
	tc.arcMu.Lock()
	arcStats := tc.arc.SnapshotStats()
	tc.arcMu.Unlock()
	tc.statsMu.Lock()
	s := Snapshot{
		MemHits:       tc.memHits,
		DiskHits:      tc.diskHits,
		Misses:        tc.misses,
		MemEvictions:  tc.memEvictions,
		DiskEvictions: tc.diskEvictions,
		MemBytesUsed:  arcStats.BytesUsed,
		DiskBytesUsed: tc.disk.TotalBytes(),
		ArcP:          arcStats.P,
	}
	tc.statsMu.Unlock()
	tc.publishGauges()
	return s
}

// compactorLoop runs the background compactor: recompute heat, demote
// cold memory entries, evict coldest disk entries over budget, flush the
// index, compact partitions.
func (tc *TieredCache) compactorLoop() {
	defer tc.wg.Done()
	interval := time.Duration(tc.cfg.CompactorIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.stopCh:
			return
		case <-ticker.C:
			tc.runCompaction(tc.clk.Now())
		}
	}
}

// flushLoop persists the metadata index on its own cadence, independent of the
// compactor: a quiet cache with no eviction pressure still gets its index
// flushed every flush_interval_seconds.
func (tc *TieredCache) flushLoop() {
	defer tc.wg.Done()
	interval := time.Duration(tc.cfg.FlushIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.stopCh:
			return
		case <-ticker.C:
			if err := tc.index.Flush(); err != nil {
				tc.metrics.incIndexError()
				tc.logger.Warn("tiercache: periodic metadata flush failed", zap.Error(err))
			}
		}
	}
}

func (tc *TieredCache) runCompaction(now time.Time) {
	records := tc.index.Scan(nil)
	var coldDisk []metaindex.MetadataRecord
	for i := range records {
		r := &records[i]
		score := heat.Score(heat.Record{LastAccessed: r.LastAccessed, AccessCount: r.AccessCount}, now, tc.heat)
		tc.index.PutOrUpdate(r.CID, func(rec *metaindex.MetadataRecord) { rec.Heat = score })

		if r.OnDisk && float64(score) < tc.heat.DemoteThreshold {
			coldDisk = append(coldDisk, *r)
		}
		if r.Pinned {
			continue
		}
		age := now.Sub(r.LastAccessed)
		if r.InMemory && heat.DemoteCandidate(score, age, tc.heat) {
			tc.arcMu.Lock()
			tc.arc.Remove(r.CID)
			tc.arcMu.Unlock()
			tc.index.PutOrUpdate(r.CID, func(rec *metaindex.MetadataRecord) { rec.InMemory = false })
		}
	}

	tc.verifyColdSample(coldDisk)
	tc.evictColdDiskEntries(now)

	if err := tc.index.Flush(); err != nil {
		tc.metrics.incIndexError()
		tc.logger.Warn("tiercache: metadata flush failed", zap.Error(err))
	}

	tc.publishGauges()
}

// publishGauges pushes the current byte-usage and ARC-p gauges to the
// metrics sink. Called off the hot path only (compactor, Snapshot).
func (tc *TieredCache) publishGauges() {
	tc.arcMu.Lock()
	s := tc.arc.SnapshotStats()
	tc.arcMu.Unlock()
	tc.metrics.setMemBytesUsed(s.BytesUsed)
	tc.metrics.setDiskBytesUsed(tc.disk.TotalBytes())
	tc.metrics.setArcP(s.P)
}

// verifySampleSize bounds how many cold objects each compaction cycle
// re-checksums, so background verification never turns into a full disk
// scan.
const verifySampleSize = 4

// verifyColdSample opportunistically re-checksums a few cold on-disk
// objects per compaction cycle. A mismatch means Verify has already removed
// the file; the record's on_disk flag is cleared so the next Get refetches
// from the object store.
func (tc *TieredCache) verifyColdSample(candidates []metaindex.MetadataRecord) {
	n := 0
	for _, r := range candidates {
		if n >= verifySampleSize {
			return
		}
		if r.Checksum == 0 {
			continue
		}
		n++
		if err := tc.disk.Verify(r.CID, r.Checksum); err != nil {
			tc.index.PutOrUpdate(r.CID, func(rec *metaindex.MetadataRecord) { rec.OnDisk = false })
			tc.metrics.incDiskError()
			tc.logger.Warn("tiercache: background verification failed",
				zap.String("cid", r.CID.String()), zap.Error(err))
		}
	}
}

// evictColdDiskEntries orders eviction candidates by the tie-break rule
// (pinned asc, heat asc, last_accessed asc, size_bytes desc), CID byte
// order as the final tiebreaker, and evicts from the front (coldest first)
// until disk usage is back under budget.
func (tc *TieredCache) evictColdDiskEntries(now time.Time) {
	if tc.cfg.DiskBudgetBytes <= 0 || tc.disk.TotalBytes() <= tc.cfg.DiskBudgetBytes {
		return
	}

	candidates := tc.index.Scan(func(r metaindex.MetadataRecord) bool { return r.OnDisk && !r.Pinned })
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Heat != b.Heat {
			return a.Heat < b.Heat
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		if a.SizeBytes != b.SizeBytes {
			return a.SizeBytes > b.SizeBytes
		}
		return a.CID.String() < b.CID.String()
	})

	for _, r := range candidates {
		if tc.disk.TotalBytes() <= tc.cfg.DiskBudgetBytes {
			return
		}
		tc.disk.Remove(r.CID)
		tc.index.PutOrUpdate(r.CID, func(rec *metaindex.MetadataRecord) { rec.OnDisk = false })
		tc.statsMu.Lock()
		tc.diskEvictions++
		tc.statsMu.Unlock()
		tc.metrics.incDiskEviction()
	}
}

// Close stops background tasks, flushes the index, and releases
// resources. Safe to call more than once.
func (tc *TieredCache) Close() error {
	var err error
	tc.closeOnce.Do(func() {
		close(tc.stopCh)
		tc.wg.Wait()
		err = tc.index.Flush()
		tc.logger.Info("tiercache: closed")
	})
	return err
}
