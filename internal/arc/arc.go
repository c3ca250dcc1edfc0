// Package arc implements the Adaptive Replacement Cache: four ordered
// lists (T1, T2, B1, B2), an adaptive target p, and a byte-aware capacity
// bound instead of ARC's traditional entry count.
//
// Structurally this package uses a doubly-linked ring-node shape and a
// "caller already holds the lock" concurrency contract: all mutation here
// assumes external synchronisation (see the orchestrator's lock around its
// ARC instance). Eviction runs through a caller-supplied callback hook.
// This is the real Megiddo-Modha ARC structure, not a CLOCK approximation:
// a single ring with cold/hot/test bits cannot express the four-list
// capacity invariant below.
//
// © 2025 tiercache authors. MIT License.
package arc

import (
	"time"

	"github.com/objectfs/tiercache/internal/sharedbytes"
	"github.com/objectfs/tiercache/pkg/cid"
)

// EvictReason identifies why an entry left the resident set.
type EvictReason uint8

const (
	// ReasonCapacity means CLOCK/ARC replacement displaced the entry to make
	// room for a new admission.
	ReasonCapacity EvictReason = iota + 1
	// ReasonRemoved means the entry was explicitly removed (invalidate).
	ReasonRemoved
)

// EjectFunc is invoked whenever a resident entry is demoted to a ghost list
// or explicitly removed. It runs inside the ARC's critical section (caller
// already holds the lock the ARC itself does not take) and MUST NOT block:
// heavy work (updating MetadataIndex, emitting metrics) should be queued by
// the caller's caller, not performed here.
type EjectFunc func(c cid.CID, size int64, reason EvictReason)

// listID names one of the four ARC lists for O(1) dispatch.
type listID uint8

const (
	listT1 listID = iota
	listT2
	listB1
	listB2
)

// node is one entry in one of the four lists. Resident nodes (T1, T2) carry
// a live sharedbytes.Buffer; ghost nodes (B1, B2) carry none.
type node struct {
	cid        cid.CID
	buf        *sharedbytes.Buffer // nil for ghost nodes
	size       int64
	insertedAt time.Time
	list       listID
	prev, next *node
}

// dlist is a sentinel-based intrusive doubly linked list. Push inserts at
// the MRU end (front); back() yields the LRU end.
type dlist struct {
	root node // root.next = MRU (front), root.prev = LRU (back)
	n    int
}

func newDList() *dlist {
	d := &dlist{}
	d.root.next = &d.root
	d.root.prev = &d.root
	return d
}

func (d *dlist) pushFront(n *node) {
	n.next = d.root.next
	n.prev = &d.root
	d.root.next.prev = n
	d.root.next = n
	d.n++
}

func (d *dlist) remove(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next, n.prev = nil, nil
	d.n--
}

func (d *dlist) back() *node {
	if d.n == 0 {
		return nil
	}
	return d.root.prev
}

func (d *dlist) len() int { return d.n }

// Config bundles the tunables for an ARC instance.
type Config struct {
	// MemoryBudget is B_mem, the byte budget for resident (T1+T2) entries.
	// Zero disables the memory tier entirely.
	MemoryBudget int64

	// Protected reports whether a CID must never be selected as an eviction
	// victim. Pure ARC has no notion of pins; this hook lets the
	// orchestrator (pkg/tiercache) inject pin awareness without ARC having
	// to import MetadataIndex. May be nil, meaning nothing is protected.
	Protected func(c cid.CID) bool

	// OnEvict is called when a resident entry is demoted to ghost or
	// explicitly removed. May be nil.
	OnEvict EjectFunc

	// GhostAgeLimit bounds how long a ghost entry survives once the ghost
	// lists are trimmed for exceeding their capacity. Zero means no extra
	// age bound beyond the B1/B2 size caps themselves.
	GhostAgeLimit time.Duration
}

// Stats is the read-only snapshot returned by SnapshotStats.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	BytesUsed  int64
	P          int64
	T1Len      int
	T2Len      int
	B1Len      int
	B2Len      int
}

// Outcome classifies the result of a Lookup.
type Outcome uint8

const (
	// Miss means the CID is not resident and has no ghost entry.
	Miss Outcome = iota
	// HitResident means the CID was found in T1 or T2; bytes are returned.
	HitResident
	// HitGhostB1 means the CID was found in B1: the caller must fetch the
	// bytes (e.g. from DiskTier or ObjectStore) and call AdmitGhost.
	HitGhostB1
	// HitGhostB2 is the B2 analogue of HitGhostB1.
	HitGhostB2
)

// ARC is the Adaptive Replacement Cache. All exported methods assume the
// caller holds whatever external lock guards this instance; ARC itself
// performs no locking (see pkg/tiercache's lock hierarchy).
type ARC struct {
	cfg Config

	index map[cid.CID]*node
	t1    *dlist
	t2    *dlist
	b1    *dlist
	b2    *dlist

	p         int64 // adaptive target size of T1, in entries
	bytesUsed int64

	hits, misses, evictions uint64
}

// New constructs an empty ARC instance.
func New(cfg Config) *ARC {
	return &ARC{
		cfg:   cfg,
		index: make(map[cid.CID]*node, 1024),
		t1:    newDList(),
		t2:    newDList(),
		b1:    newDList(),
		b2:    newDList(),
	}
}

// capacity returns c, the dynamic entry-count capacity: the number of
// currently resident entries (see DESIGN.md's "ghost-list capacity
// accounting" note for why this is recomputed rather than cached).
func (a *ARC) capacity() int64 {
	c := int64(a.t1.len() + a.t2.len())
	if c == 0 {
		c = 1 // avoid degenerate zero-capacity math before any admission
	}
	return c
}

// Lookup promotes per ARC rules and returns the resident bytes on a direct
// hit, or signals a ghost hit that the caller must complete via
// AdmitGhost.
func (a *ARC) Lookup(c cid.CID) (*sharedbytes.Buffer, Outcome) {
	n, ok := a.index[c]
	if !ok {
		a.misses++
		return nil, Miss
	}

	switch n.list {
	case listT1:
		a.hits++
		a.t1.remove(n)
		n.list = listT2
		a.t2.pushFront(n)
		return n.buf.Acquire(), HitResident

	case listT2:
		a.hits++
		a.t2.remove(n)
		a.t2.pushFront(n)
		return n.buf.Acquire(), HitResident

	case listB1:
		a.hits++
		delta := int64(1)
		if a.b1.len() > 0 {
			delta = maxI64(int64(a.b2.len()/a.b1.len()), 1)
		}
		a.p = minI64(a.p+delta, a.capacity())
		a.b1.remove(n)
		delete(a.index, c)
		return nil, HitGhostB1

	case listB2:
		a.hits++
		delta := int64(1)
		if a.b2.len() > 0 {
			delta = maxI64(int64(a.b1.len()/a.b2.len()), 1)
		}
		a.p = maxI64(a.p-delta, 0)
		a.b2.remove(n)
		delete(a.index, c)
		return nil, HitGhostB2

	default:
		a.misses++
		return nil, Miss
	}
}

// Admit inserts a fresh (non-ghost) key at MRU of T1, evicting resident
// entries as needed to respect the
// byte budget. Returns the resident buffer (ref count 1, owned by ARC; the
// caller must Acquire/Release independently for its own reference) and
// whether the admission succeeded. Admission fails when B_mem == 0, when
// size > B_mem, or when eviction cannot free enough room because every
// remaining resident entry is protected: the caller should then route the
// object to DiskTier only.
func (a *ARC) Admit(c cid.CID, data []byte, now time.Time) (*sharedbytes.Buffer, bool) {
	return a.admit(c, data, now, listT1)
}

// AdmitGhost completes a ghost hit returned by Lookup (HitGhostB1/B2): the
// entry is inserted at MRU of T2 directly, per ARC's "bring into T2" rule
// for both B1 and B2 hits.
func (a *ARC) AdmitGhost(c cid.CID, data []byte, now time.Time) (*sharedbytes.Buffer, bool) {
	return a.admit(c, data, now, listT2)
}

func (a *ARC) admit(c cid.CID, data []byte, now time.Time, target listID) (*sharedbytes.Buffer, bool) {
	size := int64(len(data))

	if existing, ok := a.index[c]; ok && (existing.list == listT1 || existing.list == listT2) {
		// Re-admitting an already-resident key is an update, not a second
		// entry (round-trip law: admit(c,b); admit(c,b) == single admit, no
		// double-counted size).
		if size != existing.size {
			a.bytesUsed += size - existing.size
			existing.size = size
		}
		old := existing.buf
		existing.buf = sharedbytes.New(append([]byte(nil), data...), nil)
		old.Release()
		return existing.buf.Acquire(), true
	}

	if a.cfg.MemoryBudget <= 0 {
		return nil, false
	}
	if size > a.cfg.MemoryBudget {
		return nil, false
	}

	evicted, ok := a.makeRoom(size, now)
	if !ok {
		return nil, false
	}

	buf := sharedbytes.New(append([]byte(nil), data...), nil)
	n := &node{cid: c, buf: buf, size: size, insertedAt: now, list: target}
	a.index[c] = n
	switch target {
	case listT1:
		a.t1.pushFront(n)
	default:
		a.t2.pushFront(n)
	}
	a.bytesUsed += size
	a.trimGhosts(now, evicted)
	return buf.Acquire(), true
}

// makeRoom evicts resident entries (LRU of T1 if |T1| > p, else LRU of T2,
// skipping protected/pinned CIDs) until bytesUsed+size fits the budget. It
// returns every node it evicted in this call, so the caller can shield them
// from trimGhosts until a subsequent call gets a chance to look them up.
// Returns ok=false if it cannot free enough room (e.g. everything
// protected).
func (a *ARC) makeRoom(size int64, now time.Time) (evicted []*node, ok bool) {
	for a.bytesUsed+size > a.cfg.MemoryBudget {
		victim, ghostTarget := a.pickVictim()
		if victim == nil {
			return evicted, false
		}
		a.evictToGhost(victim, ghostTarget, now)
		evicted = append(evicted, victim)
	}
	return evicted, true
}

// pickVictim selects the next eviction candidate using ARC's p-adaptive
// preference: LRU of T1 if |T1| > p, else LRU of T2. Protected (pinned)
// entries are skipped by walking toward the MRU end of the same list; if
// every entry in the preferred list is protected or the list is empty, the
// other list is tried before giving up. ghostTarget reports which ghost
// list the eviction belongs to for p-adaptation purposes: it follows the
// *preference*, not necessarily the list the victim physically came from,
// so a preference that had to fall back to the other list (e.g. the
// preferred list is momentarily empty) still lands in the ghost list ARC's
// p bookkeeping expects.
func (a *ARC) pickVictim() (victim *node, ghostTarget listID) {
	tryList := func(d *dlist) *node {
		for n := d.back(); n != nil; n = n.prev {
			if n == &d.root {
				break
			}
			if a.cfg.Protected == nil || !a.cfg.Protected(n.cid) {
				return n
			}
		}
		return nil
	}

	first, second := a.t2, a.t1
	ghostTarget = listB2
	if int64(a.t1.len()) > a.p {
		first, second = a.t1, a.t2
		ghostTarget = listB1
	}
	if v := tryList(first); v != nil {
		return v, ghostTarget
	}
	return tryList(second), ghostTarget
}

func (a *ARC) evictToGhost(n *node, ghostTarget listID, now time.Time) {
	if n.list == listT1 {
		a.t1.remove(n)
	} else {
		a.t2.remove(n)
	}
	a.bytesUsed -= n.size
	a.evictions++

	if a.cfg.OnEvict != nil {
		a.cfg.OnEvict(n.cid, n.size, ReasonCapacity)
	}

	n.buf.Release()
	n.buf = nil
	n.insertedAt = now // age tracked from ghost-entry time, not original admit time

	n.list = ghostTarget
	if ghostTarget == listB1 {
		a.b1.pushFront(n)
	} else {
		a.b2.pushFront(n)
	}
}

// trimGhosts enforces |T1|+|B1| <= c and |T1|+|T2|+|B1|+|B2| <= 2c,
// dropping the oldest (LRU) ghost entries first, and then any ghost entry
// older than GhostAgeLimit if configured. protected lists nodes evicted to
// a ghost list by the very admission that is now calling trimGhosts: since
// capacity() is recomputed from post-eviction residency, a ghost entry
// created moments ago can otherwise appear over-budget and be deleted
// before any lookup ever observes it. Skipping them here defers that trim
// to a later admit/lookup, once the entry has had a chance to be found.
func (a *ARC) trimGhosts(now time.Time, protected []*node) {
	c := a.capacity()
	isProtected := func(n *node) bool {
		for _, p := range protected {
			if p == n {
				return true
			}
		}
		return false
	}
	trimOldest := func(d *dlist) bool {
		for n := d.back(); n != nil; n = n.prev {
			if n == &d.root {
				break
			}
			if isProtected(n) {
				continue
			}
			d.remove(n)
			delete(a.index, n.cid)
			return true
		}
		return false
	}

	for int64(a.t1.len()+a.b1.len()) > c {
		if !trimOldest(a.b1) {
			break
		}
	}

	for int64(a.t1.len()+a.t2.len()+a.b1.len()+a.b2.len()) > 2*c {
		// Prefer trimming the larger ghost list first to balance B1/B2.
		d := a.b2
		if a.b1.len() > a.b2.len() {
			d = a.b1
		}
		if !trimOldest(d) {
			break
		}
	}

	if a.cfg.GhostAgeLimit > 0 {
		a.trimGhostsByAge(a.b1, now, isProtected)
		a.trimGhostsByAge(a.b2, now, isProtected)
	}
}

func (a *ARC) trimGhostsByAge(d *dlist, now time.Time, isProtected func(*node) bool) {
	cutoff := now.Add(-a.cfg.GhostAgeLimit)
	n := d.back()
	for n != nil {
		if n == &d.root || n.insertedAt.After(cutoff) {
			return
		}
		prev := n.prev
		if !isProtected(n) {
			d.remove(n)
			delete(a.index, n.cid)
		}
		n = prev
	}
}

// Remove unconditionally removes c from every list (explicit invalidation).
// It is a no-op if c is absent.
func (a *ARC) Remove(c cid.CID) {
	n, ok := a.index[c]
	if !ok {
		return
	}
	delete(a.index, c)
	switch n.list {
	case listT1:
		a.t1.remove(n)
	case listT2:
		a.t2.remove(n)
	case listB1:
		a.b1.remove(n)
		return
	case listB2:
		a.b2.remove(n)
		return
	}
	a.bytesUsed -= n.size
	if n.buf != nil {
		if a.cfg.OnEvict != nil {
			a.cfg.OnEvict(c, n.size, ReasonRemoved)
		}
		n.buf.Release()
	}
}

// SnapshotStats returns the current hit/miss/eviction counters and list
// sizes.
func (a *ARC) SnapshotStats() Stats {
	return Stats{
		Hits:      a.hits,
		Misses:    a.misses,
		Evictions: a.evictions,
		BytesUsed: a.bytesUsed,
		P:         a.p,
		T1Len:     a.t1.len(),
		T2Len:     a.t2.len(),
		B1Len:     a.b1.len(),
		B2Len:     a.b2.len(),
	}
}

// BytesUsed reports current resident byte usage.
func (a *ARC) BytesUsed() int64 { return a.bytesUsed }

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
