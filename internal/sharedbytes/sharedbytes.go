// Package sharedbytes implements the reference-counted byte buffer shared
// between internal/arc (resident CacheEntry bytes) and internal/disktier
// (memory-mapped regions). Both tiers need the same property: evicting an
// entry from the tier's own bookkeeping must not invalidate bytes a caller
// is still reading.
//
// A Buffer wraps either a plain heap-allocated []byte or an mmap
// region together with a release function invoked once the last reference
// is dropped. A holder that re-acquires after the count touched zero (the
// disktier mapping table does this under its own lock) causes the callback
// to fire again on the next drop to zero, so callbacks must tolerate
// re-invocation.
//
// © 2025 tiercache authors. MIT License.
package sharedbytes

import "sync/atomic"

// Release is invoked when the last reference to a Buffer is dropped. It
// must not block for long: internal/disktier uses it to unmap and (if the
// file was pending removal) unlink the backing file.
type Release func()

// Buffer is a ref-counted view over bytes. The zero value is not usable;
// construct with New.
type Buffer struct {
	data    []byte
	release Release
	refs    atomic.Int32 // starts at 1 for the creator's own reference
}

// New wraps data with an initial reference count of 1, owned by the caller.
// release is invoked once refs drops to zero; it may be nil if there is
// nothing to release (e.g. ordinary GC-backed memory).
func New(data []byte, release Release) *Buffer {
	b := &Buffer{data: data, release: release}
	b.refs.Store(1)
	return b
}

// Bytes returns the underlying slice. The slice is only valid while the
// caller holds a reference (i.e. between Acquire/New and the matching
// Release call).
func (b *Buffer) Bytes() []byte { return b.data }

// Len reports the buffer length in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Acquire increments the reference count and returns the same Buffer for
// convenient chaining at call sites, e.g. `return entry.buf.Acquire()`.
func (b *Buffer) Acquire() *Buffer {
	b.refs.Add(1)
	return b
}

// Release decrements the reference count, invoking the underlying release
// callback when it reaches zero. Safe to call from any goroutine; call
// exactly once per Acquire/New call that produced this reference.
func (b *Buffer) Release() {
	if b.refs.Add(-1) == 0 && b.release != nil {
		b.release()
	}
}

// RefCount returns the current reference count. Inherently racy under
// concurrent Acquire/Release; outside tests and diagnostics it may only be
// consulted under an external lock that also serializes every Acquire (see
// internal/disktier's releaseMapping).
func (b *Buffer) RefCount() int32 { return b.refs.Load() }
