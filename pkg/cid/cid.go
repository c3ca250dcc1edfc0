// Package cid implements the opaque content identifier used as the key for
// every tier of tiercache.  A CID has a canonical string form and a binary
// form; the core never parses its internal structure (multicodec, multihash
// version, digest algorithm, ...) — that is the job of whatever produced the
// identifier, normally the ObjectStore daemon on the other side of the
// narrow interface in pkg/tiercache.
//
// © 2025 tiercache authors. MIT License.
package cid

import (
	"errors"
	"hash/maphash"

	"github.com/objectfs/tiercache/internal/byteconv"
)

// ErrInvalidCID is returned by Parse when the input cannot be a CID: empty
// input is the only case the core itself rejects, since it does not
// understand multibase/multihash framing.
var ErrInvalidCID = errors.New("cid: invalid content identifier")

// seed is process-wide: a CID is always a byte string, never an arbitrary
// scalar key, so one seed computed once is enough and avoids reseeding on
// every lookup.
var seed = maphash.MakeSeed()

// CID is an immutable, comparable content identifier. The zero value is not
// a valid CID; always obtain one via Parse or FromBytes.
type CID struct {
	raw  string // canonical string form, kept as the backing store
	hash uint64 // precomputed maphash.Sum64, exposed via Hash
}

// Parse validates and wraps a canonical CID string. tiercache treats the
// string as opaque bytes; it does not validate multibase/multihash framing,
// only that it is non-empty.
func Parse(s string) (CID, error) {
	if s == "" {
		return CID{}, ErrInvalidCID
	}
	return CID{raw: s, hash: hashString(s)}, nil
}

// FromBytes wraps a binary CID. The bytes are copied (via the string(b)
// conversion passed to Parse) rather than zero-copied: callers commonly pass
// slices backed by a reference-counted Arrow/Parquet buffer whose lifetime
// outlives this call only incidentally, and a CID must remain valid for the
// life of the process regardless of when that buffer is released.
func FromBytes(b []byte) (CID, error) {
	if len(b) == 0 {
		return CID{}, ErrInvalidCID
	}
	return Parse(string(b))
}

// String returns the canonical string form.
func (c CID) String() string { return c.raw }

// Bytes returns the binary form as a zero-copy view over c's internal
// string storage. The returned slice aliases immutable memory: callers MUST
// NOT write to it. This holds for every current call site (Arrow/Parquet
// builders, which copy on Append).
func (c CID) Bytes() []byte { return byteconv.StringToBytes(c.raw) }

// IsZero reports whether c is the zero value (never produced by Parse).
func (c CID) IsZero() bool { return c.raw == "" }

// Hash returns the precomputed 64-bit hash. Go maps keyed by CID hash the
// whole struct themselves and do not consult this value. It is not a
// content hash and MUST NOT be persisted or
// compared across process restarts (maphash seeds are randomized per
// process unless pinned, and ours is pinned for the process lifetime only).
func (c CID) Hash() uint64 { return c.hash }

// ShardPrefix returns the two two-character shard components DiskTier uses
// to lay out <root>/objects/<aa>/<bb>/<cid>. Short CIDs are padded with '_'
// so the layout is always well-formed.
func (c CID) ShardPrefix() (aa, bb string) {
	s := c.raw
	pad := func(i int) byte {
		if i < len(s) {
			return s[i]
		}
		return '_'
	}
	return string([]byte{pad(0), pad(1)}), string([]byte{pad(2), pad(3)})
}

func hashString(s string) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	_, _ = h.WriteString(s)
	return h.Sum64()
}
