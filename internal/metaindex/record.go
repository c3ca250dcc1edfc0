// Package metaindex implements a durable, queryable columnar index over
// every CID the cache has observed — size, mime, timestamps, access
// statistics, heat, pin/tier flags, and a corruption-detection checksum.
// In-memory it is an ordinary Go map guarded by a single-writer mutex:
// writes are serialized by the mutex, while reads take a snapshot copy and
// require no lock once taken. Durable storage is Parquet, written and read
// through Arrow record batches; Scan works over the Go map, not over Arrow
// batches.
//
// © 2025 tiercache authors. MIT License.
package metaindex

import (
	"time"

	"github.com/objectfs/tiercache/pkg/cid"
)

// MetadataRecord is one row. Field order here mirrors the canonical Parquet
// physical schema; do not reorder.
type MetadataRecord struct {
	CID          cid.CID
	SizeBytes    uint64
	Mime         string // empty means "not set" (nullable in Parquet)
	AddedAt      time.Time
	LastAccessed time.Time
	AccessCount  uint64
	Heat         float32
	Pinned       bool
	InMemory     bool
	OnDisk       bool
	Checksum     uint64 // xxhash64 digest of the object bytes
}

// Mutator mutates a record in place under PutOrUpdate's lock. It must be
// side-effect-free beyond the record itself.
type Mutator func(rec *MetadataRecord)

func cloneRecord(r MetadataRecord) MetadataRecord { return r }
