package metaindex

import "github.com/apache/arrow-go/v18/arrow"

// Schema is the canonical Arrow/Parquet schema for a MetadataRecord. Field
// order is load-bearing: readers written against this schema version assume
// it. A future incompatible layout must bump manifestSchemaVersion instead
// of reordering or retyping these fields in place.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "cid", Type: arrow.BinaryTypes.Binary},
	{Name: "size_bytes", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "mime", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "added_at", Type: arrow.PrimitiveTypes.Int64},
	{Name: "last_accessed", Type: arrow.PrimitiveTypes.Int64},
	{Name: "access_count", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "heat", Type: arrow.PrimitiveTypes.Float32},
	{Name: "pinned", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "in_memory", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "on_disk", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "checksum", Type: arrow.BinaryTypes.Binary},
}, nil)

// checksum is stored as the Parquet physical type BINARY: an 8-byte
// big-endian encoding of the xxhash64 digest, not the native uint64 arrow
// type. See checksumToBytes/checksumFromBytes in parquet_io.go.

// manifestSchemaVersion is written into every manifest file. Open refuses to
// load a manifest declaring a newer version than it understands.
const manifestSchemaVersion = 1
