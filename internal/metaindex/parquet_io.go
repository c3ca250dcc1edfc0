package metaindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/objectfs/tiercache/pkg/cid"
)

var pool = memory.NewGoAllocator()

// compressionCodec is applied to every Parquet column.
var compressionCodec = compress.Codecs.Zstd

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func checksumToBytes(sum uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, sum)
	return b
}

func checksumFromBytes(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// buildRecord converts a batch of Go-native records into one Arrow record
// batch matching Schema, via the column builders arrow-go generates for us.
func buildRecord(records []MetadataRecord) arrow.Record {
	b := array.NewRecordBuilder(pool, Schema)
	defer b.Release()

	cidB := b.Field(0).(*array.BinaryBuilder)
	sizeB := b.Field(1).(*array.Uint64Builder)
	mimeB := b.Field(2).(*array.StringBuilder)
	addedB := b.Field(3).(*array.Int64Builder)
	lastB := b.Field(4).(*array.Int64Builder)
	accessB := b.Field(5).(*array.Uint64Builder)
	heatB := b.Field(6).(*array.Float32Builder)
	pinnedB := b.Field(7).(*array.BooleanBuilder)
	inMemB := b.Field(8).(*array.BooleanBuilder)
	onDiskB := b.Field(9).(*array.BooleanBuilder)
	checksumB := b.Field(10).(*array.BinaryBuilder)

	for _, r := range records {
		cidB.Append(r.CID.Bytes())
		sizeB.Append(r.SizeBytes)
		if r.Mime == "" {
			mimeB.AppendNull()
		} else {
			mimeB.Append(r.Mime)
		}
		addedB.Append(r.AddedAt.UnixMilli())
		lastB.Append(r.LastAccessed.UnixMilli())
		accessB.Append(r.AccessCount)
		heatB.Append(r.Heat)
		pinnedB.Append(r.Pinned)
		inMemB.Append(r.InMemory)
		onDiskB.Append(r.OnDisk)
		checksumB.Append(checksumToBytes(r.Checksum))
	}

	return b.NewRecord()
}

// writeOnly hides the Close method of the embedded io.Writer so that the
// parquet writer's internal sink wrapper (which closes its underlying
// writer if it implements io.Closer) does not close the caller's file
// handle; writePartition needs to fsync the file itself after the parquet
// writer has flushed its footer.
type writeOnly struct {
	io.Writer
}

// writePartition serializes records as a single Arrow record batch and
// writes it to path as a Parquet file using the canonical schema. Callers
// are responsible for the write-temp-then-rename protocol; this function
// writes exactly the given path.
func writePartition(path string, records []MetadataRecord) error {
	rec := buildRecord(records)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metaindex: create partition file: %w", err)
	}
	defer f.Close()

	props := parquet.NewWriterProperties(parquet.WithCompression(compressionCodec))
	writer, err := pqarrow.NewFileWriter(Schema, writeOnly{f}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("metaindex: new parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("metaindex: write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("metaindex: close parquet writer: %w", err)
	}
	return f.Sync()
}

// readPartition loads one Parquet partition back into Go-native records. A
// checksum or structural mismatch surfaces as an error; the caller (Load)
// treats that as "skip this partition with a warning".
func readPartition(path string) ([]MetadataRecord, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("metaindex: open parquet file: %w", err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, pool)
	if err != nil {
		return nil, fmt.Errorf("metaindex: new parquet reader: %w", err)
	}

	table, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, fmt.Errorf("metaindex: read table: %w", err)
	}
	defer table.Release()

	return recordsFromTable(table)
}

// recordsFromTable walks an Arrow table (possibly multiple chunks per
// column) and reconstructs Go-native MetadataRecords.
func recordsFromTable(table arrow.Table) ([]MetadataRecord, error) {
	n := int(table.NumRows())
	out := make([]MetadataRecord, 0, n)

	tr := array.NewTableReader(table, table.NumRows())
	defer tr.Release()

	for tr.Next() {
		rec := tr.Record()
		cidCol := rec.Column(0).(*array.Binary)
		sizeCol := rec.Column(1).(*array.Uint64)
		mimeCol := rec.Column(2).(*array.String)
		addedCol := rec.Column(3).(*array.Int64)
		lastCol := rec.Column(4).(*array.Int64)
		accessCol := rec.Column(5).(*array.Uint64)
		heatCol := rec.Column(6).(*array.Float32)
		pinnedCol := rec.Column(7).(*array.Boolean)
		inMemCol := rec.Column(8).(*array.Boolean)
		onDiskCol := rec.Column(9).(*array.Boolean)
		checksumCol := rec.Column(10).(*array.Binary)

		for i := 0; i < int(rec.NumRows()); i++ {
			c, err := cid.FromBytes(cidCol.Value(i))
			if err != nil {
				return nil, fmt.Errorf("metaindex: corrupt cid column at row %d: %w", i, err)
			}
			mr := MetadataRecord{
				CID:          c,
				SizeBytes:    sizeCol.Value(i),
				AddedAt:      msToTime(addedCol.Value(i)),
				LastAccessed: msToTime(lastCol.Value(i)),
				AccessCount:  accessCol.Value(i),
				Heat:         heatCol.Value(i),
				Pinned:       pinnedCol.Value(i),
				InMemory:     inMemCol.Value(i),
				OnDisk:       onDiskCol.Value(i),
				Checksum:     checksumFromBytes(checksumCol.Value(i)),
			}
			if mimeCol.IsValid(i) {
				mr.Mime = mimeCol.Value(i)
			}
			out = append(out, mr)
		}
	}
	return out, nil
}
