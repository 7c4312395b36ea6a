package lake

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// ParquetEncoder writes one Parquet file per batch through Arrow
type ParquetEncoder struct {
	allocator   memory.Allocator
	compression compress.Compression
}

// NewParquetEncoder validates the codec name: "none", "snappy", "gzip" or "zstd".
// An empty name selects snappy.
func NewParquetEncoder(codec string) (*ParquetEncoder, error) {
	var c compress.Compression
	switch codec {
	case "", "snappy":
		c = compress.Codecs.Snappy
	case "gzip":
		c = compress.Codecs.Gzip
	case "zstd":
		c = compress.Codecs.Zstd
	case "none":
		c = compress.Codecs.Uncompressed
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", codec)
	}
	return &ParquetEncoder{allocator: memory.DefaultAllocator, compression: c}, nil
}

func (e *ParquetEncoder) Extension() string { return ".parquet" }

func (e *ParquetEncoder) Encode(rows []cdc.Row) ([]byte, error) {
	cols := inferColumns(rows)

	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.kind), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(e.allocator, schema)
	defer b.Release()

	for _, row := range rows {
		for i, c := range cols {
			appendValue(b.Field(i), row[c.Name])
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(e.compression))
	w, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write parquet record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func arrowType(k kind) arrow.DataType {
	switch k {
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	case kindTime:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

func appendValue(fb array.Builder, v any) {
	if v == nil {
		fb.AppendNull()
		return
	}
	switch b := fb.(type) {
	case *array.BooleanBuilder:
		b.Append(v.(bool))
	case *array.Int64Builder:
		b.Append(int64Value(v))
	case *array.Float64Builder:
		b.Append(float64Value(v))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(v.(time.Time).UnixMicro()))
	case *array.StringBuilder:
		b.Append(stringValue(v))
	default:
		fb.AppendNull()
	}
}
