package lake

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// Encoder serializes the rows of one batch file
type Encoder interface {
	Encode(rows []cdc.Row) ([]byte, error)
	Extension() string
}

// NewEncoder returns the encoder for a configured format name.
func NewEncoder(format, compression string) (Encoder, error) {
	switch format {
	case "", "parquet":
		return NewParquetEncoder(compression)
	case "jsonl":
		return JSONLinesEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported lake format %q", format)
	}
}

// JSONLinesEncoder writes one JSON object per row. Keys are emitted in sorted order,
// so the output is byte-for-byte reproducible.
type JSONLinesEncoder struct{}

func (JSONLinesEncoder) Extension() string { return ".jsonl" }

func (JSONLinesEncoder) Encode(rows []cdc.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
	}
	return buf.Bytes(), nil
}
