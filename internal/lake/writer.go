package lake

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/objectstore"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// StagedObject is an encoded file waiting under a staging key
type StagedObject struct {
	Key   string
	Rows  int
	Bytes int
}

// Writer encodes batches and moves them through staging into the lake
type Writer struct {
	store   objectstore.Store
	encoder Encoder
	log     hclog.Logger
}

func NewWriter(store objectstore.Store, encoder Encoder, log hclog.Logger) *Writer {
	return &Writer{store: store, encoder: encoder, log: log.Named("writer")}
}

// Extension is the file suffix of every object this writer produces.
func (w *Writer) Extension() string {
	return w.encoder.Extension()
}

// Store returns the underlying object store.
func (w *Writer) Store() objectstore.Store {
	return w.store
}

// WriteBatch encodes rows and stores them under stagingKey. Staged objects are never
// visible to lake readers.
func (w *Writer) WriteBatch(ctx context.Context, stagingKey string, rows []cdc.Row) (StagedObject, error) {
	if len(rows) == 0 {
		return StagedObject{}, fmt.Errorf("refusing to stage empty batch at %s", stagingKey)
	}
	data, err := w.encoder.Encode(rows)
	if err != nil {
		return StagedObject{}, fmt.Errorf("failed to encode %s: %w", stagingKey, err)
	}
	if err := w.store.Put(ctx, stagingKey, data); err != nil {
		return StagedObject{}, fmt.Errorf("failed to stage %s: %w", stagingKey, err)
	}
	w.log.Debug("Staged object", "key", stagingKey, "rows", len(rows), "bytes", len(data))
	return StagedObject{Key: stagingKey, Rows: len(rows), Bytes: len(data)}, nil
}

// Publish promotes a staged object to its final key. Publishing is idempotent: when
// the staged object is gone but the final key exists, an earlier attempt already won.
func (w *Writer) Publish(ctx context.Context, staged StagedObject, finalKey string) (string, error) {
	err := w.store.Promote(ctx, staged.Key, finalKey)
	if err == nil {
		w.log.Debug("Published object", "key", finalKey, "rows", staged.Rows)
		return finalKey, nil
	}
	if ok, existsErr := w.store.Exists(ctx, finalKey); existsErr == nil && ok {
		return finalKey, nil
	}
	return "", fmt.Errorf("failed to publish %s: %w", finalKey, err)
}
