package materializer

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultBufferFactor = 0.2 // 20% safety margin
	defaultMinBatchSize = 50
)

// BatchSizer calculates and maintains the record limit of a partition's batches so
// that one file lands near the target size
type BatchSizer struct {
	batchSize    atomic.Int32
	partition    string
	targetBytes  int64
	maxRecords   int32
	minRecords   int32
	bufferFactor float64
	log          hclog.Logger

	// reported on /status
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// NewBatchSizer creates a new BatchSizer instance. It starts at maxRecords and only
// shrinks once encoded sizes have been observed.
func NewBatchSizer(partition string, targetBytes int64, maxRecords int, log hclog.Logger, opts ...BatchSizerOption) *BatchSizer {
	bs := &BatchSizer{
		partition:    partition,
		targetBytes:  targetBytes,
		maxRecords:   int32(maxRecords),
		minRecords:   defaultMinBatchSize,
		bufferFactor: defaultBufferFactor,
		log:          log,
	}

	// Apply any custom options
	for _, opt := range opts {
		opt(bs)
	}
	if bs.minRecords > bs.maxRecords {
		bs.minRecords = bs.maxRecords
	}

	bs.batchSize.Store(bs.maxRecords)
	return bs
}

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		if factor >= 0 {
			bs.bufferFactor = factor
		}
	}
}

// WithMinBatchSize sets the floor of the adaptive limit
func WithMinBatchSize(size int) BatchSizerOption {
	return func(bs *BatchSizer) {
		if size > 0 {
			bs.minRecords = int32(size)
		}
	}
}

// GetBatchSize returns the current calculated batch size
func (bs *BatchSizer) GetBatchSize() int32 {
	size := bs.batchSize.Load()
	// Never return 0 as batch size
	if size <= 0 {
		return bs.maxRecords
	}
	return size
}

// Store updates the current batch size atomically
func (bs *BatchSizer) Store(size int32) {
	if old := bs.batchSize.Swap(size); old != size {
		bs.log.Debug("Batch size updated",
			"partition", bs.partition,
			"newSize", size,
			"time", time.Now().Format(time.RFC3339))
	}
}

// Observe feeds the encoded size of a committed batch back into the limit.
func (bs *BatchSizer) Observe(rows int, bytes int64) {
	if rows <= 0 || bytes <= 0 || bs.targetBytes <= 0 {
		return
	}

	avgSize := float64(bytes) / float64(rows)
	// Apply buffer factor
	effectiveSize := avgSize * (1 + bs.bufferFactor)

	maxRecords := int64(float64(bs.targetBytes) / effectiveSize)

	// Apply reasonable limits to batch size
	var newBatchSize int32
	switch {
	case maxRecords > int64(bs.maxRecords):
		newBatchSize = bs.maxRecords
	case maxRecords < int64(bs.minRecords):
		newBatchSize = bs.minRecords
	default:
		newBatchSize = int32(maxRecords)
	}

	bs.Store(newBatchSize)

	bs.lastAvgRowSize.Store(int32(avgSize))
}

// LastAvgRowSize returns the average encoded row size of the last observed batch.
func (bs *BatchSizer) LastAvgRowSize() int32 {
	return bs.lastAvgRowSize.Load()
}
