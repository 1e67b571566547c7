package cdc

import (
	"encoding/json"
	"sync/atomic"
	"time"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

const (
	defaultBufferFactor = 0.2 // 20% safety margin

	// StandardSKULimit is the Service Bus standard tier message size
	StandardSKULimit = 256 * 1024
)

// BatchSizer caps the claim size so that the events of one batch fit in a single transport
// message. It learns the average serialized event size from every published batch.
type BatchSizer struct {
	batchSize      atomic.Int32
	maxBatchSize   int32
	maxMessageSize int
	bufferFactor   float64

	// For monitoring/metrics
	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.bufferFactor = factor
	}
}

// NewBatchSizer creates a BatchSizer that never exceeds maxBatchSize
func NewBatchSizer(maxMessageSize int, maxBatchSize int, opts ...BatchSizerOption) *BatchSizer {
	if maxBatchSize < 1 {
		maxBatchSize = defaultMaxQuerySize
	}
	bs := &BatchSizer{
		maxBatchSize:   int32(maxBatchSize),
		maxMessageSize: maxMessageSize,
		bufferFactor:   defaultBufferFactor,
	}
	for _, opt := range opts {
		opt(bs)
	}

	bs.batchSize.Store(bs.maxBatchSize)
	return bs
}

// GetBatchSize returns the current calculated batch size
func (bs *BatchSizer) GetBatchSize() int32 {
	size := bs.batchSize.Load()
	// Never return 0 as batch size
	if size <= 0 {
		return bs.maxBatchSize
	}
	return size
}

// Observe samples the serialized size of published events and recalculates the batch size.
func (bs *BatchSizer) Observe(events []api.EventEnvelope) {
	if len(events) == 0 || bs.maxMessageSize <= 0 {
		return
	}

	var totalSize int64
	var count int32
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			continue
		}
		totalSize += int64(len(data))
		count++
	}
	if count == 0 {
		return
	}

	avgSize := float64(totalSize) / float64(count)
	effectiveSize := avgSize * (1 + bs.bufferFactor)
	maxRecords := int32(float64(bs.maxMessageSize) / effectiveSize)

	switch {
	case maxRecords < 1:
		maxRecords = 1
	case maxRecords > bs.maxBatchSize:
		maxRecords = bs.maxBatchSize
	}

	bs.batchSize.Store(maxRecords)
	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(count)
	bs.lastAvgRowSize.Store(int32(avgSize))
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int32
	LastSampleTime   time.Time
	LastSampleSize   int32
	AvgRowSize       int32
	MaxMessageSize   int
	BufferFactor     float64
}

// GetMetrics returns current batch sizing metrics
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	return BatchSizerMetrics{
		CurrentBatchSize: bs.GetBatchSize(),
		LastSampleTime:   time.Unix(bs.lastSampleTime.Load(), 0),
		LastSampleSize:   bs.lastSampleSize.Load(),
		AvgRowSize:       bs.lastAvgRowSize.Load(),
		MaxMessageSize:   bs.maxMessageSize,
		BufferFactor:     bs.bufferFactor,
	}
}
