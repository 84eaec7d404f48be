// Package pool provides object pooling to reduce GC pressure on the
// streaming response hot path.
package pool

import (
	"sync"

	"github.com/wholeslide/annostore/pkg/geometry"
)

// ElementBatchPool pools element batches for the streaming encoder.
var ElementBatchPool = sync.Pool{
	New: func() any {
		batch := make([]geometry.Element, 0, 128)
		return &batch
	},
}

// RecordPool pools the 28-byte scratch buffers of centroid records.
var RecordPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 28)
		return &buf
	},
}

// GetBatch gets an empty element batch from the pool.
func GetBatch() []geometry.Element {
	batch := ElementBatchPool.Get().(*[]geometry.Element)
	return (*batch)[:0]
}

// PutBatch returns a batch to the pool.
func PutBatch(batch []geometry.Element) {
	ElementBatchPool.Put(&batch)
}

// GetRecord gets a centroid record buffer from the pool.
func GetRecord() []byte {
	return *(RecordPool.Get().(*[]byte))
}

// PutRecord returns a record buffer to the pool.
func PutRecord(buf []byte) {
	RecordPool.Put(&buf)
}
