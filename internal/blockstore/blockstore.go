// Package blockstore maps block indices to byte ranges in the data
// segment. Allocation is end-of-segment only: a batch lands at the current
// committed byte length and committed ranges are never rewritten.
package blockstore

import (
	"github.com/scigolib/merklelog/internal/storage"
	"github.com/scigolib/merklelog/internal/tree"
)

// BlockStore assembles data-segment writes for batches and resolves block
// ranges through the tree. It holds no state of its own.
type BlockStore struct{}

// AppendBatch concatenates a batch into one pending write at the current
// end of the data segment. totalBytes must equal the summed payload
// lengths; byteLength is the committed byte length the batch appends at.
func (BlockStore) AppendBatch(batch [][]byte, totalBytes, byteLength uint64) storage.Slice {
	data := make([]byte, 0, totalBytes)
	for _, b := range batch {
		data = append(data, b...)
	}
	return storage.Slice{Offset: byteLength, Data: data}
}

// RangeOf resolves a committed block's byte range from the tree's node
// lengths.
func (BlockStore) RangeOf(t *tree.MerkleTree, index uint64) (uint64, uint64, error) {
	return t.ByteRange(index)
}
