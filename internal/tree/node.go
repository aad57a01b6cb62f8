// Package tree maintains the committed Merkle tree over the log's blocks:
// the root cover, changesets staging the next commit, byte-offset walks,
// and production and verification of the wire proof messages.
package tree

import (
	"encoding/binary"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/encoding"
	"github.com/scigolib/merklelog/internal/storage"
)

// HeaderOffset reserves the first 32 bytes of the tree segment.
const HeaderOffset = 32

// RecordSize is the fixed stride of a node record in the tree segment:
// 32 hash bytes followed by a little-endian u64 length.
const RecordSize = 40

// Node is a Merkle tree node at a flat index. Length is the total byte
// length of the blocks under it; for a leaf that is the block's own length.
type Node struct {
	Index  uint64
	Length uint64
	Hash   crypto.Hash
}

// recordOffset returns the byte offset of index's record in the tree
// segment.
func recordOffset(index uint64) uint64 {
	return HeaderOffset + RecordSize*index
}

// encodeRecord lays a node out in its fixed 40-byte segment form.
func encodeRecord(n Node) []byte {
	buf := make([]byte, RecordSize)
	copy(buf, n.Hash[:])
	binary.LittleEndian.PutUint64(buf[crypto.HashSize:], n.Length)
	return buf
}

// decodeRecord parses a 40-byte record. The second return is false for an
// all-zero record, which marks a missing node.
func decodeRecord(index uint64, buf []byte) (Node, bool) {
	n := Node{Index: index}
	copy(n.Hash[:], buf)
	n.Length = binary.LittleEndian.Uint64(buf[crypto.HashSize:])
	if n.Length == 0 && n.Hash == (crypto.Hash{}) {
		return Node{}, false
	}
	return n, true
}

// RecordSlices converts nodes into pending tree-segment writes.
func RecordSlices(nodes []Node) []storage.Slice {
	slices := make([]storage.Slice, 0, len(nodes))
	for _, n := range nodes {
		slices = append(slices, storage.Slice{
			Offset: recordOffset(n.Index),
			Data:   encodeRecord(n),
		})
	}
	return slices
}

// RecordInstructions names the segment ranges holding the given flat
// indices.
func RecordInstructions(indices []uint64) []storage.SliceInstruction {
	ins := make([]storage.SliceInstruction, 0, len(indices))
	for _, i := range indices {
		ins = append(ins, storage.SliceInstruction{Offset: recordOffset(i), Length: RecordSize})
	}
	return ins
}

// PreencodeNode reserves room for n in the compact encoding.
func PreencodeNode(s *encoding.State, n Node) {
	s.PreencodeUint(n.Index)
	s.PreencodeUint(n.Length)
	s.PreencodeFixed(crypto.HashSize)
}

// EncodeNode writes n in its compact form: index, length, raw hash.
func EncodeNode(s *encoding.State, n Node) error {
	if err := s.EncodeUint(n.Index); err != nil {
		return err
	}
	if err := s.EncodeUint(n.Length); err != nil {
		return err
	}
	return s.EncodeFixed(n.Hash[:])
}

// DecodeNode reads a compact node.
func DecodeNode(s *encoding.State) (Node, error) {
	var n Node
	var err error
	if n.Index, err = s.DecodeUint(); err != nil {
		return Node{}, err
	}
	if n.Length, err = s.DecodeUint(); err != nil {
		return Node{}, err
	}
	raw, err := s.DecodeFixed(crypto.HashSize)
	if err != nil {
		return Node{}, err
	}
	copy(n.Hash[:], raw)
	return n, nil
}

// PreencodeNodes reserves room for a length-prefixed node array.
func PreencodeNodes(s *encoding.State, nodes []Node) {
	s.PreencodeUint(uint64(len(nodes)))
	for _, n := range nodes {
		PreencodeNode(s, n)
	}
}

// EncodeNodes writes a length-prefixed node array.
func EncodeNodes(s *encoding.State, nodes []Node) error {
	if err := s.EncodeUint(uint64(len(nodes))); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := EncodeNode(s, n); err != nil {
			return err
		}
	}
	return nil
}

// DecodeNodes reads a length-prefixed node array.
func DecodeNodes(s *encoding.State) ([]Node, error) {
	count, err := s.DecodeUint()
	if err != nil {
		return nil, err
	}
	if count > uint64(s.Remaining()) {
		return nil, encoding.ErrOutOfBounds
	}
	nodes := make([]Node, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := DecodeNode(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
