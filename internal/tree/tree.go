package tree

import (
	"errors"
	"fmt"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/flat"
	"github.com/scigolib/merklelog/internal/storage"
)

var (
	// ErrCorruptTree marks a tree segment whose required node records
	// are missing or inconsistent with the committed header.
	ErrCorruptTree = errors.New("corrupt tree")

	// ErrMissingNode marks a node record that is not materialized in
	// the tree segment.
	ErrMissingNode = errors.New("missing tree node")

	// ErrBlockOutOfBounds marks a block index at or past the committed
	// length.
	ErrBlockOutOfBounds = errors.New("block out of bounds")

	// ErrStaleChangeset marks a changeset committed against a tree
	// that has moved since the changeset was created.
	ErrStaleChangeset = errors.New("stale changeset")
)

// MerkleTree is the committed tree state: the root cover of [0, length),
// the totals derived from it, and the writer's signature over them. Node
// records outside the root cover are read on demand from the tree segment.
type MerkleTree struct {
	seg storage.Segment

	roots      []Node
	length     uint64
	byteLength uint64
	fork       uint64
	signature  []byte
}

// Open reconstructs the committed tree for the header state. The root
// cover is read from the tree segment; a missing root record or a root set
// that does not re-derive the header's root hash is a corrupt tree.
func Open(seg storage.Segment, fork, length uint64, rootHash crypto.Hash, signature []byte) (*MerkleTree, error) {
	t := &MerkleTree{
		seg:       seg,
		fork:      fork,
		length:    length,
		signature: append([]byte(nil), signature...),
	}
	if length == 0 {
		t.signature = nil
		return t, nil
	}

	indices, err := flat.FullRoots(2 * length)
	if err != nil {
		return nil, err
	}
	bufs, err := storage.ReadSlices(seg, storage.NameTree, RecordInstructions(indices))
	if err != nil {
		return nil, err
	}
	for i, idx := range indices {
		n, ok := decodeRecord(idx, bufs[i])
		if !ok {
			return nil, fmt.Errorf("%w: root %d missing", ErrCorruptTree, idx)
		}
		t.roots = append(t.roots, n)
		t.byteLength += n.Length
	}

	if t.Signable() != rootHash {
		return nil, fmt.Errorf("%w: root hash mismatch", ErrCorruptTree)
	}
	return t, nil
}

// Length returns the committed block count.
func (t *MerkleTree) Length() uint64 { return t.length }

// ByteLength returns the committed payload byte total.
func (t *MerkleTree) ByteLength() uint64 { return t.byteLength }

// Fork returns the fork counter.
func (t *MerkleTree) Fork() uint64 { return t.fork }

// Signature returns the signature over the committed state, nil for an
// empty tree.
func (t *MerkleTree) Signature() []byte {
	return append([]byte(nil), t.signature...)
}

// Roots returns a copy of the committed root cover.
func (t *MerkleTree) Roots() []Node {
	return append([]Node(nil), t.roots...)
}

// Signable returns the digest the writer signs for the committed state.
func (t *MerkleTree) Signable() crypto.Hash {
	return signableFor(t.length, t.fork, t.roots)
}

func signableFor(length, fork uint64, roots []Node) crypto.Hash {
	hashes := make([]crypto.Hash, 0, len(roots))
	for _, r := range roots {
		hashes = append(hashes, r.Hash)
	}
	return crypto.TreeSignable(length, fork, hashes)
}

// Node returns the node at a flat index, from the root cover when it is a
// root, otherwise from the tree segment.
func (t *MerkleTree) Node(index uint64) (Node, error) {
	for _, r := range t.roots {
		if r.Index == index {
			return r, nil
		}
	}
	buf, err := storage.ReadSlice(t.seg, storage.NameTree, RecordInstructions([]uint64{index})[0])
	if err != nil {
		return Node{}, err
	}
	n, ok := decodeRecord(index, buf)
	if !ok {
		return Node{}, fmt.Errorf("%w: %d", ErrMissingNode, index)
	}
	return n, nil
}

// ByteRange locates a committed block in the data segment: its byte offset
// and length. The walk descends from the covering root using node lengths.
func (t *MerkleTree) ByteRange(index uint64) (uint64, uint64, error) {
	if index >= t.length {
		return 0, 0, fmt.Errorf("%w: %d >= %d", ErrBlockOutOfBounds, index, t.length)
	}
	target := 2 * index

	var offset uint64
	for _, root := range t.roots {
		if !flat.Covers(root.Index, target) {
			offset += root.Length
			continue
		}
		cur := root
		for cur.Index != target {
			leftIndex, _ := flat.LeftChild(cur.Index)
			left, err := t.Node(leftIndex)
			if err != nil {
				if errors.Is(err, ErrMissingNode) {
					return 0, 0, fmt.Errorf("%w: node %d", ErrCorruptTree, leftIndex)
				}
				return 0, 0, err
			}
			if flat.Covers(leftIndex, target) {
				cur = left
				continue
			}
			offset += left.Length
			rightIndex, _ := flat.RightChild(cur.Index)
			right, err := t.Node(rightIndex)
			if err != nil {
				if errors.Is(err, ErrMissingNode) {
					return 0, 0, fmt.Errorf("%w: node %d", ErrCorruptTree, rightIndex)
				}
				return 0, 0, err
			}
			cur = right
		}
		return offset, cur.Length, nil
	}
	return 0, 0, fmt.Errorf("%w: %d", ErrBlockOutOfBounds, index)
}

// MissingNodesFor returns the flat indices of the sibling nodes along the
// Merkle path from block index up to its covering root that are not
// materialized locally. Peers request these to complete a proof.
func (t *MerkleTree) MissingNodesFor(index uint64) ([]uint64, error) {
	if index >= t.length {
		return nil, fmt.Errorf("%w: %d >= %d", ErrBlockOutOfBounds, index, t.length)
	}
	rootSet := t.rootIndexSet()

	var missing []uint64
	cur := 2 * index
	for !rootSet[cur] {
		sib := flat.Sibling(cur)
		if _, err := t.Node(sib); err != nil {
			if !errors.Is(err, ErrMissingNode) {
				return nil, err
			}
			missing = append(missing, sib)
		}
		cur = flat.Parent(cur)
	}
	return missing, nil
}

func (t *MerkleTree) rootIndexSet() map[uint64]bool {
	set := make(map[uint64]bool, len(t.roots))
	for _, r := range t.roots {
		set[r.Index] = true
	}
	return set
}

// coveringRoot returns the committed root whose span contains the flat
// index, if any.
func (t *MerkleTree) coveringRoot(target uint64) (Node, bool) {
	for _, r := range t.roots {
		if flat.Covers(r.Index, target) {
			return r, true
		}
	}
	return Node{}, false
}

// Commit replaces the committed state with a changeset's. The caller must
// already have made the matching oplog entry durable. The returned slices
// materialize the changeset's nodes in the tree segment.
func (t *MerkleTree) Commit(c *Changeset) ([]storage.Slice, error) {
	if c.Ancestors != t.length || c.Fork != t.fork {
		return nil, ErrStaleChangeset
	}
	t.roots = append([]Node(nil), c.Roots...)
	t.length = c.Length
	t.byteLength = c.ByteLength
	t.signature = append([]byte(nil), c.Signature...)
	return RecordSlices(c.Nodes), nil
}

// applyState replaces the committed state wholesale. Used by upgrade
// application and oplog replay, where the new roots arrive from outside a
// locally built changeset.
func (t *MerkleTree) applyState(roots []Node, length, fork uint64, signature []byte) {
	t.roots = append([]Node(nil), roots...)
	t.length = length
	t.fork = fork
	t.byteLength = 0
	for _, r := range roots {
		t.byteLength += r.Length
	}
	t.signature = append([]byte(nil), signature...)
}

// ApplyUpgradeEntry advances the committed state by one replayed oplog
// entry: the entry's nodes plus the previous state must yield the new root
// cover. Returns the node records to persist.
func (t *MerkleTree) ApplyUpgradeEntry(fork, length uint64, signature []byte, nodes []Node) ([]storage.Slice, error) {
	indices, err := flat.FullRoots(2 * length)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[uint64]Node, len(nodes))
	for _, n := range nodes {
		byIndex[n.Index] = n
	}

	roots := make([]Node, 0, len(indices))
	for _, idx := range indices {
		if n, ok := byIndex[idx]; ok {
			roots = append(roots, n)
			continue
		}
		n, err := t.Node(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: replay root %d", ErrCorruptTree, idx)
		}
		roots = append(roots, n)
	}

	t.applyState(roots, length, fork, signature)
	return RecordSlices(nodes), nil
}
