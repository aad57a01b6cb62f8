package tree

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/flat"
)

var (
	// ErrInvalidProof marks a proof that does not fold into the
	// verifier's root cover.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrInvalidSignature marks an upgrade whose signature does not
	// verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNonMonotonicUpgrade marks an upgrade that does not extend the
	// verifier's tree.
	ErrNonMonotonicUpgrade = errors.New("non-monotonic upgrade")
)

// Proof bundles the wire messages a peer may combine in one delivery: a
// block or hash proof, optionally anchored in an upgrade that extends the
// verifier's tree, and optionally a seek.
type Proof struct {
	Block   *DataBlock
	Hash    *DataHash
	Seek    *DataSeek
	Upgrade *DataUpgrade
}

// AppliedDelta is the outcome of a successful verification: the node
// records to persist, and the post-verification tree state.
type AppliedDelta struct {
	Nodes []Node

	Upgraded   bool
	Length     uint64
	ByteLength uint64
	Fork       uint64
	Signature  []byte
}

// ProofForBlock builds the block proof for a request, given the block's
// payload bytes. The path siblings are read from the committed tree; the
// topmost req.Nodes siblings are omitted, mirroring how many ancestors the
// requester said it holds.
func (t *MerkleTree) ProofForBlock(req RequestBlock, value []byte) (*DataBlock, error) {
	sibs, err := t.pathSiblings(req.Index)
	if err != nil {
		return nil, err
	}
	if req.Nodes < uint64(len(sibs)) {
		sibs = sibs[:uint64(len(sibs))-req.Nodes]
	} else if req.Nodes > 0 {
		sibs = nil
	}
	return &DataBlock{Index: req.Index, Value: value, Nodes: sibs}, nil
}

// ProofForHash builds the hash-only proof for a request: the block's leaf
// node followed by its path siblings.
func (t *MerkleTree) ProofForHash(req RequestBlock) (*DataHash, error) {
	leaf, err := t.Node(2 * req.Index)
	if err != nil {
		return nil, err
	}
	sibs, err := t.pathSiblings(req.Index)
	if err != nil {
		return nil, err
	}
	if req.Nodes < uint64(len(sibs)) {
		sibs = sibs[:uint64(len(sibs))-req.Nodes]
	} else if req.Nodes > 0 {
		sibs = nil
	}
	return &DataHash{Index: req.Index, Nodes: append([]Node{leaf}, sibs...)}, nil
}

// pathSiblings reads the sibling of every node on the path from the block's
// leaf up to its covering root, bottom first.
func (t *MerkleTree) pathSiblings(index uint64) ([]Node, error) {
	if index >= t.length {
		return nil, fmt.Errorf("%w: %d >= %d", ErrBlockOutOfBounds, index, t.length)
	}
	rootSet := t.rootIndexSet()

	var sibs []Node
	cur := 2 * index
	for !rootSet[cur] {
		sib, err := t.Node(flat.Sibling(cur))
		if err != nil {
			return nil, err
		}
		sibs = append(sibs, sib)
		cur = flat.Parent(cur)
	}
	return sibs, nil
}

// ProofForSeek builds the length chain locating a byte offset: every root
// preceding the covering one, the covering root, then at each descent level
// the left child, followed by the right child when the walk goes right. The
// last node is the located leaf.
func (t *MerkleTree) ProofForSeek(req RequestSeek) (*DataSeek, error) {
	if req.Bytes >= t.byteLength {
		return nil, fmt.Errorf("%w: byte %d >= %d", ErrBlockOutOfBounds, req.Bytes, t.byteLength)
	}

	var nodes []Node
	remaining := req.Bytes
	for _, root := range t.roots {
		if remaining >= root.Length {
			remaining -= root.Length
			nodes = append(nodes, root)
			continue
		}

		nodes = append(nodes, root)
		cur := root
		for flat.Depth(cur.Index) > 0 {
			leftIndex, _ := flat.LeftChild(cur.Index)
			left, err := t.Node(leftIndex)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, left)
			if remaining < left.Length {
				cur = left
				continue
			}
			remaining -= left.Length
			rightIndex, _ := flat.RightChild(cur.Index)
			right, err := t.Node(rightIndex)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, right)
			cur = right
		}
		return &DataSeek{Bytes: req.Bytes, Nodes: nodes}, nil
	}
	return nil, fmt.Errorf("%w: byte %d", ErrBlockOutOfBounds, req.Bytes)
}

// VerifySeek walks a seek proof's length chain and returns the located
// block index and the offset of the byte within that block. The chain is
// checked structurally: flat indices must descend correctly and lengths
// must cover the target, and a parent hash is checked wherever both of its
// children are in the chain. The chain's roots are not compared with any
// root cover, here or in VerifyAndApply, even when the seek arrives
// together with a block proof.
func VerifySeek(p *DataSeek) (uint64, uint64, error) {
	if len(p.Nodes) == 0 {
		return 0, 0, fmt.Errorf("%w: empty seek", ErrInvalidProof)
	}

	remaining := p.Bytes
	i := 0
	// Preceding roots: consumed whole.
	for ; i < len(p.Nodes) && remaining >= p.Nodes[i].Length; i++ {
		remaining -= p.Nodes[i].Length
	}
	if i == len(p.Nodes) {
		return 0, 0, fmt.Errorf("%w: seek past chain", ErrInvalidProof)
	}

	cur := p.Nodes[i]
	i++
	for flat.Depth(cur.Index) > 0 {
		if i >= len(p.Nodes) {
			return 0, 0, fmt.Errorf("%w: truncated seek chain", ErrInvalidProof)
		}
		left := p.Nodes[i]
		i++
		wantLeft, _ := flat.LeftChild(cur.Index)
		if left.Index != wantLeft {
			return 0, 0, fmt.Errorf("%w: bad child %d under %d", ErrInvalidProof, left.Index, cur.Index)
		}
		if left.Length > cur.Length {
			return 0, 0, fmt.Errorf("%w: child longer than parent", ErrInvalidProof)
		}
		if remaining < left.Length {
			cur = left
			continue
		}
		remaining -= left.Length
		if i >= len(p.Nodes) {
			return 0, 0, fmt.Errorf("%w: truncated seek chain", ErrInvalidProof)
		}
		right := p.Nodes[i]
		i++
		wantRight, _ := flat.RightChild(cur.Index)
		if right.Index != wantRight {
			return 0, 0, fmt.Errorf("%w: bad child %d under %d", ErrInvalidProof, right.Index, cur.Index)
		}
		if left.Length+right.Length != cur.Length {
			return 0, 0, fmt.Errorf("%w: length chain broken at %d", ErrInvalidProof, cur.Index)
		}
		// Both children in hand: the parent hash is checkable.
		if crypto.ParentHash(cur.Length, left.Hash, right.Hash) != cur.Hash {
			return 0, 0, fmt.Errorf("%w: hash chain broken at %d", ErrInvalidProof, cur.Index)
		}
		cur = right
	}
	if remaining >= cur.Length {
		return 0, 0, fmt.Errorf("%w: leaf does not cover byte", ErrInvalidProof)
	}
	return cur.Index / 2, remaining, nil
}

// ProofForUpgrade builds a signed upgrade shipping the current root cover.
// The request must end at the committed length.
func (t *MerkleTree) ProofForUpgrade(req RequestUpgrade) (*DataUpgrade, error) {
	if req.Start+req.Length != t.length {
		return nil, fmt.Errorf("%w: upgrade to %d, committed %d", ErrBlockOutOfBounds, req.Start+req.Length, t.length)
	}
	if t.signature == nil {
		return nil, fmt.Errorf("%w: unsigned tree", ErrInvalidProof)
	}
	return &DataUpgrade{
		Start:     req.Start,
		Length:    req.Length,
		Nodes:     t.Roots(),
		Signature: t.Signature(),
	}, nil
}

// VerifyAndApply validates an incoming proof against the committed roots,
// or against the proof's upgrade when one is present, and applies a valid
// upgrade to the tree. Block and hash proofs never mutate committed state.
func (t *MerkleTree) VerifyAndApply(p *Proof, public ed25519.PublicKey) (*AppliedDelta, error) {
	rootSet := t.rootIndexSet()
	byIndex := make(map[uint64]Node, len(t.roots))
	for _, r := range t.roots {
		byIndex[r.Index] = r
	}

	var upgradeRoots []Node
	if p.Upgrade != nil {
		roots, err := t.checkUpgrade(p.Upgrade, public)
		if err != nil {
			return nil, err
		}
		upgradeRoots = roots
		rootSet = make(map[uint64]bool, len(roots))
		byIndex = make(map[uint64]Node, len(roots))
		for _, r := range roots {
			rootSet[r.Index] = true
			byIndex[r.Index] = r
		}
	}

	delta := &AppliedDelta{}

	if p.Block != nil {
		leaf := Node{
			Index:  2 * p.Block.Index,
			Length: uint64(len(p.Block.Value)),
			Hash:   crypto.LeafHash(p.Block.Value),
		}
		nodes, err := t.foldToRoot(leaf, p.Block.Nodes, rootSet, byIndex)
		if err != nil {
			return nil, err
		}
		delta.Nodes = append(delta.Nodes, nodes...)
	}

	if p.Hash != nil {
		if len(p.Hash.Nodes) == 0 || p.Hash.Nodes[0].Index != 2*p.Hash.Index {
			return nil, fmt.Errorf("%w: hash proof missing its leaf", ErrInvalidProof)
		}
		nodes, err := t.foldToRoot(p.Hash.Nodes[0], p.Hash.Nodes[1:], rootSet, byIndex)
		if err != nil {
			return nil, err
		}
		delta.Nodes = append(delta.Nodes, nodes...)
	}

	if p.Seek != nil {
		if _, _, err := VerifySeek(p.Seek); err != nil {
			return nil, err
		}
	}

	if p.Upgrade != nil {
		t.applyState(upgradeRoots, p.Upgrade.Start+p.Upgrade.Length, t.fork, p.Upgrade.Signature)
		delta.Nodes = append(delta.Nodes, upgradeRoots...)
		delta.Nodes = append(delta.Nodes, p.Upgrade.AdditionalNodes...)
		delta.Upgraded = true
	}

	delta.Length = t.length
	delta.ByteLength = t.byteLength
	delta.Fork = t.fork
	delta.Signature = t.Signature()
	return delta, nil
}

// checkUpgrade validates an upgrade's shape, monotonicity and signature,
// returning the new root cover it declares.
func (t *MerkleTree) checkUpgrade(u *DataUpgrade, public ed25519.PublicKey) ([]Node, error) {
	newLength := u.Start + u.Length
	if newLength <= t.length {
		return nil, fmt.Errorf("%w: %d <= %d", ErrNonMonotonicUpgrade, newLength, t.length)
	}
	indices, err := flat.FullRoots(2 * newLength)
	if err != nil {
		return nil, err
	}
	if len(indices) != len(u.Nodes) {
		return nil, fmt.Errorf("%w: upgrade cover mismatch", ErrInvalidProof)
	}
	for i, idx := range indices {
		if u.Nodes[i].Index != idx {
			return nil, fmt.Errorf("%w: upgrade root %d, want %d", ErrInvalidProof, u.Nodes[i].Index, idx)
		}
	}
	if !crypto.Verify(public, signableFor(newLength, t.fork, u.Nodes), u.Signature) {
		return nil, ErrInvalidSignature
	}
	return u.Nodes, nil
}

// foldToRoot walks a leaf's supplied siblings upward, continuing with
// locally held nodes when the proof omits ancestors, until the fold lands
// on a root of the cover. Returns the nodes a successful fold derived.
func (t *MerkleTree) foldToRoot(leaf Node, sibs []Node, rootSet map[uint64]bool, rootsByIndex map[uint64]Node) ([]Node, error) {
	cur := leaf
	nodes := []Node{leaf}

	next := func(sib Node) error {
		if sib.Index != flat.Sibling(cur.Index) {
			return fmt.Errorf("%w: sibling %d does not match %d", ErrInvalidProof, sib.Index, cur.Index)
		}
		left, right := cur, sib
		if sib.Index < cur.Index {
			left, right = sib, cur
		}
		cur = Node{
			Index:  flat.Parent(cur.Index),
			Length: left.Length + right.Length,
			Hash:   crypto.ParentHash(left.Length+right.Length, left.Hash, right.Hash),
		}
		nodes = append(nodes, sib, cur)
		return nil
	}

	for _, sib := range sibs {
		if rootSet[cur.Index] {
			return nil, fmt.Errorf("%w: proof overshoots root", ErrInvalidProof)
		}
		if err := next(sib); err != nil {
			return nil, err
		}
	}

	// The proof may stop below the root when the verifier holds the
	// remaining ancestors' siblings.
	for !rootSet[cur.Index] {
		sib, err := t.Node(flat.Sibling(cur.Index))
		if err != nil {
			return nil, fmt.Errorf("%w: unverifiable path at %d", ErrInvalidProof, cur.Index)
		}
		if err := next(sib); err != nil {
			return nil, err
		}
	}

	want := rootsByIndex[cur.Index]
	if want.Hash != cur.Hash || want.Length != cur.Length {
		return nil, fmt.Errorf("%w: root %d mismatch", ErrInvalidProof, cur.Index)
	}
	return nodes, nil
}
