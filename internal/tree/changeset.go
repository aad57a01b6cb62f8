package tree

import (
	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/flat"
)

// Changeset stages the delta from the committed state to a prospective
// next commit. It borrows an immutable snapshot of the tree and holds the
// pending nodes until the commit is made durable or the changeset is
// dropped.
type Changeset struct {
	// Ancestors is the committed block count the changeset grew from.
	Ancestors uint64

	Roots      []Node
	Length     uint64
	ByteLength uint64
	Fork       uint64

	// Nodes are every leaf and internal node introduced by the batch,
	// in creation order.
	Nodes []Node

	// Signature over the staged state; set by HashAndSign.
	Signature []byte
}

// Changeset returns a working set seeded with the committed state.
func (t *MerkleTree) Changeset() *Changeset {
	return &Changeset{
		Ancestors:  t.length,
		Roots:      append([]Node(nil), t.roots...),
		Length:     t.length,
		ByteLength: t.byteLength,
		Fork:       t.fork,
	}
}

// Append stages one block: a new leaf at flat index 2·length, folded
// right-to-left into the root cover. Returns the block's byte length.
func (c *Changeset) Append(data []byte) uint64 {
	leaf := Node{
		Index:  2 * c.Length,
		Length: uint64(len(data)),
		Hash:   crypto.LeafHash(data),
	}
	c.Nodes = append(c.Nodes, leaf)
	c.Roots = append(c.Roots, leaf)

	// Two rightmost roots that share a parent collapse into it.
	for len(c.Roots) >= 2 {
		left := c.Roots[len(c.Roots)-2]
		right := c.Roots[len(c.Roots)-1]
		if flat.Parent(left.Index) != flat.Parent(right.Index) {
			break
		}
		parent := Node{
			Index:  flat.Parent(left.Index),
			Length: left.Length + right.Length,
			Hash:   crypto.ParentHash(left.Length+right.Length, left.Hash, right.Hash),
		}
		c.Nodes = append(c.Nodes, parent)
		c.Roots = append(c.Roots[:len(c.Roots)-2], parent)
	}

	c.ByteLength += uint64(len(data))
	c.Length++
	return uint64(len(data))
}

// Signable returns the digest the staged state signs.
func (c *Changeset) Signable() crypto.Hash {
	return signableFor(c.Length, c.Fork, c.Roots)
}

// HashAndSign signs the staged state with the writer's key pair.
func (c *Changeset) HashAndSign(kp crypto.PartialKeypair) error {
	sig, err := crypto.Sign(kp, c.Signable())
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// BatchLength returns the number of blocks staged by the changeset.
func (c *Changeset) BatchLength() uint64 {
	return c.Length - c.Ancestors
}
