package merklelog

import (
	"fmt"

	"github.com/scigolib/merklelog/internal/oplog"
	"github.com/scigolib/merklelog/internal/storage"
	"github.com/scigolib/merklelog/internal/tree"
)

// ProofForBlock builds the block proof answering a request: the payload
// plus the Merkle path siblings the requester is missing.
func (l *Log) ProofForBlock(req RequestBlock) (*DataBlock, error) {
	value, err := l.Get(req.Index)
	if err != nil {
		return nil, err
	}
	return l.tree.ProofForBlock(req, value)
}

// ProofForHash builds the hash-only proof for a block.
func (l *Log) ProofForHash(req RequestBlock) (*DataHash, error) {
	return l.tree.ProofForHash(req)
}

// ProofForSeek builds the length chain locating a byte offset.
func (l *Log) ProofForSeek(req RequestSeek) (*DataSeek, error) {
	return l.tree.ProofForSeek(req)
}

// ProofForUpgrade builds a signed upgrade shipping the current root cover.
func (l *Log) ProofForUpgrade(req RequestUpgrade) (*DataUpgrade, error) {
	return l.tree.ProofForUpgrade(req)
}

// Seek locates the block covering a byte offset of the committed log,
// returning the block index and the offset of the byte within it.
func (l *Log) Seek(byteOffset uint64) (uint64, uint64, error) {
	proof, err := l.tree.ProofForSeek(RequestSeek{Bytes: byteOffset})
	if err != nil {
		return 0, 0, err
	}
	return tree.VerifySeek(proof)
}

// VerifyAndApply validates an incoming proof against the committed state
// - or against the proof's signed upgrade - and persists what it carries:
// node records, an upgraded header, the block payload, and the bitfield
// mark for a delivered block. Invalid proofs never mutate committed
// state.
func (l *Log) VerifyAndApply(p *Proof) error {
	ancestors := l.tree.Length()
	delta, err := l.tree.VerifyAndApply(p, l.keypair.Public)
	if err != nil {
		return err
	}

	// Node records first: they are replayable side state, and the data
	// write below resolves its offset through them.
	if len(delta.Nodes) > 0 {
		if err := storage.FlushSlices(l.storage.Tree, storage.NameTree, tree.RecordSlices(delta.Nodes)); err != nil {
			return err
		}
	}

	var bf *oplog.EntryBitfieldUpdate
	if p.Block != nil {
		offset, length, err := l.tree.ByteRange(p.Block.Index)
		if err != nil {
			return err
		}
		if length != uint64(len(p.Block.Value)) {
			return fmt.Errorf("%w: block length %d, leaf says %d", ErrInvalidProof, len(p.Block.Value), length)
		}
		if err := storage.FlushSlice(l.storage.Data, storage.NameData, storage.Slice{
			Offset: offset,
			Data:   p.Block.Value,
		}); err != nil {
			return err
		}
		bf = &oplog.EntryBitfieldUpdate{Start: p.Block.Index, Length: 1}
	}

	// An upgrade is a commitment move: it goes through the oplog like a
	// local append so recovery finds it.
	if delta.Upgraded || bf != nil {
		entry := &oplog.Entry{BitfieldUpdate: bf}
		if delta.Upgraded {
			entry.TreeUpgrade = &oplog.EntryTreeUpgrade{
				Fork:      delta.Fork,
				Ancestors: ancestors,
				Length:    delta.Length,
				Signature: delta.Signature,
				Nodes:     delta.Nodes,
			}
		}
		slices, err := l.oplog.AppendEntry(entry)
		if err != nil {
			return err
		}
		if err := storage.FlushSlices(l.storage.Oplog, storage.NameOplog, slices); err != nil {
			return err
		}
		l.metrics.EntryFlushes.Inc()
	}

	if bf != nil {
		l.bits.SetRange(p.Block.Index, 1, true)
		if err := storage.FlushSlices(l.storage.Bitfield, storage.NameBitfield, l.bits.Slices()); err != nil {
			return err
		}
	}

	l.oplog.SetTree(l.tree.Fork(), l.tree.Length(), l.tree.Signable(), l.tree.Signature())
	l.oplog.SetContiguousLength(l.bits.ContiguousLength())
	if err := l.maybeFlushHeader(); err != nil {
		return err
	}

	l.metrics.Length.Set(float64(l.tree.Length()))
	l.metrics.ByteLength.Set(float64(l.tree.ByteLength()))
	return nil
}

// MissingNodesFor returns the flat indices a peer should be asked for to
// complete a proof for the block.
func (l *Log) MissingNodesFor(index uint64) ([]uint64, error) {
	return l.tree.MissingNodesFor(index)
}
