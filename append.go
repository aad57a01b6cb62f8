package merklelog

import (
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/scigolib/merklelog/internal/oplog"
	"github.com/scigolib/merklelog/internal/storage"
)

// AppendOutcome is the committed post-state of an append.
type AppendOutcome struct {
	Length     uint64
	ByteLength uint64
}

// Append commits a single block.
func (l *Log) Append(data []byte) (AppendOutcome, error) {
	return l.AppendBatch([][]byte{data})
}

// AppendBatch commits a batch of blocks as one signed state transition.
// The commit order is fixed: the payload bytes are made durable first, the
// oplog entry second, and only then does the in-memory state move - so a
// replayed oplog can never reference bytes that are not on disk. An empty
// batch returns the current outcome unchanged. Requires the secret key.
//
// An error part way through the commit leaves the in-memory state behind
// the segments or ahead of them; the Log must then be re-opened from
// storage, which recovers exactly the committed prefix.
func (l *Log) AppendBatch(batch [][]byte) (AppendOutcome, error) {
	if l.keypair.Secret == nil {
		return AppendOutcome{}, ErrNoSecret
	}
	if len(batch) == 0 {
		return l.outcome(), nil
	}

	// Stage and sign the next state.
	cs := l.tree.Changeset()
	var totalBytes uint64
	for _, b := range batch {
		totalBytes += cs.Append(b)
	}
	if err := cs.HashAndSign(l.keypair); err != nil {
		return AppendOutcome{}, err
	}

	// Payload bytes first.
	slice := l.blocks.AppendBatch(batch, totalBytes, l.tree.ByteLength())
	if err := storage.FlushSlice(l.storage.Data, storage.NameData, slice); err != nil {
		return AppendOutcome{}, err
	}

	// Then the oplog entry, carrying the bitfield move with it.
	bf := &oplog.EntryBitfieldUpdate{Start: cs.Ancestors, Length: cs.BatchLength()}
	slices, err := l.oplog.AppendChangeset(cs, bf)
	if err != nil {
		return AppendOutcome{}, err
	}
	if err := storage.FlushSlices(l.storage.Oplog, storage.NameOplog, slices); err != nil {
		return AppendOutcome{}, err
	}
	l.metrics.EntryFlushes.Inc()

	// The commit is durable; apply it in memory and materialize the
	// replayable side state. Tree records and bitfield pages carry no
	// ordering constraint between them.
	nodeSlices, err := l.tree.Commit(cs)
	if err != nil {
		return AppendOutcome{}, err
	}
	l.bits.SetRange(cs.Ancestors, cs.BatchLength(), true)
	bitSlices := l.bits.Slices()

	var g errgroup.Group
	g.Go(func() error {
		return storage.FlushSlices(l.storage.Tree, storage.NameTree, nodeSlices)
	})
	g.Go(func() error {
		return storage.FlushSlices(l.storage.Bitfield, storage.NameBitfield, bitSlices)
	})
	if err := g.Wait(); err != nil {
		return AppendOutcome{}, err
	}

	l.oplog.SetTree(l.tree.Fork(), l.tree.Length(), l.tree.Signable(), l.tree.Signature())
	l.oplog.SetContiguousLength(l.bits.ContiguousLength())
	if err := l.maybeFlushHeader(); err != nil {
		return AppendOutcome{}, err
	}

	l.metrics.Appends.Inc()
	l.metrics.AppendedBlocks.Add(float64(cs.BatchLength()))
	l.metrics.AppendedBytes.Add(float64(totalBytes))
	l.metrics.Length.Set(float64(l.tree.Length()))
	l.metrics.ByteLength.Set(float64(l.tree.ByteLength()))
	glog.V(2).Infof("merklelog: committed %d blocks, length %d, byte length %d",
		cs.BatchLength(), l.tree.Length(), l.tree.ByteLength())
	return l.outcome(), nil
}

func (l *Log) outcome() AppendOutcome {
	return AppendOutcome{
		Length:     l.tree.Length(),
		ByteLength: l.tree.ByteLength(),
	}
}
