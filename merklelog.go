// Package merklelog implements a secure append-only log: a single-writer,
// many-reader sequence of blocks bound together by a BLAKE2b-256 Merkle
// tree whose root cover is ed25519-signed by the writer. Any reader can
// verify the authenticity and position of any block against the signed
// commitment, and partial readers can fetch and verify sub-ranges out of
// order.
//
// A log lives in four storage segments: tree (node records), data (block
// payloads), bitfield (locally held blocks) and oplog (the operation log
// that makes commits atomic). Appends follow a strict commit order - data
// flush, oplog flush, in-memory apply - so recovery after a crash always
// lands on a committed prefix and never on state referencing bytes that
// are not on disk.
package merklelog

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang/glog"

	"github.com/scigolib/merklelog/internal/bitfield"
	"github.com/scigolib/merklelog/internal/blockstore"
	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/metrics"
	"github.com/scigolib/merklelog/internal/oplog"
	"github.com/scigolib/merklelog/internal/storage"
	"github.com/scigolib/merklelog/internal/tree"
)

// Re-exported data types. The internal packages own the machinery; these
// aliases are the public names.
type (
	// PartialKeypair is an ed25519 key pair whose secret half may be
	// absent. Readers hold only the public key.
	PartialKeypair = crypto.PartialKeypair

	// Node is a Merkle tree node at a flat index.
	Node = tree.Node

	// Wire messages produced and verified by the log.
	RequestBlock   = tree.RequestBlock
	RequestSeek    = tree.RequestSeek
	RequestUpgrade = tree.RequestUpgrade
	DataBlock      = tree.DataBlock
	DataHash       = tree.DataHash
	DataSeek       = tree.DataSeek
	DataUpgrade    = tree.DataUpgrade

	// Proof bundles the wire messages a peer delivers together.
	Proof = tree.Proof
)

// GenerateKeypair creates a fresh ed25519 key pair for a new log.
func GenerateKeypair() (PartialKeypair, error) {
	return crypto.GenerateKeypair()
}

// Info is a snapshot of the committed state.
type Info struct {
	Length     uint64
	ByteLength uint64
	Fork       uint64
	PublicKey  ed25519.PublicKey
}

// Log is an open append-only log. It owns its storage segments
// exclusively. Methods are not safe for concurrent use; reads may run
// alongside each other but never alongside AppendBatch, which the caller
// enforces by owning the Log.
type Log struct {
	keypair crypto.PartialKeypair
	storage *storage.Storage
	oplog   *oplog.Oplog
	tree    *tree.MerkleTree
	blocks  blockstore.BlockStore
	bits    *bitfield.Bitfield
	metrics *metrics.Set

	headerFlushThreshold uint64
}

// Open opens or creates a log in a directory holding the four segment
// files.
func Open(dir string, opts ...Option) (*Log, error) {
	st, err := storage.Open(dir)
	if err != nil {
		return nil, err
	}
	l, err := open(st, newOptions(opts))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return l, nil
}

// OpenMemory creates an ephemeral log over in-memory segments.
func OpenMemory(opts ...Option) (*Log, error) {
	return open(storage.NewMemory(), newOptions(opts))
}

// open runs the recovery sequence: oplog first, then the tree seeded by
// its header, then the bitfield, then the replay of any entries committed
// after the last header rewrite.
func open(st *storage.Storage, o options) (*Log, error) {
	kp := o.keypair
	if kp.Public == nil {
		generated, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		kp = generated
	}

	raw, err := storage.ReadAll(st.Oplog, storage.NameOplog)
	if err != nil {
		return nil, err
	}
	outcome, err := oplog.Open(kp, raw)
	if err != nil {
		return nil, err
	}
	if err := storage.FlushSlices(st.Oplog, storage.NameOplog, outcome.SlicesToFlush); err != nil {
		return nil, err
	}

	header := outcome.Header
	t, err := tree.Open(st.Tree, header.Tree.Fork, header.Tree.Length, header.Tree.RootHash, header.Tree.Signature)
	if err != nil {
		return nil, err
	}

	bfRaw, err := storage.ReadAll(st.Bitfield, storage.NameBitfield)
	if err != nil {
		return nil, err
	}
	bits := bitfield.Open(bfRaw)

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, err
	}

	l := &Log{
		keypair:              resolveKeypair(header.Signer, kp),
		storage:              st,
		oplog:                outcome.Oplog,
		tree:                 t,
		bits:                 bits,
		metrics:              m,
		headerFlushThreshold: o.headerFlushThreshold,
	}

	if err := l.replay(outcome.Entries); err != nil {
		return nil, err
	}

	if l.tree.Length() > 0 && !crypto.Verify(l.keypair.Public, l.tree.Signable(), l.tree.Signature()) {
		return nil, fmt.Errorf("%w: tree signature does not verify", ErrCorruptHeader)
	}

	m.TornBytes.Add(float64(outcome.TornBytes))
	m.ReplayedEntries.Add(float64(len(outcome.Entries)))
	m.Length.Set(float64(l.tree.Length()))
	m.ByteLength.Set(float64(l.tree.ByteLength()))
	glog.V(1).Infof("merklelog: opened at length %d, byte length %d, fork %d",
		l.tree.Length(), l.tree.ByteLength(), l.tree.Fork())
	return l, nil
}

// replay applies oplog entries committed after the last header rewrite.
// Entries whose ancestors precede the recovered length were already
// squashed into the header and are skipped, which keeps replay idempotent
// when a crash interrupted a header rewrite.
func (l *Log) replay(entries []oplog.Entry) error {
	var treeSlices, bitSlices []storage.Slice
	for _, e := range entries {
		if u := e.TreeUpgrade; u != nil {
			if u.Ancestors != l.tree.Length() {
				glog.V(2).Infof("merklelog: skipping stale entry with ancestors %d at length %d",
					u.Ancestors, l.tree.Length())
				continue
			}
			slices, err := l.tree.ApplyUpgradeEntry(u.Fork, u.Length, u.Signature, u.Nodes)
			if err != nil {
				return err
			}
			treeSlices = append(treeSlices, slices...)
		}
		if b := e.BitfieldUpdate; b != nil {
			l.bits.SetRange(b.Start, b.Length, !b.Drop)
			bitSlices = append(bitSlices, l.bits.Slices()...)
		}
	}
	if len(treeSlices) > 0 {
		if err := storage.FlushSlices(l.storage.Tree, storage.NameTree, treeSlices); err != nil {
			return err
		}
	}
	if len(bitSlices) > 0 {
		if err := storage.FlushSlices(l.storage.Bitfield, storage.NameBitfield, bitSlices); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		l.oplog.SetTree(l.tree.Fork(), l.tree.Length(), l.tree.Signable(), l.tree.Signature())
		l.oplog.SetContiguousLength(l.bits.ContiguousLength())
	}
	return nil
}

// resolveKeypair picks the controller's key pair: the header's signer is
// authoritative, but a caller-supplied secret for the same public key is
// adopted, so a writer can reopen a log whose header was created
// public-only.
func resolveKeypair(header, caller crypto.PartialKeypair) crypto.PartialKeypair {
	kp := header
	if kp.Secret == nil && caller.Secret != nil && caller.Public.Equal(kp.Public) {
		kp.Secret = caller.Secret
	}
	return kp
}

// Get reads a committed block's payload from the data segment.
func (l *Log) Get(index uint64) ([]byte, error) {
	offset, length, err := l.blocks.RangeOf(l.tree, index)
	if err != nil {
		return nil, err
	}
	return storage.ReadSlice(l.storage.Data, storage.NameData, storage.SliceInstruction{
		Offset: offset,
		Length: length,
	})
}

// Has reports whether a block is held locally.
func (l *Log) Has(index uint64) bool {
	return l.bits.Get(index)
}

// Info returns a snapshot of the committed state.
func (l *Log) Info() Info {
	return Info{
		Length:     l.tree.Length(),
		ByteLength: l.tree.ByteLength(),
		Fork:       l.tree.Fork(),
		PublicKey:  l.keypair.Public,
	}
}

// Roots returns a copy of the committed root cover.
func (l *Log) Roots() []Node {
	return l.tree.Roots()
}

// UserData returns the value stored under key in the header, nil when
// absent.
func (l *Log) UserData(key string) []byte {
	for _, u := range l.oplog.Header().UserData {
		if u.Key == key {
			return append([]byte(nil), u.Value...)
		}
	}
	return nil
}

// SetUserData stores an opaque named byte string in the header and
// rewrites it durably.
func (l *Log) SetUserData(key string, value []byte) error {
	l.oplog.SetUserData(key, value)
	return l.flushHeader()
}

// Close releases the storage segments. It issues no sync of its own; every
// write path has already synced what it wrote.
func (l *Log) Close() error {
	return l.storage.Close()
}

func (l *Log) flushHeader() error {
	slices, err := l.oplog.FlushHeader()
	if err != nil {
		return err
	}
	if err := storage.FlushSlices(l.storage.Oplog, storage.NameOplog, slices); err != nil {
		return err
	}
	l.metrics.HeaderRewrites.Inc()
	return nil
}

// maybeFlushHeader rewrites the header when the body has grown past the
// threshold, bounding replay work on the next open.
func (l *Log) maybeFlushHeader() error {
	if l.oplog.BodyLength() <= l.headerFlushThreshold {
		return nil
	}
	return l.flushHeader()
}
