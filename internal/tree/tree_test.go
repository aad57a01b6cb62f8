package tree

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/storage"
)

func testKeypair(t *testing.T) crypto.PartialKeypair {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	sec := ed25519.NewKeyFromSeed(seed)
	return crypto.PartialKeypair{Public: sec.Public().(ed25519.PublicKey), Secret: sec}
}

// buildTree appends the batches to an empty tree backed by seg, committing
// each batch, and returns the tree.
func buildTree(t *testing.T, seg storage.Segment, kp crypto.PartialKeypair, batches ...[][]byte) *MerkleTree {
	t.Helper()
	mt, err := Open(seg, 0, 0, crypto.Hash{}, nil)
	require.NoError(t, err)
	for _, batch := range batches {
		cs := mt.Changeset()
		for _, b := range batch {
			cs.Append(b)
		}
		require.NoError(t, cs.HashAndSign(kp))
		slices, err := mt.Commit(cs)
		require.NoError(t, err)
		require.NoError(t, storage.FlushSlices(seg, storage.NameTree, slices))
	}
	return mt
}

func TestSingleBlock(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("hello")})

	require.Equal(t, uint64(1), mt.Length())
	require.Equal(t, uint64(5), mt.ByteLength())

	roots := mt.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, uint64(0), roots[0].Index)
	assert.Equal(t, uint64(5), roots[0].Length)
	assert.Equal(t, crypto.LeafHash([]byte("hello")), roots[0].Hash)

	require.True(t, crypto.Verify(kp.Public, mt.Signable(), mt.Signature()))
}

func TestBatchOfTwo(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("ab"), []byte("cde")})

	require.Equal(t, uint64(2), mt.Length())
	require.Equal(t, uint64(5), mt.ByteLength())

	roots := mt.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, uint64(1), roots[0].Index)
	assert.Equal(t, uint64(5), roots[0].Length)
	want := crypto.ParentHash(5, crypto.LeafHash([]byte("ab")), crypto.LeafHash([]byte("cde")))
	assert.Equal(t, want, roots[0].Hash)
}

func TestOddCount(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp,
		[][]byte{[]byte("x")}, [][]byte{[]byte("x")}, [][]byte{[]byte("x")})

	require.Equal(t, uint64(3), mt.Length())
	require.Equal(t, uint64(3), mt.ByteLength())

	roots := mt.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, uint64(1), roots[0].Index)
	assert.Equal(t, uint64(2), roots[0].Length)
	assert.Equal(t, uint64(4), roots[1].Index)
	assert.Equal(t, uint64(1), roots[1].Length)
}

func TestReopenYieldsIdenticalState(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("hello"), []byte("world"), []byte("!")})

	got, err := Open(seg, mt.Fork(), mt.Length(), mt.Signable(), mt.Signature())
	require.NoError(t, err)
	assert.Equal(t, mt.Length(), got.Length())
	assert.Equal(t, mt.ByteLength(), got.ByteLength())
	assert.Equal(t, mt.Roots(), got.Roots())
	assert.Equal(t, mt.Signature(), got.Signature())
}

func TestOpenMissingRootIsCorrupt(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("a"), []byte("b")})

	// Zero the lone root record.
	require.NoError(t, storage.FlushSlices(seg, storage.NameTree, []storage.Slice{
		{Offset: HeaderOffset + RecordSize*1, Data: make([]byte, RecordSize)},
	}))
	_, err := Open(seg, 0, mt.Length(), mt.Signable(), mt.Signature())
	require.ErrorIs(t, err, ErrCorruptTree)
}

func TestOpenRootHashMismatchIsCorrupt(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("a"), []byte("b")})

	var wrong crypto.Hash
	wrong[0] = 0xff
	_, err := Open(seg, 0, mt.Length(), wrong, mt.Signature())
	require.ErrorIs(t, err, ErrCorruptTree)
}

func TestByteRange(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{
		[]byte("ab"), []byte("cde"), []byte("f"), []byte("ghij"), []byte("k"),
	})

	wantOffsets := []uint64{0, 2, 5, 6, 10}
	wantLengths := []uint64{2, 3, 1, 4, 1}
	for i := range wantOffsets {
		off, n, err := mt.ByteRange(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, wantOffsets[i], off, "block %d", i)
		assert.Equal(t, wantLengths[i], n, "block %d", i)
	}

	_, _, err := mt.ByteRange(5)
	require.ErrorIs(t, err, ErrBlockOutOfBounds)
}

func TestStaleChangesetRejected(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("a")})

	stale := mt.Changeset()
	stale.Append([]byte("b"))
	require.NoError(t, stale.HashAndSign(kp))

	// The tree moves before the stale changeset lands.
	fresh := mt.Changeset()
	fresh.Append([]byte("c"))
	require.NoError(t, fresh.HashAndSign(kp))
	_, err := mt.Commit(fresh)
	require.NoError(t, err)

	_, err = mt.Commit(stale)
	require.ErrorIs(t, err, ErrStaleChangeset)
}

func TestMissingNodesFor(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	mt := buildTree(t, seg, kp, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})

	// Everything is materialized locally after commit.
	missing, err := mt.MissingNodesFor(0)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Drop leaf 2's sibling record and it shows up as missing.
	require.NoError(t, storage.FlushSlices(seg, storage.NameTree, []storage.Slice{
		{Offset: HeaderOffset + RecordSize*0, Data: make([]byte, RecordSize)},
	}))
	missing, err = mt.MissingNodesFor(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, missing)
}

func TestApplyUpgradeEntryReplay(t *testing.T) {
	kp := testKeypair(t)

	// Writer builds two commits; the replica replays the second from the
	// changeset's nodes alone.
	wseg := storage.NewMemorySegment()
	wt := buildTree(t, wseg, kp, [][]byte{[]byte("a"), []byte("b")})

	rseg := storage.NewMemorySegment()
	rt, err := Open(rseg, 0, 0, crypto.Hash{}, nil)
	require.NoError(t, err)

	cs := wt.Changeset()
	cs.Append([]byte("a"))
	cs.Append([]byte("b"))
	require.NoError(t, cs.HashAndSign(kp))
	_, err = wt.Commit(cs)
	require.NoError(t, err)

	slices, err := rt.ApplyUpgradeEntry(cs.Fork, cs.Length, cs.Signature, cs.Nodes)
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(rseg, storage.NameTree, slices))

	assert.Equal(t, uint64(4), rt.Length())
	assert.Equal(t, uint64(4), rt.ByteLength())
	assert.Equal(t, wt.Roots(), rt.Roots())
	require.True(t, crypto.Verify(kp.Public, rt.Signable(), rt.Signature()))
}
