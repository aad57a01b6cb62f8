package blockstore

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/storage"
	"github.com/scigolib/merklelog/internal/tree"
)

func TestAppendBatch(t *testing.T) {
	var bs BlockStore
	slice := bs.AppendBatch([][]byte{[]byte("ab"), []byte("cde")}, 5, 7)
	assert.Equal(t, uint64(7), slice.Offset)
	assert.Equal(t, []byte("abcde"), slice.Data)

	empty := bs.AppendBatch(nil, 0, 0)
	assert.Equal(t, uint64(0), empty.Offset)
	assert.Empty(t, empty.Data)
}

func TestRangeOf(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	sec := ed25519.NewKeyFromSeed(seed)
	kp := crypto.PartialKeypair{Public: sec.Public().(ed25519.PublicKey), Secret: sec}

	seg := storage.NewMemorySegment()
	mt, err := tree.Open(seg, 0, 0, crypto.Hash{}, nil)
	require.NoError(t, err)
	cs := mt.Changeset()
	cs.Append([]byte("ab"))
	cs.Append([]byte("cde"))
	cs.Append([]byte("f"))
	require.NoError(t, cs.HashAndSign(kp))
	slices, err := mt.Commit(cs)
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameTree, slices))

	var bs BlockStore
	off, n, err := bs.RangeOf(mt, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), off)
	assert.Equal(t, uint64(3), n)

	_, _, err = bs.RangeOf(mt, 3)
	require.ErrorIs(t, err, tree.ErrBlockOutOfBounds)
}
