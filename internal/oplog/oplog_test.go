package oplog

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/storage"
	"github.com/scigolib/merklelog/internal/tree"
)

func testKeypair(t *testing.T) crypto.PartialKeypair {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	sec := ed25519.NewKeyFromSeed(seed)
	return crypto.PartialKeypair{Public: sec.Public().(ed25519.PublicKey), Secret: sec}
}

// openFresh initializes an oplog on seg and returns it with the segment
// contents flushed.
func openFresh(t *testing.T, seg storage.Segment, kp crypto.PartialKeypair) *Oplog {
	t.Helper()
	raw, err := storage.ReadAll(seg, storage.NameOplog)
	require.NoError(t, err)
	outcome, err := Open(kp, raw)
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, outcome.SlicesToFlush))
	return outcome.Oplog
}

func reopen(t *testing.T, seg storage.Segment, kp crypto.PartialKeypair) *OpenOutcome {
	t.Helper()
	raw, err := storage.ReadAll(seg, storage.NameOplog)
	require.NoError(t, err)
	outcome, err := Open(kp, raw)
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, outcome.SlicesToFlush))
	return outcome
}

func testChangeset(kp crypto.PartialKeypair, payloads ...[]byte) *tree.Changeset {
	mt, _ := tree.Open(storage.NewMemorySegment(), 0, 0, crypto.Hash{}, nil)
	cs := mt.Changeset()
	for _, p := range payloads {
		cs.Append(p)
	}
	_ = cs.HashAndSign(kp)
	return cs
}

func TestFreshOpenWritesSlotA(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	require.Equal(t, uint64(0), o.Sequence())
	h := o.Header()
	assert.Equal(t, "blake2b", h.Types.Tree)
	assert.Equal(t, "raw", h.Types.Bitfield)
	assert.Equal(t, "ed25519", h.Types.Signer)
	assert.Equal(t, kp.Public, h.Signer.Public)
	assert.Equal(t, uint64(0), h.Tree.Length)

	// Reopen finds the same header, no entries.
	outcome := reopen(t, seg, kp)
	assert.Equal(t, uint64(0), outcome.Oplog.Sequence())
	assert.Equal(t, kp.Public, outcome.Header.Signer.Public)
	assert.Empty(t, outcome.Entries)
}

func TestHeaderRoundTripPreservesUserDataAndHints(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	o.SetUserData("app/name", []byte("merklelog"))
	o.SetUserData("app/name", []byte("merklelog-v2"))
	o.SetUserData("app/seq", []byte{9})
	o.header.Hints.Reorgs = []string{"r0", "r1"}
	slices, err := o.FlushHeader()
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))

	got := reopen(t, seg, kp).Header
	require.Len(t, got.UserData, 2)
	assert.Equal(t, "app/name", got.UserData[0].Key)
	assert.Equal(t, []byte("merklelog-v2"), got.UserData[0].Value)
	assert.Equal(t, []byte{9}, got.UserData[1].Value)
	assert.Equal(t, []string{"r0", "r1"}, got.Hints.Reorgs)
}

func TestAppendChangesetReplays(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	cs := testChangeset(kp, []byte("ab"), []byte("cde"))
	slices, err := o.AppendChangeset(cs, &EntryBitfieldUpdate{Start: 0, Length: 2})
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))

	outcome := reopen(t, seg, kp)
	require.Len(t, outcome.Entries, 1)
	entry := outcome.Entries[0]
	require.NotNil(t, entry.TreeUpgrade)
	assert.Equal(t, uint64(0), entry.TreeUpgrade.Ancestors)
	assert.Equal(t, uint64(2), entry.TreeUpgrade.Length)
	assert.Equal(t, cs.Signature, entry.TreeUpgrade.Signature)
	assert.Equal(t, cs.Nodes, entry.TreeUpgrade.Nodes)
	require.NotNil(t, entry.BitfieldUpdate)
	assert.False(t, entry.BitfieldUpdate.Drop)
	assert.Equal(t, uint64(2), entry.BitfieldUpdate.Length)
}

func TestTornTailTruncated(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	for i := 0; i < 2; i++ {
		cs := testChangeset(kp, []byte("x"))
		slices, err := o.AppendChangeset(cs, nil)
		require.NoError(t, err)
		require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))
	}

	// Tear the last entry: drop the sealing stamp and 3 bytes of the
	// frame itself.
	n, err := seg.Len()
	require.NoError(t, err)
	require.NoError(t, seg.Truncate(n-frameHeaderSize-3))

	outcome := reopen(t, seg, kp)
	require.Len(t, outcome.Entries, 1)
	assert.Greater(t, outcome.TornBytes, uint64(0))

	// The torn tail was sealed: reopening again is clean.
	outcome = reopen(t, seg, kp)
	require.Len(t, outcome.Entries, 1)
	assert.Equal(t, uint64(0), outcome.TornBytes)
}

func TestCorruptedEntryStopsReplay(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	for i := 0; i < 2; i++ {
		cs := testChangeset(kp, []byte("x"))
		slices, err := o.AppendChangeset(cs, nil)
		require.NoError(t, err)
		require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))
	}

	// Flip a byte in the first entry's payload: both entries are lost,
	// because replay cannot trust anything after the break.
	_, err := seg.WriteAt([]byte{0xff}, BodyOffset+frameHeaderSize+2)
	require.NoError(t, err)

	outcome := reopen(t, seg, kp)
	assert.Empty(t, outcome.Entries)
	assert.Greater(t, outcome.TornBytes, uint64(0))
}

func TestHeaderAlternation(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)
	require.Equal(t, uint64(0), o.Sequence())

	for i := 1; i <= 5; i++ {
		slices, err := o.FlushHeader()
		require.NoError(t, err)
		require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))

		// Sequence advances by one per rewrite and lands in the
		// alternate slot: even sequences in slot A, odd in slot B.
		require.Equal(t, uint64(i), o.Sequence())
		require.Equal(t, i%2, o.slot)

		got := reopen(t, seg, kp)
		require.Equal(t, uint64(i), got.Oplog.Sequence())
		require.Equal(t, i%2, got.Oplog.slot)
	}
}

func TestBadSlotFallsBackToOther(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	// Rewrite once so both slots hold a valid header.
	slices, err := o.FlushHeader()
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))

	// Corrupt the winner (slot B, sequence 1): open falls back to A.
	_, err = seg.WriteAt([]byte{0xff}, SlotSize+20)
	require.NoError(t, err)
	outcome := reopen(t, seg, kp)
	require.Equal(t, uint64(0), outcome.Oplog.Sequence())

	// Corrupt the survivor too: now the header is gone for good.
	_, err = seg.WriteAt([]byte{0xff}, 20)
	require.NoError(t, err)
	raw, err := storage.ReadAll(seg, storage.NameOplog)
	require.NoError(t, err)
	_, err = Open(kp, raw)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestFlushHeaderResetsBody(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	o := openFresh(t, seg, kp)

	cs := testChangeset(kp, []byte("abc"))
	slices, err := o.AppendChangeset(cs, nil)
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))
	require.Greater(t, o.BodyLength(), uint64(0))

	o.SetTree(cs.Fork, cs.Length, cs.Signable(), cs.Signature)
	o.SetContiguousLength(1)
	slices, err = o.FlushHeader()
	require.NoError(t, err)
	require.NoError(t, storage.FlushSlices(seg, storage.NameOplog, slices))
	require.Equal(t, uint64(0), o.BodyLength())

	// After the rewrite the entry is squashed into the header.
	outcome := reopen(t, seg, kp)
	assert.Empty(t, outcome.Entries)
	assert.Equal(t, uint64(1), outcome.Header.Tree.Length)
	assert.Equal(t, uint64(1), outcome.Header.ContiguousLength)
	assert.Equal(t, cs.Signature, outcome.Header.Tree.Signature)
}

func TestSecretKeyOmittedForReaders(t *testing.T) {
	kp := testKeypair(t)
	seg := storage.NewMemorySegment()
	openFresh(t, seg, kp)

	outcome := reopen(t, seg, kp)
	require.NotNil(t, outcome.Header.Signer.Secret)

	// A reader-side oplog created from just the public key has none.
	rseg := storage.NewMemorySegment()
	reader := openFresh(t, rseg, crypto.PartialKeypair{Public: kp.Public})
	assert.Nil(t, reader.Header().Signer.Secret)
}
