package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/merklelog/internal/storage"
)

func TestEmpty(t *testing.T) {
	b := Open(nil)
	assert.False(t, b.Get(0))
	assert.Equal(t, uint64(0), b.ContiguousLength())
	assert.Nil(t, b.Slices())
}

func TestSetRangeAndContiguous(t *testing.T) {
	b := Open(nil)
	b.SetRange(0, 3, true)
	assert.True(t, b.Get(0))
	assert.True(t, b.Get(2))
	assert.False(t, b.Get(3))
	assert.Equal(t, uint64(3), b.ContiguousLength())

	// A hole keeps the contiguous length at the hole.
	b.SetRange(5, 2, true)
	assert.Equal(t, uint64(3), b.ContiguousLength())
	b.SetRange(3, 2, true)
	assert.Equal(t, uint64(7), b.ContiguousLength())

	// Dropping re-opens the hole.
	b.SetRange(1, 1, false)
	assert.False(t, b.Get(1))
	assert.Equal(t, uint64(1), b.ContiguousLength())
}

func TestSlicesCoverDirtyWords(t *testing.T) {
	b := Open(nil)
	b.SetRange(0, 2, true)
	slices := b.Slices()
	require.Len(t, slices, 1)
	assert.Equal(t, uint64(HeaderOffset), slices[0].Offset)
	require.Len(t, slices[0].Data, 8)
	assert.Equal(t, byte(0b11), slices[0].Data[0])

	// Flushing clears the dirty range.
	assert.Nil(t, b.Slices())

	// A bit in the second word dirties only that word.
	b.SetRange(64, 1, true)
	slices = b.Slices()
	require.Len(t, slices, 1)
	assert.Equal(t, uint64(HeaderOffset+8), slices[0].Offset)
	assert.Equal(t, byte(1), slices[0].Data[0])
}

func TestRoundTripThroughSegment(t *testing.T) {
	seg := storage.NewMemorySegment()

	b := Open(nil)
	b.SetRange(0, 70, true)
	b.SetRange(3, 1, false)
	require.NoError(t, storage.FlushSlices(seg, "bitfield", b.Slices()))

	raw, err := storage.ReadAll(seg, "bitfield")
	require.NoError(t, err)
	got := Open(raw)
	assert.True(t, got.Get(0))
	assert.False(t, got.Get(3))
	assert.True(t, got.Get(69))
	assert.False(t, got.Get(70))
	assert.Equal(t, uint64(3), got.ContiguousLength())
}
