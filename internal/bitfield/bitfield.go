// Package bitfield tracks which blocks of the log are held locally. The
// in-memory form is a bitset; the persisted form is the raw little-endian
// word dump written to the bitfield segment after its 32-byte reserved
// header, updated atomically with the tree through the oplog.
package bitfield

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"

	"github.com/scigolib/merklelog/internal/storage"
)

// HeaderOffset reserves the first 32 bytes of the bitfield segment.
const HeaderOffset = 32

const wordBytes = 8

// Bitfield is the set of locally held block indices.
type Bitfield struct {
	bits *bitset.BitSet

	// Dirty word range since the last Slices call, inclusive start,
	// exclusive end.
	dirtyStart uint64
	dirtyEnd   uint64
}

// Open rebuilds a bitfield from the raw segment bytes (header included;
// shorter-than-header and empty inputs yield an empty bitfield).
func Open(raw []byte) *Bitfield {
	if len(raw) <= HeaderOffset {
		return &Bitfield{bits: bitset.New(0)}
	}
	body := raw[HeaderOffset:]
	words := make([]uint64, (len(body)+wordBytes-1)/wordBytes)
	for i := range words {
		start := i * wordBytes
		end := start + wordBytes
		if end > len(body) {
			var tail [wordBytes]byte
			copy(tail[:], body[start:])
			words[i] = binary.LittleEndian.Uint64(tail[:])
			break
		}
		words[i] = binary.LittleEndian.Uint64(body[start:end])
	}
	return &Bitfield{bits: bitset.From(words)}
}

// Get reports whether block index is held.
func (b *Bitfield) Get(index uint64) bool {
	return b.bits.Test(uint(index))
}

// SetRange marks blocks [start, start+length) held (value true) or dropped
// (value false).
func (b *Bitfield) SetRange(start, length uint64, value bool) {
	if length == 0 {
		return
	}
	for i := start; i < start+length; i++ {
		if value {
			b.bits.Set(uint(i))
		} else {
			b.bits.Clear(uint(i))
		}
	}
	b.markDirty(start, start+length)
}

// ContiguousLength returns the largest n such that all blocks [0, n) are
// held.
func (b *Bitfield) ContiguousLength() uint64 {
	n, ok := b.bits.NextClear(0)
	if !ok {
		// Every allocated bit is set; the next clear bit sits right
		// past the allocated words.
		return uint64(b.bits.Len())
	}
	return uint64(n)
}

// Slices returns the pending writes covering every word touched since the
// previous call, and resets the dirty range.
func (b *Bitfield) Slices() []storage.Slice {
	if b.dirtyEnd == b.dirtyStart {
		return nil
	}
	firstWord := b.dirtyStart / 64
	lastWord := (b.dirtyEnd - 1) / 64
	words := b.bits.Bytes()

	data := make([]byte, (lastWord-firstWord+1)*wordBytes)
	for w := firstWord; w <= lastWord; w++ {
		var v uint64
		if w < uint64(len(words)) {
			v = words[w]
		}
		binary.LittleEndian.PutUint64(data[(w-firstWord)*wordBytes:], v)
	}

	b.dirtyStart, b.dirtyEnd = 0, 0
	return []storage.Slice{{
		Offset: HeaderOffset + firstWord*wordBytes,
		Data:   data,
	}}
}

func (b *Bitfield) markDirty(start, end uint64) {
	if b.dirtyEnd == b.dirtyStart {
		b.dirtyStart, b.dirtyEnd = start, end
		return
	}
	if start < b.dirtyStart {
		b.dirtyStart = start
	}
	if end > b.dirtyEnd {
		b.dirtyEnd = end
	}
}
