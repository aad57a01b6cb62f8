package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/encoding"
	"github.com/scigolib/merklelog/internal/storage"
	"github.com/scigolib/merklelog/internal/tree"
)

// Physical layout constants.
//
//	[0, SlotSize)            header slot A
//	[SlotSize, BodyOffset)   header slot B
//	[BodyOffset, ...)        entry frames
const (
	SlotSize   = 4096
	BodyOffset = 2 * SlotSize
)

// frameHeaderSize is the length prefix plus the checksum.
const frameHeaderSize = 8

// maxSlotPayload bounds a header record so it fits its slot.
const maxSlotPayload = SlotSize - frameHeaderSize

// DefaultFlushThreshold is the body size beyond which the controller
// rewrites the header to bound replay work.
const DefaultFlushThreshold = 64 * 1024

var (
	// ErrCorruptHeader marks an oplog whose header slots both fail
	// validation. Fatal on open.
	ErrCorruptHeader = errors.New("corrupt oplog header")

	// ErrHeaderTooLarge marks a header record that no longer fits a
	// slot.
	ErrHeaderTooLarge = errors.New("oplog header exceeds slot")
)

// Oplog sequences header and tree/bitfield mutations. All methods produce
// pending slices; the controller owns flushing them to the oplog segment
// in commit order.
type Oplog struct {
	header Header

	// Winner slot bookkeeping: seq is the winning slot's sequence,
	// slot its position (0 or 1). The other slot is scratch for the
	// next rewrite.
	seq  uint64
	slot int

	// bodyLength is the byte length of entry frames appended since the
	// last header rewrite.
	bodyLength uint64
}

// OpenOutcome is the result of replaying an oplog segment.
type OpenOutcome struct {
	Oplog   *Oplog
	Header  Header
	Entries []Entry

	// TornBytes counts trailing bytes discarded by replay.
	TornBytes uint64

	// SlicesToFlush must be written to the oplog segment (and synced)
	// before the log is used: the initial header for a fresh log, and
	// the zero stamp sealing a torn tail.
	SlicesToFlush []storage.Slice
}

// Open decodes an oplog segment image. An empty image initializes a fresh
// header from the key pair hint. A non-empty image must yield at least one
// CRC-valid header slot; entries after the winning slot are replayed until
// the body ends or a torn frame terminates it.
func Open(hint crypto.PartialKeypair, raw []byte) (*OpenOutcome, error) {
	if allZero(raw) {
		header := NewHeader(hint)
		o := &Oplog{header: header}
		buf, err := encodeSlot(0, &header)
		if err != nil {
			return nil, err
		}
		return &OpenOutcome{
			Oplog:         o,
			Header:        header,
			SlicesToFlush: []storage.Slice{{Offset: 0, Data: buf}},
		}, nil
	}

	headerA, seqA, okA := decodeSlot(slotBytes(raw, 0))
	headerB, seqB, okB := decodeSlot(slotBytes(raw, 1))
	if !okA && !okB {
		return nil, ErrCorruptHeader
	}

	o := &Oplog{}
	switch {
	case okA && (!okB || seqA > seqB):
		o.header, o.seq, o.slot = headerA, seqA, 0
	default:
		o.header, o.seq, o.slot = headerB, seqB, 1
	}
	glog.V(2).Infof("oplog: slot %d wins with sequence %d", o.slot, o.seq)

	entries, bodyLength, torn, err := replay(raw)
	if err != nil {
		return nil, err
	}
	o.bodyLength = bodyLength

	outcome := &OpenOutcome{
		Oplog:     o,
		Header:    o.header,
		Entries:   entries,
		TornBytes: torn,
	}
	if torn > 0 {
		glog.V(1).Infof("oplog: discarding %d torn bytes after %d entries", torn, len(entries))
		outcome.SlicesToFlush = append(outcome.SlicesToFlush, zeroStamp(BodyOffset+bodyLength))
	}
	return outcome, nil
}

// replay walks the body, returning the CRC-valid entries, the byte length
// they occupy, and how many trailing bytes a torn frame leaves behind.
func replay(raw []byte) ([]Entry, uint64, uint64, error) {
	var entries []Entry
	pos := uint64(BodyOffset)
	end := uint64(len(raw))
	if end < pos {
		return nil, 0, 0, nil
	}

	for pos+frameHeaderSize <= end {
		prefix := binary.LittleEndian.Uint32(raw[pos:])
		bits := int(prefix >> 30)
		length := uint64(prefix & 0x3fffffff)
		if length == 0 {
			// Zero stamp: clean end of body.
			return entries, pos - BodyOffset, 0, nil
		}
		if pos+frameHeaderSize+length > end {
			return entries, pos - BodyOffset, end - pos, nil
		}
		payload := raw[pos+frameHeaderSize : pos+frameHeaderSize+length]
		crc := binary.LittleEndian.Uint32(raw[pos+4:])
		if encoding.Checksum(payload) != crc {
			return entries, pos - BodyOffset, end - pos, nil
		}
		entry, err := decodeEntry(bits, payload)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("oplog entry at %d: %w", pos, err)
		}
		entries = append(entries, entry)
		pos += frameHeaderSize + length
	}
	return entries, pos - BodyOffset, end - pos, nil
}

// Header returns the current in-memory header image.
func (o *Oplog) Header() Header {
	return o.header
}

// Sequence returns the winning slot's sequence number.
func (o *Oplog) Sequence() uint64 {
	return o.seq
}

// BodyLength returns the byte length of entries since the last header
// rewrite.
func (o *Oplog) BodyLength() uint64 {
	return o.bodyLength
}

// SetTree updates the in-memory header's tree snapshot. The update reaches
// disk on the next header rewrite; until then replay reconstructs it from
// the entries.
func (o *Oplog) SetTree(fork, length uint64, rootHash crypto.Hash, signature []byte) {
	o.header.Tree = HeaderTree{
		Fork:      fork,
		Length:    length,
		RootHash:  rootHash,
		Signature: append([]byte(nil), signature...),
	}
}

// SetContiguousLength updates the in-memory header's contiguous length.
func (o *Oplog) SetContiguousLength(n uint64) {
	o.header.ContiguousLength = n
}

// SetUserData replaces a user data entry, or appends it when the key is
// new.
func (o *Oplog) SetUserData(key string, value []byte) {
	for i := range o.header.UserData {
		if o.header.UserData[i].Key == key {
			o.header.UserData[i].Value = append([]byte(nil), value...)
			return
		}
	}
	o.header.UserData = append(o.header.UserData, UserDataEntry{
		Key:   key,
		Value: append([]byte(nil), value...),
	})
}

// AppendChangeset encodes one entry carrying the changeset's tree upgrade
// and, when the bitfield moves atomically with it, the bitfield update.
// The returned slices append the frame and re-seal the body; they must be
// flushed before the changeset is applied in memory. Not safe for
// concurrent use with itself.
func (o *Oplog) AppendChangeset(c *tree.Changeset, bf *EntryBitfieldUpdate) ([]storage.Slice, error) {
	entry := &Entry{
		TreeUpgrade: &EntryTreeUpgrade{
			Fork:      c.Fork,
			Ancestors: c.Ancestors,
			Length:    c.Length,
			Signature: c.Signature,
			Nodes:     c.Nodes,
		},
		BitfieldUpdate: bf,
	}
	return o.appendEntry(entry)
}

// AppendBitfieldUpdate encodes an entry carrying only a bitfield change.
func (o *Oplog) AppendBitfieldUpdate(bf EntryBitfieldUpdate) ([]storage.Slice, error) {
	return o.appendEntry(&Entry{BitfieldUpdate: &bf})
}

// AppendEntry encodes an arbitrary entry, for commits whose delta arrives
// from outside a local changeset (verified remote proofs).
func (o *Oplog) AppendEntry(e *Entry) ([]storage.Slice, error) {
	return o.appendEntry(e)
}

func (o *Oplog) appendEntry(e *Entry) ([]storage.Slice, error) {
	payload, err := encodeEntry(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload))|uint32(e.flags())<<30)
	binary.LittleEndian.PutUint32(frame[4:], encoding.Checksum(payload))
	copy(frame[frameHeaderSize:], payload)

	offset := BodyOffset + o.bodyLength
	o.bodyLength += uint64(len(frame))
	return []storage.Slice{
		{Offset: offset, Data: frame},
		zeroStamp(offset + uint64(len(frame))),
	}, nil
}

// FlushHeader rewrites the losing slot with the current header image and
// logically empties the body. The returned slices carry the new slot and
// the body's zero stamp.
func (o *Oplog) FlushHeader() ([]storage.Slice, error) {
	newSeq := o.seq + 1
	newSlot := 1 - o.slot
	buf, err := encodeSlot(newSeq, &o.header)
	if err != nil {
		return nil, err
	}
	o.seq = newSeq
	o.slot = newSlot
	o.bodyLength = 0
	glog.V(2).Infof("oplog: header rewritten to slot %d, sequence %d", newSlot, newSeq)
	return []storage.Slice{
		{Offset: uint64(newSlot) * SlotSize, Data: buf},
		zeroStamp(BodyOffset),
	}, nil
}

// encodeSlot frames a header record with its slot sequence.
func encodeSlot(seq uint64, h *Header) ([]byte, error) {
	s := encoding.NewState()
	s.PreencodeUint(seq)
	preencodeHeader(s, h)
	s.Alloc()
	if err := s.EncodeUint(seq); err != nil {
		return nil, err
	}
	if err := encodeHeader(s, h); err != nil {
		return nil, err
	}
	payload := s.Buffer()
	if len(payload) > maxSlotPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(payload))
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], encoding.Checksum(payload))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// decodeSlot parses one header slot; ok is false when the slot is empty,
// truncated or fails its checksum.
func decodeSlot(buf []byte) (Header, uint64, bool) {
	if len(buf) < frameHeaderSize {
		return Header{}, 0, false
	}
	prefix := binary.LittleEndian.Uint32(buf)
	length := uint64(prefix & 0x3fffffff)
	if length == 0 || length > maxSlotPayload || frameHeaderSize+length > uint64(len(buf)) {
		return Header{}, 0, false
	}
	payload := buf[frameHeaderSize : frameHeaderSize+length]
	if encoding.Checksum(payload) != binary.LittleEndian.Uint32(buf[4:]) {
		return Header{}, 0, false
	}

	s := encoding.NewDecoder(payload)
	seq, err := s.DecodeUint()
	if err != nil {
		return Header{}, 0, false
	}
	header, err := decodeHeader(s)
	if err != nil {
		return Header{}, 0, false
	}
	return header, seq, true
}

func slotBytes(raw []byte, slot int) []byte {
	start := slot * SlotSize
	if start >= len(raw) {
		return nil
	}
	end := start + SlotSize
	if end > len(raw) {
		end = len(raw)
	}
	return raw[start:end]
}

// zeroStamp seals the body at offset with an empty frame header.
func zeroStamp(offset uint64) storage.Slice {
	return storage.Slice{Offset: offset, Data: make([]byte, frameHeaderSize)}
}

// allZero reports whether the segment image holds no data at all. A
// zero-filled image is as fresh as an empty one; a non-zero image with two
// bad slots is corruption.
func allZero(raw []byte) bool {
	for _, b := range raw {
		if b != 0 {
			return false
		}
	}
	return true
}
