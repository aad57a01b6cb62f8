package oplog

import (
	"github.com/scigolib/merklelog/internal/encoding"
	"github.com/scigolib/merklelog/internal/tree"
)

// Entry kind flags, stored in the top two bits of a frame's length prefix.
const (
	flagTreeUpgrade    = 1
	flagBitfieldUpdate = 2
)

// EntryTreeUpgrade is the tree delta of one commit: the batch's nodes and
// the signed post-state. Ancestors is the block count the batch grew from.
type EntryTreeUpgrade struct {
	Fork      uint64
	Ancestors uint64
	Length    uint64
	Signature []byte
	Nodes     []tree.Node
}

// EntryBitfieldUpdate marks a block range held (Drop false) or dropped
// (Drop true).
type EntryBitfieldUpdate struct {
	Drop   bool
	Start  uint64
	Length uint64
}

// Entry is one oplog record: a tree upgrade, a bitfield update, or both
// made durable together.
type Entry struct {
	TreeUpgrade    *EntryTreeUpgrade
	BitfieldUpdate *EntryBitfieldUpdate
}

func (e *Entry) flags() int {
	var bits int
	if e.TreeUpgrade != nil {
		bits |= flagTreeUpgrade
	}
	if e.BitfieldUpdate != nil {
		bits |= flagBitfieldUpdate
	}
	return bits
}

func encodeEntry(e *Entry) ([]byte, error) {
	s := encoding.NewState()
	if u := e.TreeUpgrade; u != nil {
		s.PreencodeUint(u.Fork)
		s.PreencodeUint(u.Ancestors)
		s.PreencodeUint(u.Length)
		s.PreencodeBytes(u.Signature)
		tree.PreencodeNodes(s, u.Nodes)
	}
	if b := e.BitfieldUpdate; b != nil {
		s.PreencodeFixed(1)
		s.PreencodeUint(b.Start)
		s.PreencodeUint(b.Length)
	}
	s.Alloc()
	if u := e.TreeUpgrade; u != nil {
		if err := s.EncodeUint(u.Fork); err != nil {
			return nil, err
		}
		if err := s.EncodeUint(u.Ancestors); err != nil {
			return nil, err
		}
		if err := s.EncodeUint(u.Length); err != nil {
			return nil, err
		}
		if err := s.EncodeBytes(u.Signature); err != nil {
			return nil, err
		}
		if err := tree.EncodeNodes(s, u.Nodes); err != nil {
			return nil, err
		}
	}
	if b := e.BitfieldUpdate; b != nil {
		drop := []byte{0}
		if b.Drop {
			drop[0] = 1
		}
		if err := s.EncodeFixed(drop); err != nil {
			return nil, err
		}
		if err := s.EncodeUint(b.Start); err != nil {
			return nil, err
		}
		if err := s.EncodeUint(b.Length); err != nil {
			return nil, err
		}
	}
	return s.Buffer(), nil
}

func decodeEntry(bits int, payload []byte) (Entry, error) {
	s := encoding.NewDecoder(payload)
	var e Entry
	if bits&flagTreeUpgrade != 0 {
		u := &EntryTreeUpgrade{}
		var err error
		if u.Fork, err = s.DecodeUint(); err != nil {
			return Entry{}, err
		}
		if u.Ancestors, err = s.DecodeUint(); err != nil {
			return Entry{}, err
		}
		if u.Length, err = s.DecodeUint(); err != nil {
			return Entry{}, err
		}
		if u.Signature, err = s.DecodeBytes(); err != nil {
			return Entry{}, err
		}
		if u.Nodes, err = tree.DecodeNodes(s); err != nil {
			return Entry{}, err
		}
		e.TreeUpgrade = u
	}
	if bits&flagBitfieldUpdate != 0 {
		b := &EntryBitfieldUpdate{}
		drop, err := s.DecodeFixed(1)
		if err != nil {
			return Entry{}, err
		}
		b.Drop = drop[0] != 0
		if b.Start, err = s.DecodeUint(); err != nil {
			return Entry{}, err
		}
		if b.Length, err = s.DecodeUint(); err != nil {
			return Entry{}, err
		}
		e.BitfieldUpdate = b
	}
	return e, nil
}
