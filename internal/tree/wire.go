package tree

import "github.com/scigolib/merklelog/internal/encoding"

// Wire messages exchanged when requesting and shipping blocks, hashes,
// seeks and upgrades. The tree produces and validates them; the transport
// that carries them is out of scope.

// RequestBlock asks for a block plus the proof nodes the requester is
// missing. Nodes is how many ancestors along the path the requester
// already holds.
type RequestBlock struct {
	Index uint64
	Nodes uint64
}

// RequestSeek asks for the proof locating the block that covers a byte
// offset.
type RequestSeek struct {
	Bytes uint64
}

// RequestUpgrade asks for a signed extension of the tree from Start by
// Length blocks.
type RequestUpgrade struct {
	Start  uint64
	Length uint64
}

// DataBlock ships a block payload with its Merkle path siblings.
type DataBlock struct {
	Index uint64
	Value []byte
	Nodes []Node
}

// DataHash ships a block's path without the payload. Nodes[0] is the
// block's own leaf node, the rest are the path siblings.
type DataHash struct {
	Index uint64
	Nodes []Node
}

// DataSeek ships the length chain locating a byte offset: the preceding
// roots, the covering root, then at each descent level the left child,
// followed by the right child when the walk goes right. The last node is
// the located leaf.
type DataSeek struct {
	Bytes uint64
	Nodes []Node
}

// DataUpgrade ships a signed new root cover. Nodes is the cover of
// [0, Start+Length); AdditionalNodes carries any extra records the
// receiver asked for alongside the upgrade.
type DataUpgrade struct {
	Start           uint64
	Length          uint64
	Nodes           []Node
	AdditionalNodes []Node
	Signature       []byte
}

// Encode serializes the request in compact form.
func (m *RequestBlock) Encode() []byte {
	s := encoding.NewState()
	s.PreencodeUint(m.Index)
	s.PreencodeUint(m.Nodes)
	s.Alloc()
	_ = s.EncodeUint(m.Index)
	_ = s.EncodeUint(m.Nodes)
	return s.Buffer()
}

// DecodeRequestBlock parses a compact RequestBlock.
func DecodeRequestBlock(buf []byte) (RequestBlock, error) {
	s := encoding.NewDecoder(buf)
	var m RequestBlock
	var err error
	if m.Index, err = s.DecodeUint(); err != nil {
		return RequestBlock{}, err
	}
	if m.Nodes, err = s.DecodeUint(); err != nil {
		return RequestBlock{}, err
	}
	return m, nil
}

// Encode serializes the request in compact form.
func (m *RequestSeek) Encode() []byte {
	s := encoding.NewState()
	s.PreencodeUint(m.Bytes)
	s.Alloc()
	_ = s.EncodeUint(m.Bytes)
	return s.Buffer()
}

// DecodeRequestSeek parses a compact RequestSeek.
func DecodeRequestSeek(buf []byte) (RequestSeek, error) {
	s := encoding.NewDecoder(buf)
	bytes, err := s.DecodeUint()
	if err != nil {
		return RequestSeek{}, err
	}
	return RequestSeek{Bytes: bytes}, nil
}

// Encode serializes the request in compact form.
func (m *RequestUpgrade) Encode() []byte {
	s := encoding.NewState()
	s.PreencodeUint(m.Start)
	s.PreencodeUint(m.Length)
	s.Alloc()
	_ = s.EncodeUint(m.Start)
	_ = s.EncodeUint(m.Length)
	return s.Buffer()
}

// DecodeRequestUpgrade parses a compact RequestUpgrade.
func DecodeRequestUpgrade(buf []byte) (RequestUpgrade, error) {
	s := encoding.NewDecoder(buf)
	var m RequestUpgrade
	var err error
	if m.Start, err = s.DecodeUint(); err != nil {
		return RequestUpgrade{}, err
	}
	if m.Length, err = s.DecodeUint(); err != nil {
		return RequestUpgrade{}, err
	}
	return m, nil
}

// Encode serializes the message in compact form.
func (m *DataBlock) Encode() ([]byte, error) {
	s := encoding.NewState()
	s.PreencodeUint(m.Index)
	s.PreencodeBytes(m.Value)
	PreencodeNodes(s, m.Nodes)
	s.Alloc()
	if err := s.EncodeUint(m.Index); err != nil {
		return nil, err
	}
	if err := s.EncodeBytes(m.Value); err != nil {
		return nil, err
	}
	if err := EncodeNodes(s, m.Nodes); err != nil {
		return nil, err
	}
	return s.Buffer(), nil
}

// DecodeDataBlock parses a compact DataBlock.
func DecodeDataBlock(buf []byte) (*DataBlock, error) {
	s := encoding.NewDecoder(buf)
	m := &DataBlock{}
	var err error
	if m.Index, err = s.DecodeUint(); err != nil {
		return nil, err
	}
	if m.Value, err = s.DecodeBytes(); err != nil {
		return nil, err
	}
	if m.Nodes, err = DecodeNodes(s); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes the message in compact form.
func (m *DataHash) Encode() ([]byte, error) {
	s := encoding.NewState()
	s.PreencodeUint(m.Index)
	PreencodeNodes(s, m.Nodes)
	s.Alloc()
	if err := s.EncodeUint(m.Index); err != nil {
		return nil, err
	}
	if err := EncodeNodes(s, m.Nodes); err != nil {
		return nil, err
	}
	return s.Buffer(), nil
}

// DecodeDataHash parses a compact DataHash.
func DecodeDataHash(buf []byte) (*DataHash, error) {
	s := encoding.NewDecoder(buf)
	m := &DataHash{}
	var err error
	if m.Index, err = s.DecodeUint(); err != nil {
		return nil, err
	}
	if m.Nodes, err = DecodeNodes(s); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes the message in compact form.
func (m *DataSeek) Encode() ([]byte, error) {
	s := encoding.NewState()
	s.PreencodeUint(m.Bytes)
	PreencodeNodes(s, m.Nodes)
	s.Alloc()
	if err := s.EncodeUint(m.Bytes); err != nil {
		return nil, err
	}
	if err := EncodeNodes(s, m.Nodes); err != nil {
		return nil, err
	}
	return s.Buffer(), nil
}

// DecodeDataSeek parses a compact DataSeek.
func DecodeDataSeek(buf []byte) (*DataSeek, error) {
	s := encoding.NewDecoder(buf)
	m := &DataSeek{}
	var err error
	if m.Bytes, err = s.DecodeUint(); err != nil {
		return nil, err
	}
	if m.Nodes, err = DecodeNodes(s); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes the message in compact form.
func (m *DataUpgrade) Encode() ([]byte, error) {
	s := encoding.NewState()
	s.PreencodeUint(m.Start)
	s.PreencodeUint(m.Length)
	PreencodeNodes(s, m.Nodes)
	PreencodeNodes(s, m.AdditionalNodes)
	s.PreencodeBytes(m.Signature)
	s.Alloc()
	if err := s.EncodeUint(m.Start); err != nil {
		return nil, err
	}
	if err := s.EncodeUint(m.Length); err != nil {
		return nil, err
	}
	if err := EncodeNodes(s, m.Nodes); err != nil {
		return nil, err
	}
	if err := EncodeNodes(s, m.AdditionalNodes); err != nil {
		return nil, err
	}
	if err := s.EncodeBytes(m.Signature); err != nil {
		return nil, err
	}
	return s.Buffer(), nil
}

// DecodeDataUpgrade parses a compact DataUpgrade.
func DecodeDataUpgrade(buf []byte) (*DataUpgrade, error) {
	s := encoding.NewDecoder(buf)
	m := &DataUpgrade{}
	var err error
	if m.Start, err = s.DecodeUint(); err != nil {
		return nil, err
	}
	if m.Length, err = s.DecodeUint(); err != nil {
		return nil, err
	}
	if m.Nodes, err = DecodeNodes(s); err != nil {
		return nil, err
	}
	if m.AdditionalNodes, err = DecodeNodes(s); err != nil {
		return nil, err
	}
	if m.Signature, err = s.DecodeBytes(); err != nil {
		return nil, err
	}
	return m, nil
}
