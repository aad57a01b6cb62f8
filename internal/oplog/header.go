// Package oplog implements the operation log: the durability substrate
// that makes commits atomic and recoverable. The physical layout is two
// fixed header slots, each holding a checksummed snapshot of the header,
// followed by a growing body of checksummed entry frames.
package oplog

import (
	"crypto/ed25519"
	"fmt"

	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/encoding"
)

// headerVersion is the only on-disk header version understood.
const headerVersion = 0

// HeaderTypes names the algorithms the log was created with.
type HeaderTypes struct {
	Tree     string
	Bitfield string
	Signer   string
}

// HeaderTree is the committed tree state snapshot inside the header.
type HeaderTree struct {
	Fork      uint64
	Length    uint64
	RootHash  crypto.Hash
	Signature []byte
}

// UserDataEntry is an opaque named byte string carried in the header. The
// engine round-trips entries without interpreting them.
type UserDataEntry struct {
	Key   string
	Value []byte
}

// HeaderHints carries advisory metadata; reorg hints are preserved
// verbatim.
type HeaderHints struct {
	Reorgs []string
}

// Header is the oplog's persisted metadata snapshot.
type Header struct {
	Types            HeaderTypes
	UserData         []UserDataEntry
	Tree             HeaderTree
	Signer           crypto.PartialKeypair
	Hints            HeaderHints
	ContiguousLength uint64
}

// NewHeader creates the initial header for a fresh log.
func NewHeader(kp crypto.PartialKeypair) Header {
	return Header{
		Types: HeaderTypes{
			Tree:     "blake2b",
			Bitfield: "raw",
			Signer:   "ed25519",
		},
		Signer: kp,
	}
}

func preencodeHeader(s *encoding.State, h *Header) {
	s.PreencodeFixed(1) // version
	s.PreencodeString(h.Types.Tree)
	s.PreencodeString(h.Types.Bitfield)
	s.PreencodeString(h.Types.Signer)
	s.PreencodeUint(uint64(len(h.UserData)))
	for _, u := range h.UserData {
		s.PreencodeString(u.Key)
		s.PreencodeBytes(u.Value)
	}
	s.PreencodeUint(h.Tree.Fork)
	s.PreencodeUint(h.Tree.Length)
	s.PreencodeFixed(crypto.HashSize)
	s.PreencodeFixed(crypto.SignatureSize)
	s.PreencodeFixed(crypto.PublicKeySize)
	s.PreencodeBytes(h.Signer.Secret)
	s.PreencodeStringArray(h.Hints.Reorgs)
	s.PreencodeUint(h.ContiguousLength)
}

func encodeHeader(s *encoding.State, h *Header) error {
	if err := s.EncodeFixed([]byte{headerVersion}); err != nil {
		return err
	}
	if err := s.EncodeString(h.Types.Tree); err != nil {
		return err
	}
	if err := s.EncodeString(h.Types.Bitfield); err != nil {
		return err
	}
	if err := s.EncodeString(h.Types.Signer); err != nil {
		return err
	}
	if err := s.EncodeUint(uint64(len(h.UserData))); err != nil {
		return err
	}
	for _, u := range h.UserData {
		if err := s.EncodeString(u.Key); err != nil {
			return err
		}
		if err := s.EncodeBytes(u.Value); err != nil {
			return err
		}
	}
	if err := s.EncodeUint(h.Tree.Fork); err != nil {
		return err
	}
	if err := s.EncodeUint(h.Tree.Length); err != nil {
		return err
	}
	if err := s.EncodeFixed(h.Tree.RootHash[:]); err != nil {
		return err
	}
	sig := h.Tree.Signature
	if sig == nil {
		sig = make([]byte, crypto.SignatureSize)
	}
	if err := s.EncodeFixed(sig); err != nil {
		return err
	}
	if err := s.EncodeFixed(h.Signer.Public); err != nil {
		return err
	}
	if err := s.EncodeBytes(h.Signer.Secret); err != nil {
		return err
	}
	if err := s.EncodeStringArray(h.Hints.Reorgs); err != nil {
		return err
	}
	return s.EncodeUint(h.ContiguousLength)
}

func decodeHeader(s *encoding.State) (Header, error) {
	var h Header

	version, err := s.DecodeFixed(1)
	if err != nil {
		return Header{}, err
	}
	if version[0] != headerVersion {
		return Header{}, fmt.Errorf("%w: unknown header version %d", ErrCorruptHeader, version[0])
	}
	if h.Types.Tree, err = s.DecodeString(); err != nil {
		return Header{}, err
	}
	if h.Types.Bitfield, err = s.DecodeString(); err != nil {
		return Header{}, err
	}
	if h.Types.Signer, err = s.DecodeString(); err != nil {
		return Header{}, err
	}
	count, err := s.DecodeUint()
	if err != nil {
		return Header{}, err
	}
	if count > uint64(s.Remaining()) {
		return Header{}, encoding.ErrOutOfBounds
	}
	for i := uint64(0); i < count; i++ {
		var u UserDataEntry
		if u.Key, err = s.DecodeString(); err != nil {
			return Header{}, err
		}
		if u.Value, err = s.DecodeBytes(); err != nil {
			return Header{}, err
		}
		h.UserData = append(h.UserData, u)
	}
	if h.Tree.Fork, err = s.DecodeUint(); err != nil {
		return Header{}, err
	}
	if h.Tree.Length, err = s.DecodeUint(); err != nil {
		return Header{}, err
	}
	rootHash, err := s.DecodeFixed(crypto.HashSize)
	if err != nil {
		return Header{}, err
	}
	copy(h.Tree.RootHash[:], rootHash)
	if h.Tree.Signature, err = s.DecodeFixed(crypto.SignatureSize); err != nil {
		return Header{}, err
	}
	public, err := s.DecodeFixed(crypto.PublicKeySize)
	if err != nil {
		return Header{}, err
	}
	h.Signer.Public = ed25519.PublicKey(public)
	secret, err := s.DecodeBytes()
	if err != nil {
		return Header{}, err
	}
	switch len(secret) {
	case 0:
		h.Signer.Secret = nil
	case crypto.SecretKeySize:
		h.Signer.Secret = ed25519.PrivateKey(secret)
	default:
		return Header{}, fmt.Errorf("%w: secret key of %d bytes", ErrCorruptHeader, len(secret))
	}
	reorgs, err := s.DecodeStringArray()
	if err != nil {
		return Header{}, err
	}
	h.Hints.Reorgs = reorgs
	if h.ContiguousLength, err = s.DecodeUint(); err != nil {
		return Header{}, err
	}
	return h, nil
}
