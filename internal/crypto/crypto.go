// Package crypto provides the hash and signature primitives of the log:
// BLAKE2b-256 node hashing with domain-separation tags, and ed25519 root
// signing.
//
// Hash layouts (all integers little-endian):
//
//	leaf:     BLAKE2b-256( 0x00 | length:u64 | data )
//	parent:   BLAKE2b-256( 0x01 | length:u64 | left.hash | right.hash )
//	signable: BLAKE2b-256( 0x02 | length:u64 | fork:u64 | root hashes... )
//
// The length prefix binds byte positions into the commitment: two trees
// over the same payload bytes split at different block boundaries hash
// differently.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Domain-separation tags for the three hash kinds.
const (
	tagLeaf   = 0x00
	tagParent = 0x01
	tagRoot   = 0x02
)

// Sizes of the fixed-width values handled by this package.
const (
	HashSize      = blake2b.Size256
	PublicKeySize = ed25519.PublicKeySize
	SecretKeySize = ed25519.PrivateKeySize
	SignatureSize = ed25519.SignatureSize
)

// ErrNoSecret is returned when a signing operation is attempted without a
// secret key.
var ErrNoSecret = errors.New("crypto: no secret key")

// Hash is a BLAKE2b-256 digest.
type Hash = [HashSize]byte

// PartialKeypair is an ed25519 key pair whose secret half may be absent.
// Readers of a log hold only the public key.
type PartialKeypair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// GenerateKeypair creates a fresh ed25519 key pair.
func GenerateKeypair() (PartialKeypair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PartialKeypair{}, err
	}
	return PartialKeypair{Public: pub, Secret: sec}, nil
}

// LeafHash hashes a block payload into its leaf digest.
func LeafHash(data []byte) Hash {
	h, _ := blake2b.New256(nil)
	var pre [9]byte
	pre[0] = tagLeaf
	binary.LittleEndian.PutUint64(pre[1:], uint64(len(data)))
	h.Write(pre[:])
	h.Write(data)
	return digest(h.Sum(nil))
}

// ParentHash hashes two sibling digests into their parent digest. length is
// the combined byte length of the two subtrees.
func ParentHash(length uint64, left, right Hash) Hash {
	h, _ := blake2b.New256(nil)
	var pre [9]byte
	pre[0] = tagParent
	binary.LittleEndian.PutUint64(pre[1:], length)
	h.Write(pre[:])
	h.Write(left[:])
	h.Write(right[:])
	return digest(h.Sum(nil))
}

// TreeSignable computes the digest a writer signs: the root-tagged hash of
// the block count, the fork and the concatenated root-cover hashes.
func TreeSignable(length, fork uint64, roots []Hash) Hash {
	h, _ := blake2b.New256(nil)
	var pre [17]byte
	pre[0] = tagRoot
	binary.LittleEndian.PutUint64(pre[1:], length)
	binary.LittleEndian.PutUint64(pre[9:], fork)
	h.Write(pre[:])
	for i := range roots {
		h.Write(roots[i][:])
	}
	return digest(h.Sum(nil))
}

// Sign signs a signable digest with the pair's secret key.
func Sign(kp PartialKeypair, signable Hash) ([]byte, error) {
	if kp.Secret == nil {
		return nil, ErrNoSecret
	}
	return ed25519.Sign(kp.Secret, signable[:]), nil
}

// Verify reports whether signature is a valid ed25519 signature of signable
// under public.
func Verify(public ed25519.PublicKey, signable Hash, signature []byte) bool {
	if len(public) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(public, signable[:], signature)
}

func digest(sum []byte) Hash {
	var out Hash
	copy(out[:], sum)
	return out
}
