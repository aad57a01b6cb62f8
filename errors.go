package merklelog

import (
	"github.com/scigolib/merklelog/internal/crypto"
	"github.com/scigolib/merklelog/internal/oplog"
	"github.com/scigolib/merklelog/internal/tree"
)

// Error kinds surfaced by the log. Backend I/O failures propagate with
// their cause intact (errors.As against *storage.BackendError); torn oplog
// tails are recovered internally during open and never surface.
var (
	// ErrNoSecret is returned by AppendBatch on a log opened without a
	// secret key.
	ErrNoSecret = crypto.ErrNoSecret

	// ErrCorruptHeader is returned by Open when both oplog header
	// slots fail validation, or when the recovered state does not
	// verify against the writer's public key.
	ErrCorruptHeader = oplog.ErrCorruptHeader

	// ErrCorruptTree is returned when required tree records are
	// missing or inconsistent with the committed header.
	ErrCorruptTree = tree.ErrCorruptTree

	// ErrInvalidProof marks a proof that does not fold into the root
	// cover.
	ErrInvalidProof = tree.ErrInvalidProof

	// ErrInvalidSignature marks an upgrade whose signature does not
	// verify.
	ErrInvalidSignature = tree.ErrInvalidSignature

	// ErrNonMonotonicUpgrade marks an upgrade that does not extend the
	// tree.
	ErrNonMonotonicUpgrade = tree.ErrNonMonotonicUpgrade

	// ErrBlockOutOfBounds marks a block index or byte offset at or
	// past the committed state.
	ErrBlockOutOfBounds = tree.ErrBlockOutOfBounds
)
