// Package nimble implements a rollback-detection service built on
// fault-tolerant, append-only witness ledgers.
//
// Every version of an application's data item is bound to a position in a
// hash chain. A set of independently trusted witnesses (endorsers) each
// keep a copy of every chain and sign receipts over its state. An untrusted
// Orchestrator fans requests out to the witnesses and assembles receipts
// into quorum certificates, and a client-side Verifier re-checks those
// certificates and rejects anything older than what it already trusts.
//
// The witness set is itself recorded in a special view ledger, so every
// membership change is authorized by a quorum of the previous view and
// can be audited from the genesis view onward.
package nimble

import (
	"bytes"
	"context"
	"encoding/hex"
)

// Handle names one independent ledger. Handles are opaque bytes; the
// orchestrator generates random 16-byte handles for new ledgers.
type Handle []byte

// MaxHandleSize bounds handle length on the wire and in storage keys.
const MaxHandleSize = 256

// ViewLedgerHandle is the reserved handle of the view ledger. Application
// ledgers may not use it.
var ViewLedgerHandle = Handle("\x00nimble/view-ledger")

// String returns the hex encoding of the handle.
func (h Handle) String() string {
	return hex.EncodeToString(h)
}

// Equal reports whether two handles are byte-identical.
func (h Handle) Equal(other Handle) bool {
	return bytes.Equal(h, other)
}

// IsViewLedger reports whether h is the reserved view ledger handle.
func (h Handle) IsViewLedger() bool {
	return bytes.Equal(h, ViewLedgerHandle)
}

func (h Handle) validate() error {
	if len(h) == 0 {
		return wrapInvalidMessage("empty handle")
	}
	if len(h) > MaxHandleSize {
		return wrapInvalidMessagef("handle too long: %d bytes", len(h))
	}
	return nil
}

// ParseHandle decodes a hex handle.
func ParseHandle(s string) (Handle, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, wrapInvalidMessagef("handle %q: %v", s, err)
	}
	h := Handle(b)
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// WitnessID identifies a witness: the digest of its public key encoding.
type WitnessID [DigestSize]byte

// WitnessIDFromPublicKey derives the identity of the witness holding pk.
func WitnessIDFromPublicKey(pk PublicKey) WitnessID {
	return WitnessID(HashBlock(pk.Bytes()))
}

// String returns the first 8 bytes in hex, enough to tell witnesses apart in logs.
func (id WitnessID) String() string {
	return hex.EncodeToString(id[:8])
}

// Hex returns the full hex encoding.
func (id WitnessID) Hex() string {
	return hex.EncodeToString(id[:])
}

// ParseWitnessID decodes a full hex witness id.
func ParseWitnessID(s string) (WitnessID, error) {
	var id WitnessID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, wrapInvalidMessagef("witness id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func witnessIDLess(a, b WitnessID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Endorser is the operation set of one witness. *Witness implements it
// in-process and transport.Client implements it over HTTP, so the
// orchestrator treats local and remote witnesses alike.
//
// Receipts returned by an Endorser are untrusted until checked by
// Aggregate or a Verifier.
type Endorser interface {
	// Identity returns the witness's self-signed public identity.
	Identity(ctx context.Context) (*Identity, error)

	// CreateLedger starts a ledger at height 0 with tail HashBlock(genesis).
	CreateLedger(ctx context.Context, handle Handle, genesis []byte) (*Receipt, error)

	// Append extends a ledger by one block. expectedHeight must equal the
	// witness's current height, otherwise a *StaleHeightError is returned.
	Append(ctx context.Context, handle Handle, block []byte, expectedHeight uint64) (*Receipt, error)

	// ReadLatest signs the current state, binding nonce into the receipt.
	ReadLatest(ctx context.Context, handle Handle, nonce []byte) (*Receipt, error)

	// ReadAt returns the block stored at height.
	ReadAt(ctx context.Context, handle Handle, height uint64) ([]byte, error)

	// EndorseView signs the view ledger position the proposed view would
	// occupy, without adopting it.
	EndorseView(ctx context.Context, view *View) (*Receipt, error)

	// ActivateView appends view to the view ledger, given a certificate
	// from the currently active view authorizing it.
	ActivateView(ctx context.Context, view *View, authorization *Certificate) (*Receipt, error)

	// InstallLedger adopts a certified ledger state at a witness that does
	// not yet know the handle.
	InstallLedger(ctx context.Context, cert *Certificate) (*Receipt, error)
}

// Mode is the lifecycle state of a witness relative to the active view.
type Mode uint8

const (
	// ModeStandby: the witness follows the view ledger but is not a member.
	ModeStandby Mode = iota

	// ModeActive: the witness is a member of the view it honors.
	ModeActive

	// ModeRetired: the witness was removed by a view change. It still
	// serves reads so its ledgers can be drained.
	ModeRetired
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeStandby:
		return "standby"
	case ModeActive:
		return "active"
	case ModeRetired:
		return "retired"
	default:
		return "unknown"
	}
}
