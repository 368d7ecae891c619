package nimble

import (
	"errors"
	"fmt"
)

// Error classes. Callers branch with errors.Is and read details from the
// message or, where a typed error exists, with errors.As.
//
// Error Classification:
//   - Retryable: ErrStaleHeight (refresh then retry), ErrQuorumUnavailable
//   - Reconfiguration proofs: ErrInvalidQuorum, ErrStaleView, ErrInvalidView
//   - Safety: ErrByzantine, ErrInconsistentChain, ErrRollbackDetected.
//     These are never absorbed by the library and must reach an operator.
//   - Local: ErrConfig, ErrInvalidMessage, ErrInternal
var (
	// ErrConfig indicates a configuration error that prevents startup.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidMessage indicates a malformed request, receipt or view.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInternal indicates an internal invariant violation or storage failure.
	ErrInternal = errors.New("internal error")

	// ErrNotFound indicates an unknown ledger handle or height.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a ledger handle that is already in use.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStaleHeight indicates an append whose expected height does not
	// match the witness. See StaleHeightError for the observed height.
	ErrStaleHeight = errors.New("stale height")

	// ErrInvalidQuorum indicates a certificate that does not prove a quorum
	// of the view it claims.
	ErrInvalidQuorum = errors.New("invalid quorum")

	// ErrStaleView indicates a request for a view the witness does not
	// currently honor, or a view change that is not the immediate successor.
	ErrStaleView = errors.New("stale view")

	// ErrInvalidView indicates a malformed view descriptor.
	ErrInvalidView = errors.New("invalid view")

	// ErrQuorumUnavailable indicates that a round ended without a quorum.
	ErrQuorumUnavailable = errors.New("quorum unavailable")

	// ErrInconsistentChain indicates quorum-backed agreement on two
	// different chain positions for the same ledger.
	ErrInconsistentChain = errors.New("inconsistent chain")

	// ErrByzantine indicates conflicting signed statements. See EvidenceError.
	ErrByzantine = errors.New("byzantine behavior detected")

	// ErrViewMismatch indicates receipts from different views combined.
	ErrViewMismatch = errors.New("view mismatch")

	// ErrRollbackDetected indicates a certificate older than one already trusted.
	ErrRollbackDetected = errors.New("rollback detected")
)

// StaleHeightError reports the height a witness (or a quorum) currently has.
type StaleHeightError struct {
	Expected uint64
	Current  uint64
}

func (e *StaleHeightError) Error() string {
	return fmt.Sprintf("%s: expected %d, current %d", ErrStaleHeight, e.Expected, e.Current)
}

func (e *StaleHeightError) Unwrap() error { return ErrStaleHeight }

// Evidence is a pair of validly signed receipts that cannot both be honest.
// When both receipts come from the same witness it proves that witness
// equivocated; otherwise it proves two quorums disagreed.
type Evidence struct {
	First  *Receipt
	Second *Receipt
	Reason string
}

// EvidenceError carries Evidence and unwraps to ErrByzantine.
type EvidenceError struct {
	Evidence Evidence
}

func (e *EvidenceError) Error() string {
	return fmt.Sprintf("%s: %s", ErrByzantine, e.Evidence.Reason)
}

func (e *EvidenceError) Unwrap() error { return ErrByzantine }

// RollbackError reports the trusted and presented chain positions.
type RollbackError struct {
	TrustedHeight   uint64
	TrustedTail     Digest
	PresentedHeight uint64
	PresentedTail   Digest
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s: trusted height %d tail %s, presented height %d tail %s",
		ErrRollbackDetected, e.TrustedHeight, e.TrustedTail, e.PresentedHeight, e.PresentedTail)
}

func (e *RollbackError) Unwrap() error { return ErrRollbackDetected }

// Unexported helpers to wrap errors with the appropriate class.

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func wrapInvalidMessage(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, msg)
}

func wrapInvalidMessagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func wrapInternal(err error) error {
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

func wrapInvalidQuorumf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuorum, fmt.Sprintf(format, args...))
}

func wrapStaleViewf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStaleView, fmt.Sprintf(format, args...))
}

func wrapInvalidViewf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidView, fmt.Sprintf(format, args...))
}

func wrapUnavailablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrQuorumUnavailable, fmt.Sprintf(format, args...))
}

// IsSafetyViolation reports whether err proves misbehavior that must be
// escalated instead of retried.
func IsSafetyViolation(err error) bool {
	return errors.Is(err, ErrByzantine) ||
		errors.Is(err, ErrInconsistentChain) ||
		errors.Is(err, ErrRollbackDetected)
}

// IsRetryable reports whether refreshing state and retrying may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleHeight) || errors.Is(err, ErrQuorumUnavailable)
}
