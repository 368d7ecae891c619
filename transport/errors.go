// Package transport carries witness and coordinator operations over
// HTTP with JSON bodies.
//
// Signed objects (receipts, certificates, views, identities) travel as
// their canonical wire bytes inside the JSON, so nothing a witness signs is
// ever re-encoded by the transport. Errors travel as a code that maps back
// to the sentinel error classes of package nimble.
package transport

import (
	"errors"
	"fmt"
	"net/http"

	nimble "github.com/SirZayers/Nimble"
)

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Expected and Current are set for stale_height.
	Expected uint64 `json:"expected,omitempty"`
	Current  uint64 `json:"current,omitempty"`

	Evidence *evidenceBody `json:"evidence,omitempty"`
	Rollback *rollbackBody `json:"rollback,omitempty"`
}

// evidenceBody carries the conflicting receipts of a byzantine error as
// wire bytes. They are signed, so a client can check them itself.
type evidenceBody struct {
	First  []byte `json:"first"`
	Second []byte `json:"second"`
	Reason string `json:"reason"`
}

type rollbackBody struct {
	TrustedHeight   uint64 `json:"trusted_height"`
	TrustedTail     []byte `json:"trusted_tail"`
	PresentedHeight uint64 `json:"presented_height"`
	PresentedTail   []byte `json:"presented_tail"`
}

type errorClass struct {
	code   string
	status int
	err    error
}

// classes are checked in order; the first match wins.
var classes = []errorClass{
	{"stale_height", http.StatusPreconditionFailed, nimble.ErrStaleHeight},
	{"not_found", http.StatusNotFound, nimble.ErrNotFound},
	{"already_exists", http.StatusConflict, nimble.ErrAlreadyExists},
	{"stale_view", http.StatusConflict, nimble.ErrStaleView},
	{"view_mismatch", http.StatusConflict, nimble.ErrViewMismatch},
	{"invalid_quorum", http.StatusBadRequest, nimble.ErrInvalidQuorum},
	{"invalid_view", http.StatusBadRequest, nimble.ErrInvalidView},
	{"invalid_message", http.StatusBadRequest, nimble.ErrInvalidMessage},
	{"quorum_unavailable", http.StatusServiceUnavailable, nimble.ErrQuorumUnavailable},
	{"byzantine", http.StatusBadGateway, nimble.ErrByzantine},
	{"inconsistent_chain", http.StatusBadGateway, nimble.ErrInconsistentChain},
	{"rollback_detected", http.StatusBadGateway, nimble.ErrRollbackDetected},
	{"config", http.StatusInternalServerError, nimble.ErrConfig},
	{"internal", http.StatusInternalServerError, nimble.ErrInternal},
}

// encodeError returns the status and body for err.
func encodeError(err error) (int, errorBody) {
	body := errorBody{Code: "internal", Message: err.Error()}
	status := http.StatusInternalServerError
	for _, c := range classes {
		if errors.Is(err, c.err) {
			body.Code = c.code
			status = c.status
			break
		}
	}
	var (
		stale    *nimble.StaleHeightError
		evidence *nimble.EvidenceError
		rollback *nimble.RollbackError
	)
	switch {
	case errors.As(err, &stale):
		body.Expected = stale.Expected
		body.Current = stale.Current
	case errors.As(err, &evidence) && evidence.Evidence.First != nil && evidence.Evidence.Second != nil:
		body.Evidence = &evidenceBody{
			First:  evidence.Evidence.First.Bytes(),
			Second: evidence.Evidence.Second.Bytes(),
			Reason: evidence.Evidence.Reason,
		}
	case errors.As(err, &rollback):
		body.Rollback = &rollbackBody{
			TrustedHeight:   rollback.TrustedHeight,
			TrustedTail:     rollback.TrustedTail[:],
			PresentedHeight: rollback.PresentedHeight,
			PresentedTail:   rollback.PresentedTail[:],
		}
	}
	return status, body
}

// decodeError rebuilds an error of the right class from a response body.
func decodeError(status int, body errorBody) error {
	switch {
	case body.Code == "stale_height":
		return &nimble.StaleHeightError{Expected: body.Expected, Current: body.Current}
	case body.Code == "byzantine" && body.Evidence != nil:
		if err, ok := decodeEvidence(body.Evidence); ok {
			return err
		}
	case body.Code == "rollback_detected" && body.Rollback != nil:
		if err, ok := decodeRollback(body.Rollback); ok {
			return err
		}
	}
	for _, c := range classes {
		if c.code == body.Code {
			return fmt.Errorf("%w: %s", c.err, stripClass(body.Message, c.err))
		}
	}
	return fmt.Errorf("%w: http %d: %s", nimble.ErrInternal, status, body.Message)
}

func decodeEvidence(b *evidenceBody) (*nimble.EvidenceError, bool) {
	first, err := nimble.ReceiptFromBytes(b.First)
	if err != nil {
		return nil, false
	}
	second, err := nimble.ReceiptFromBytes(b.Second)
	if err != nil {
		return nil, false
	}
	return &nimble.EvidenceError{Evidence: nimble.Evidence{First: first, Second: second, Reason: b.Reason}}, true
}

func decodeRollback(b *rollbackBody) (*nimble.RollbackError, bool) {
	trusted, err := nimble.DigestFromBytes(b.TrustedTail)
	if err != nil {
		return nil, false
	}
	presented, err := nimble.DigestFromBytes(b.PresentedTail)
	if err != nil {
		return nil, false
	}
	return &nimble.RollbackError{
		TrustedHeight:   b.TrustedHeight,
		TrustedTail:     trusted,
		PresentedHeight: b.PresentedHeight,
		PresentedTail:   presented,
	}, true
}

// stripClass drops a leading "<class>: " the server already put in msg.
func stripClass(msg string, class error) string {
	prefix := class.Error() + ": "
	if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
