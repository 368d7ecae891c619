package nimble

import (
	"bytes"
	"fmt"
	"sync"
)

// checkViewChange validates that auth, a certificate from current, places
// next at the following view ledger position. It returns the new view
// ledger tail.
func checkViewChange(current *View, currentTail Digest, next *View, auth *Certificate) (Digest, error) {
	if err := next.Validate(); err != nil {
		return Digest{}, err
	}
	if next.Epoch != current.Epoch+1 {
		return Digest{}, wrapStaleViewf("epoch %d does not follow %d", next.Epoch, current.Epoch)
	}
	if auth == nil {
		return Digest{}, wrapInvalidQuorumf("epoch %d has no authorization", next.Epoch)
	}

	tail := viewLedgerTail(currentTail, next)
	if !auth.Handle.IsViewLedger() || auth.Height != next.Epoch || auth.Tail != tail || len(auth.Nonce) != 0 {
		return Digest{}, wrapInvalidQuorumf("authorization does not certify epoch %d", next.Epoch)
	}
	if err := auth.Validate(current); err != nil {
		return Digest{}, fmt.Errorf("%w: authorization for epoch %d: %v", ErrInvalidQuorum, next.Epoch, err)
	}
	return tail, nil
}

// Verifier is the client-side trust anchor. It starts from a genesis view
// obtained out of band (its digest is the group identity) and follows view
// changes only when each is authorized by a quorum of its predecessor.
// Every view ever applied is kept so receipts from old epochs stay
// verifiable.
type Verifier struct {
	mu    sync.RWMutex
	views []*View
	tails []Digest
}

// NewVerifier trusts genesis, which must be a valid epoch-0 view.
func NewVerifier(genesis *View) (*Verifier, error) {
	if genesis == nil {
		return nil, wrapConfig("genesis view is required")
	}
	if err := genesis.Validate(); err != nil {
		return nil, err
	}
	if genesis.Epoch != 0 {
		return nil, wrapInvalidViewf("genesis epoch is %d, want 0", genesis.Epoch)
	}
	return &Verifier{
		views: []*View{genesis},
		tails: []Digest{GenesisTail(genesis.Bytes())},
	}, nil
}

// GroupIdentity names the witness group: the digest of its genesis view.
func (v *Verifier) GroupIdentity() Digest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tails[0]
}

// CurrentView returns the latest applied view.
func (v *Verifier) CurrentView() *View {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.views[len(v.views)-1]
}

// View returns the view for epoch, if it has been applied.
func (v *Verifier) View(epoch uint64) (*View, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if epoch >= uint64(len(v.views)) {
		return nil, false
	}
	return v.views[epoch], true
}

// ViewLedgerTail returns the view ledger tail at the latest epoch.
func (v *Verifier) ViewLedgerTail() Digest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tails[len(v.tails)-1]
}

// ApplyViewChange adopts rec.View if it is the next epoch and its
// authorization certificate is valid under the current view. Re-applying
// an already known view is a no-op; a different view for a known epoch
// is ErrInconsistentChain.
func (v *Verifier) ApplyViewChange(rec *ViewRecord) error {
	if rec == nil || rec.View == nil {
		return wrapInvalidMessage("empty view record")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	latest := v.views[len(v.views)-1]
	if rec.View.Epoch <= latest.Epoch {
		if v.views[rec.View.Epoch].Equal(rec.View) {
			return nil
		}
		return fmt.Errorf("%w: two views for epoch %d", ErrInconsistentChain, rec.View.Epoch)
	}

	tail, err := checkViewChange(latest, v.tails[len(v.tails)-1], rec.View, rec.Authorization)
	if err != nil {
		return err
	}
	if rec.Activation != nil {
		a := rec.Activation
		if !a.Handle.IsViewLedger() || a.Height != rec.View.Epoch || a.Tail != tail {
			return wrapInvalidQuorumf("activation does not certify epoch %d", rec.View.Epoch)
		}
		if err := a.Validate(rec.View); err != nil {
			return err
		}
	}

	v.views = append(v.views, rec.View)
	v.tails = append(v.tails, tail)
	return nil
}

// Sync applies records in order. Records for epochs already known are
// checked for equality and skipped.
func (v *Verifier) Sync(records []*ViewRecord) error {
	for _, rec := range records {
		if err := v.ApplyViewChange(rec); err != nil {
			return err
		}
	}
	return nil
}

// VerifyCertificate validates cert under the view it claims. Certificates
// from epochs the verifier has not applied yet fail with ErrStaleView; the
// caller should Sync view history and retry.
func (v *Verifier) VerifyCertificate(cert *Certificate) error {
	if cert == nil {
		return wrapInvalidQuorumf("nil certificate")
	}
	view, ok := v.View(cert.View)
	if !ok {
		return wrapStaleViewf("certificate from unknown epoch %d", cert.View)
	}
	if err := cert.Validate(view); err != nil {
		return err
	}

	// View ledger certificates must agree with the history we hold.
	if cert.Handle.IsViewLedger() {
		v.mu.RLock()
		defer v.mu.RUnlock()
		if cert.Height < uint64(len(v.tails)) && v.tails[cert.Height] != cert.Tail {
			return fmt.Errorf("%w: view ledger tail at %d differs from trusted history", ErrInconsistentChain, cert.Height)
		}
	}
	return nil
}

// VerifyRead validates a freshness read: the certificate must be valid and
// bound to nonce.
func (v *Verifier) VerifyRead(cert *Certificate, nonce []byte) error {
	if err := v.VerifyCertificate(cert); err != nil {
		return err
	}
	if !bytes.Equal(cert.Nonce, nonce) {
		return wrapInvalidMessage("certificate is not bound to the request nonce")
	}
	return nil
}

// ReplayChain checks that blocks, genesis first, reproduce the certified
// tail. It validates cert first.
func (v *Verifier) ReplayChain(blocks [][]byte, cert *Certificate) error {
	if err := v.VerifyCertificate(cert); err != nil {
		return err
	}
	return ReplayMatches(blocks, cert)
}

// ReplayMatches checks that blocks, genesis first, reproduce cert's height
// and tail. It does not validate signatures.
func ReplayMatches(blocks [][]byte, cert *Certificate) error {
	if uint64(len(blocks)) != cert.Height+1 {
		return wrapInvalidMessagef("have %d blocks for height %d", len(blocks), cert.Height)
	}
	if got := ReplayTail(blocks); got != cert.Tail {
		return fmt.Errorf("%w: replayed tail %s, certified %s", ErrInconsistentChain, got, cert.Tail)
	}
	return nil
}

// CheckFreshness decides whether next may replace prev as the trusted
// state of one ledger. next is accepted if it is higher, or at the same
// height with the same tail. Anything else is a *RollbackError.
func CheckFreshness(prev, next *Certificate) error {
	if prev == nil {
		return nil
	}
	if !next.sameLedger(prev.Handle) {
		return wrapInvalidMessage("certificates name different ledgers")
	}
	if next.Height > prev.Height || (next.Height == prev.Height && next.Tail == prev.Tail) {
		return nil
	}
	return &RollbackError{
		TrustedHeight:   prev.Height,
		TrustedTail:     prev.Tail,
		PresentedHeight: next.Height,
		PresentedTail:   next.Tail,
	}
}

// Tracker remembers the last trusted certificate per ledger and accepts
// new certificates only if they verify and are fresh. It is what a TEE
// application holds across reads of untrusted storage.
type Tracker struct {
	verifier *Verifier

	mu      sync.Mutex
	trusted map[string]*Certificate
}

// NewTracker returns a tracker that verifies with v.
func NewTracker(v *Verifier) *Tracker {
	return &Tracker{verifier: v, trusted: make(map[string]*Certificate)}
}

// Accept verifies cert and checks it against the last trusted certificate
// for its ledger. On success cert becomes the trusted state.
func (t *Tracker) Accept(cert *Certificate) error {
	if err := t.verifier.VerifyCertificate(cert); err != nil {
		return err
	}
	return t.advance(cert)
}

// AcceptRead is Accept for a nonce-bound freshness read.
func (t *Tracker) AcceptRead(cert *Certificate, nonce []byte) error {
	if err := t.verifier.VerifyRead(cert, nonce); err != nil {
		return err
	}
	return t.advance(cert)
}

func (t *Tracker) advance(cert *Certificate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := string(cert.Handle)
	if err := CheckFreshness(t.trusted[key], cert); err != nil {
		return err
	}
	t.trusted[key] = cert
	return nil
}

// Trusted returns the last accepted certificate for handle.
func (t *Tracker) Trusted(handle Handle) (*Certificate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.trusted[string(handle)]
	return c, ok
}
