package nimble

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/SirZayers/Nimble/internal/crypto"
)

// Certificate is a set of receipts from distinct members of one view that
// all sign the same statement, at least Quorum of them.
//
// Certificates are only as good as their validation: always call Validate
// against the view you trust before acting on one, including certificates
// produced by Aggregate on another machine.
type Certificate struct {
	Handle Handle
	Height uint64
	Tail   Digest
	View   uint64
	Nonce  []byte

	// Receipts are sorted by witness id and contain no duplicate witness.
	Receipts []*Receipt
}

// Statement returns the statement every receipt must sign.
func (c *Certificate) Statement() Statement {
	return Statement{
		Handle: string(c.Handle),
		Height: c.Height,
		Tail:   c.Tail,
		View:   c.View,
		Nonce:  string(c.Nonce),
	}
}

// Signers returns the witness ids in the certificate.
func (c *Certificate) Signers() []WitnessID {
	out := make([]WitnessID, len(c.Receipts))
	for i, r := range c.Receipts {
		out[i] = r.Witness
	}
	return out
}

// Validate checks c against view:
//   - c.View is view.Epoch (ErrViewMismatch otherwise)
//   - every receipt signs c's statement
//   - every signer is a distinct member of view with a valid signature
//   - there are at least view.Quorum signers
//
// Failures other than the view check return ErrInvalidQuorum.
func (c *Certificate) Validate(view *View) error {
	if c == nil {
		return wrapInvalidQuorumf("nil certificate")
	}
	if c.View != view.Epoch {
		return fmt.Errorf("%w: certificate view %d, expected %d", ErrViewMismatch, c.View, view.Epoch)
	}

	st := c.Statement()
	seen := make(map[WitnessID]struct{}, len(c.Receipts))
	keys := make([]PublicKey, 0, len(c.Receipts))
	for _, r := range c.Receipts {
		if r.Statement() != st {
			return wrapInvalidQuorumf("receipt from %s signs a different statement", r.Witness)
		}
		if _, dup := seen[r.Witness]; dup {
			return wrapInvalidQuorumf("duplicate signer %s", r.Witness)
		}
		seen[r.Witness] = struct{}{}

		m, ok := view.Member(r.Witness)
		if !ok {
			return wrapInvalidQuorumf("signer %s is not a member of epoch %d", r.Witness, view.Epoch)
		}
		keys = append(keys, m.PublicKey)
	}

	if len(seen) < view.Quorum {
		return wrapInvalidQuorumf("have %d distinct signers, need %d", len(seen), view.Quorum)
	}

	if err := verifyReceipts(view.Scheme, c.Receipts, keys); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuorum, err)
	}
	return nil
}

// verifyReceipts checks all receipt signatures. BLS receipts are checked
// with one randomized multi-pairing.
func verifyReceipts(scheme string, receipts []*Receipt, keys []PublicKey) error {
	if scheme == SchemeBLS && len(receipts) > 1 {
		messages := make([][]byte, len(receipts))
		sigs := make([]*crypto.BLSSignature, len(receipts))
		pks := make([]*crypto.BLSPublicKey, len(receipts))
		batchable := true
		for i, r := range receipts {
			sig, err := crypto.BLSSignatureFromBytes(r.Signature)
			pk, ok := keys[i].(*crypto.BLSPublicKey)
			if err != nil || !ok {
				batchable = false
				break
			}
			messages[i] = r.SigningBytes()
			sigs[i] = sig
			pks[i] = pk
		}
		if batchable && crypto.BatchVerify(messages, sigs, pks) == nil {
			return nil
		}
	}

	for i, r := range receipts {
		if !r.Verify(keys[i]) {
			return fmt.Errorf("bad signature from %s", r.Witness)
		}
	}
	return nil
}

// Bytes returns the wire encoding of the certificate.
func (c *Certificate) Bytes() []byte {
	e := &encoder{}
	e.bytes(1, c.Handle)
	e.uint(2, c.Height)
	e.bytes(3, c.Tail[:])
	e.uint(4, c.View)
	e.bytes(5, c.Nonce)
	for _, r := range c.Receipts {
		e.message(6, r.Bytes())
	}
	return e.buf
}

// CertificateFromBytes decodes a certificate. It does not validate it.
func CertificateFromBytes(b []byte) (*Certificate, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	c := &Certificate{}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.Handle = cloneBytes(f.bytes)
		case 2:
			c.Height = f.varint
		case 3:
			if c.Tail, err = DigestFromBytes(f.bytes); err != nil {
				return nil, err
			}
		case 4:
			c.View = f.varint
		case 5:
			c.Nonce = cloneBytes(f.bytes)
		case 6:
			r, err := ReceiptFromBytes(f.bytes)
			if err != nil {
				return nil, err
			}
			c.Receipts = append(c.Receipts, r)
		}
	}
	if err := c.Handle.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// String returns a one-line summary.
func (c *Certificate) String() string {
	return fmt.Sprintf("cert{handle=%s height=%d tail=%s view=%d signers=%d}",
		c.Handle, c.Height, c.Tail.String()[:16], c.View, len(c.Receipts))
}

func newCertificate(receipts []*Receipt) *Certificate {
	sorted := make([]*Receipt, len(receipts))
	copy(sorted, receipts)
	sort.Slice(sorted, func(i, j int) bool {
		return witnessIDLess(sorted[i].Witness, sorted[j].Witness)
	})
	first := sorted[0]
	return &Certificate{
		Handle:   first.Handle,
		Height:   first.Height,
		Tail:     first.Tail,
		View:     first.View,
		Nonce:    first.Nonce,
		Receipts: sorted,
	}
}

// Rejection is a receipt Aggregate refused to count, with the reason.
type Rejection struct {
	Receipt *Receipt
	Reason  error
}

// Group is a set of valid receipts signing one statement.
type Group struct {
	Statement Statement
	Receipts  []*Receipt
}

// Aggregation is the outcome of Aggregate. Groups are ordered by size,
// largest first, with ties broken by height, highest first.
type Aggregation struct {
	Certificate *Certificate
	Groups      []Group
	Rejected    []Rejection

	// Conflicts lists witnesses whose receipt contradicts the certified
	// statement at the same ledger position. The certificate still stands,
	// since fewer than a quorum disagree, but each entry proves a fault.
	Conflicts []Evidence
}

// Aggregate combines untrusted receipts into a certificate under view.
//
// Receipts from non-members, with bad signatures or signed under another
// view are rejected and reported. A witness that signed two conflicting
// receipts is reported as an *EvidenceError. Two different statements each
// backed by a quorum is a safety violation: ErrByzantine when they disagree
// on the tail at one height, ErrInconsistentChain otherwise. Without any
// quorum the result is ErrViewMismatch if view-mismatched receipts were
// excluded, else ErrQuorumUnavailable.
//
// The returned Aggregation is non-nil even when err is not, so callers can
// inspect the groups that did form.
func Aggregate(view *View, receipts []*Receipt) (*Aggregation, error) {
	agg := &Aggregation{}

	byWitness := make(map[WitnessID]*Receipt, len(receipts))
	mismatched := 0
	for _, r := range receipts {
		if r == nil {
			continue
		}
		if r.View != view.Epoch {
			mismatched++
			agg.Rejected = append(agg.Rejected, Rejection{r,
				fmt.Errorf("%w: receipt view %d, round view %d", ErrViewMismatch, r.View, view.Epoch)})
			continue
		}
		m, ok := view.Member(r.Witness)
		if !ok {
			agg.Rejected = append(agg.Rejected, Rejection{r,
				wrapInvalidMessagef("%s is not a member of epoch %d", r.Witness, view.Epoch)})
			continue
		}
		if !r.Verify(m.PublicKey) {
			agg.Rejected = append(agg.Rejected, Rejection{r,
				wrapInvalidMessagef("bad signature from %s", r.Witness)})
			continue
		}

		if prev, dup := byWitness[r.Witness]; dup {
			if prev.Conflicts(r) {
				return agg, &EvidenceError{Evidence{
					First:  prev,
					Second: r,
					Reason: fmt.Sprintf("witness %s signed two tails at height %d", r.Witness, r.Height),
				}}
			}
			if prev.Statement() != r.Statement() {
				agg.Rejected = append(agg.Rejected, Rejection{r,
					wrapInvalidMessagef("second receipt from %s", r.Witness)})
			}
			continue
		}
		byWitness[r.Witness] = r
	}

	index := make(map[Statement]int)
	for _, id := range view.IDs() {
		r, ok := byWitness[id]
		if !ok {
			continue
		}
		st := r.Statement()
		i, ok := index[st]
		if !ok {
			i = len(agg.Groups)
			index[st] = i
			agg.Groups = append(agg.Groups, Group{Statement: st})
		}
		agg.Groups[i].Receipts = append(agg.Groups[i].Receipts, r)
	}
	sort.SliceStable(agg.Groups, func(i, j int) bool {
		gi, gj := agg.Groups[i], agg.Groups[j]
		if len(gi.Receipts) != len(gj.Receipts) {
			return len(gi.Receipts) > len(gj.Receipts)
		}
		return gi.Statement.Height > gj.Statement.Height
	})

	var quorums []Group
	for _, g := range agg.Groups {
		if len(g.Receipts) >= view.Quorum {
			quorums = append(quorums, g)
		}
	}

	switch {
	case len(quorums) > 1:
		a, b := quorums[0], quorums[1]
		if a.Statement.Handle == b.Statement.Handle && a.Statement.Height == b.Statement.Height && a.Statement.Tail != b.Statement.Tail {
			return agg, &EvidenceError{Evidence{
				First:  a.Receipts[0],
				Second: b.Receipts[0],
				Reason: fmt.Sprintf("two quorums disagree at height %d", a.Statement.Height),
			}}
		}
		return agg, fmt.Errorf("%w: quorums at height %d and %d", ErrInconsistentChain,
			a.Statement.Height, b.Statement.Height)

	case len(quorums) == 1:
		agg.Certificate = newCertificate(quorums[0].Receipts)
		for _, g := range agg.Groups[1:] {
			if g.Receipts[0].Conflicts(agg.Certificate.Receipts[0]) {
				for _, r := range g.Receipts {
					agg.Conflicts = append(agg.Conflicts, Evidence{
						First:  agg.Certificate.Receipts[0],
						Second: r,
						Reason: fmt.Sprintf("witness %s disagrees with the quorum at height %d", r.Witness, r.Height),
					})
				}
			}
		}
		return agg, nil
	}

	best := 0
	if len(agg.Groups) > 0 {
		best = len(agg.Groups[0].Receipts)
	}
	if mismatched > 0 {
		return agg, fmt.Errorf("%w: %d receipts from other views excluded, largest group %d of %d needed",
			ErrViewMismatch, mismatched, best, view.Quorum)
	}
	return agg, wrapUnavailablef("largest group %d of %d needed (%d receipts, %d rejected)",
		best, view.Quorum, len(receipts), len(agg.Rejected))
}

// CompactCertificate is a BLS certificate whose signatures are folded
// into one aggregate. Each signer signed its own receipt, so verification
// rebuilds every receipt message from the statement and the signer list.
type CompactCertificate struct {
	Handle    Handle
	Height    uint64
	Tail      Digest
	View      uint64
	Nonce     []byte
	Signers   []WitnessID
	Signature []byte
}

// ErrNotBLS is returned when compacting a certificate of a non-BLS view.
var ErrNotBLS = errors.New("compact certificates require the bls scheme")

// Compact validates c under view and folds its signatures.
func (c *Certificate) Compact(view *View) (*CompactCertificate, error) {
	if view.Scheme != SchemeBLS {
		return nil, ErrNotBLS
	}
	if err := c.Validate(view); err != nil {
		return nil, err
	}
	sigs := make([][]byte, len(c.Receipts))
	for i, r := range c.Receipts {
		sigs[i] = r.Signature
	}
	agg, err := crypto.AggregateBLS(sigs)
	if err != nil {
		return nil, wrapInternal(err)
	}
	return &CompactCertificate{
		Handle:    c.Handle,
		Height:    c.Height,
		Tail:      c.Tail,
		View:      c.View,
		Nonce:     c.Nonce,
		Signers:   c.Signers(),
		Signature: agg,
	}, nil
}

// Validate checks the aggregate signature and the signer set against view.
func (cc *CompactCertificate) Validate(view *View) error {
	if view.Scheme != SchemeBLS {
		return ErrNotBLS
	}
	if cc.View != view.Epoch {
		return fmt.Errorf("%w: certificate view %d, expected %d", ErrViewMismatch, cc.View, view.Epoch)
	}

	seen := make(map[WitnessID]struct{}, len(cc.Signers))
	messages := make([][]byte, 0, len(cc.Signers))
	keys := make([]PublicKey, 0, len(cc.Signers))
	for _, id := range cc.Signers {
		if _, dup := seen[id]; dup {
			return wrapInvalidQuorumf("duplicate signer %s", id)
		}
		seen[id] = struct{}{}
		m, ok := view.Member(id)
		if !ok {
			return wrapInvalidQuorumf("signer %s is not a member of epoch %d", id, view.Epoch)
		}
		r := &Receipt{Witness: id, Handle: cc.Handle, Height: cc.Height, Tail: cc.Tail, View: cc.View, Nonce: cc.Nonce}
		messages = append(messages, r.SigningBytes())
		keys = append(keys, m.PublicKey)
	}
	if len(seen) < view.Quorum {
		return wrapInvalidQuorumf("have %d distinct signers, need %d", len(seen), view.Quorum)
	}
	if err := crypto.VerifyAggregateBLS(messages, cc.Signature, keys); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuorum, err)
	}
	return nil
}

// Bytes returns the wire encoding.
func (cc *CompactCertificate) Bytes() []byte {
	e := &encoder{}
	e.bytes(1, cc.Handle)
	e.uint(2, cc.Height)
	e.bytes(3, cc.Tail[:])
	e.uint(4, cc.View)
	e.bytes(5, cc.Nonce)
	for _, id := range cc.Signers {
		e.message(6, id[:])
	}
	e.bytes(7, cc.Signature)
	return e.buf
}

// CompactCertificateFromBytes decodes a compact certificate.
func CompactCertificateFromBytes(b []byte) (*CompactCertificate, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	cc := &CompactCertificate{}
	for _, f := range fields {
		switch f.num {
		case 1:
			cc.Handle = cloneBytes(f.bytes)
		case 2:
			cc.Height = f.varint
		case 3:
			if cc.Tail, err = DigestFromBytes(f.bytes); err != nil {
				return nil, err
			}
		case 4:
			cc.View = f.varint
		case 5:
			cc.Nonce = cloneBytes(f.bytes)
		case 6:
			if len(f.bytes) != DigestSize {
				return nil, wrapInvalidMessage("signer id")
			}
			var id WitnessID
			copy(id[:], f.bytes)
			cc.Signers = append(cc.Signers, id)
		case 7:
			cc.Signature = cloneBytes(f.bytes)
		}
	}
	if err := cc.Handle.validate(); err != nil {
		return nil, err
	}
	return cc, nil
}

// sameLedger reports whether a certificate is about handle.
func (c *Certificate) sameLedger(handle Handle) bool {
	return bytes.Equal(c.Handle, handle)
}
