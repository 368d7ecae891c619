package nimble

import (
	"bytes"
	"fmt"
	"strings"
)

// Member is one witness in a view. ID must equal the digest of PublicKey.
type Member struct {
	ID        WitnessID
	PublicKey PublicKey
	// Endpoint is where the orchestrator reaches the witness. It is part
	// of the signed view so an orchestrator cannot redirect traffic.
	Endpoint string
}

// NewMember builds a member from a public key.
func NewMember(pk PublicKey, endpoint string) Member {
	return Member{ID: WitnessIDFromPublicKey(pk), PublicKey: pk, Endpoint: endpoint}
}

// View is one configuration of the witness set. Views are immutable once
// built; each is the block at height Epoch of the view ledger.
type View struct {
	Epoch   uint64
	Scheme  string
	Members []Member

	// Quorum is the number of matching receipts a certificate needs.
	Quorum int

	// MaxFaulty is the number of arbitrarily faulty witnesses the view is
	// sized to tolerate. Validate enforces 2*Quorum > len(Members)+MaxFaulty.
	// Zero means crash faults only.
	MaxFaulty int
}

// DefaultQuorum is a simple majority of n.
func DefaultQuorum(n int) int {
	return n/2 + 1
}

// NewView builds and validates a view. A zero quorum selects DefaultQuorum.
func NewView(epoch uint64, scheme string, members []Member, quorum int) (*View, error) {
	if quorum == 0 {
		quorum = DefaultQuorum(len(members))
	}
	v := &View{
		Epoch:   epoch,
		Scheme:  scheme,
		Members: append([]Member(nil), members...),
		Quorum:  quorum,
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks the structural rules every view must satisfy.
func (v *View) Validate() error {
	if v.Scheme != SchemeEd25519 && v.Scheme != SchemeBLS {
		return wrapInvalidViewf("unsupported scheme %q", v.Scheme)
	}
	n := len(v.Members)
	if n == 0 {
		return wrapInvalidViewf("epoch %d has no members", v.Epoch)
	}

	seen := make(map[WitnessID]struct{}, n)
	for i, m := range v.Members {
		if m.PublicKey == nil {
			return wrapInvalidViewf("member %d has no public key", i)
		}
		if m.PublicKey.Scheme() != v.Scheme {
			return wrapInvalidViewf("member %d uses %s in a %s view", i, m.PublicKey.Scheme(), v.Scheme)
		}
		if m.ID != WitnessIDFromPublicKey(m.PublicKey) {
			return wrapInvalidViewf("member %d id does not match its key", i)
		}
		if _, dup := seen[m.ID]; dup {
			return wrapInvalidViewf("duplicate member %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	if v.MaxFaulty < 0 {
		return wrapInvalidViewf("negative fault bound %d", v.MaxFaulty)
	}
	if v.Quorum < 1 || v.Quorum > n {
		return wrapInvalidViewf("quorum %d out of range for %d members", v.Quorum, n)
	}
	// Two quorums must share at least MaxFaulty+1 members so that at least
	// one honest member is in both.
	if 2*v.Quorum <= n+v.MaxFaulty {
		return wrapInvalidViewf("quorum %d too small for n=%d f=%d (need 2q > n+f)", v.Quorum, n, v.MaxFaulty)
	}
	return nil
}

// Size returns the number of members.
func (v *View) Size() int {
	return len(v.Members)
}

// Member returns the member with the given id.
func (v *View) Member(id WitnessID) (Member, bool) {
	for _, m := range v.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Contains reports whether id is a member.
func (v *View) Contains(id WitnessID) bool {
	_, ok := v.Member(id)
	return ok
}

// IDs returns member ids in view order.
func (v *View) IDs() []WitnessID {
	out := make([]WitnessID, len(v.Members))
	for i, m := range v.Members {
		out[i] = m.ID
	}
	return out
}

// RetainedFraction is the share of v's members that are also in next.
func (v *View) RetainedFraction(next *View) float64 {
	if len(v.Members) == 0 {
		return 0
	}
	kept := 0
	for _, m := range v.Members {
		if next.Contains(m.ID) {
			kept++
		}
	}
	return float64(kept) / float64(len(v.Members))
}

// Bytes returns the canonical encoding. It is the view ledger block for
// this epoch.
func (v *View) Bytes() []byte {
	e := &encoder{}
	e.uint(1, v.Epoch)
	e.string(2, v.Scheme)
	for _, m := range v.Members {
		me := &encoder{}
		me.bytes(1, m.PublicKey.Bytes())
		me.string(2, m.Endpoint)
		e.message(3, me.buf)
	}
	e.uint(4, uint64(v.Quorum))
	e.uint(5, uint64(v.MaxFaulty))
	return e.buf
}

// Digest returns HashBlock(v.Bytes()).
func (v *View) Digest() Digest {
	return HashBlock(v.Bytes())
}

// Equal reports whether two views encode identically.
func (v *View) Equal(other *View) bool {
	if v == nil || other == nil {
		return v == other
	}
	return bytes.Equal(v.Bytes(), other.Bytes())
}

// String returns a one-line summary.
func (v *View) String() string {
	ids := make([]string, len(v.Members))
	for i, m := range v.Members {
		ids[i] = m.ID.String()
	}
	return fmt.Sprintf("view{epoch=%d quorum=%d/%d members=[%s]}",
		v.Epoch, v.Quorum, len(v.Members), strings.Join(ids, ","))
}

// ViewFromBytes decodes and validates a view.
func ViewFromBytes(b []byte) (*View, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}

	v := &View{}
	var rawKeys [][]byte
	var endpoints []string
	for _, f := range fields {
		switch f.num {
		case 1:
			v.Epoch = f.varint
		case 2:
			v.Scheme = string(f.bytes)
		case 3:
			mf, err := parseFields(f.bytes)
			if err != nil {
				return nil, err
			}
			var key []byte
			var endpoint string
			for _, g := range mf {
				switch g.num {
				case 1:
					key = cloneBytes(g.bytes)
				case 2:
					endpoint = string(g.bytes)
				}
			}
			rawKeys = append(rawKeys, key)
			endpoints = append(endpoints, endpoint)
		case 4:
			v.Quorum = int(f.varint)
		case 5:
			v.MaxFaulty = int(f.varint)
		}
	}

	for i, raw := range rawKeys {
		pk, err := PublicKeyFromBytes(v.Scheme, raw)
		if err != nil {
			return nil, wrapInvalidViewf("member %d: %v", i, err)
		}
		v.Members = append(v.Members, NewMember(pk, endpoints[i]))
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// ViewRecord is a view together with the certificates that justify it.
// Authorization is a certificate from the previous view over the view
// ledger position this view occupies; Activation is the same position
// certified by the new view. Both are nil for the genesis view.
type ViewRecord struct {
	View          *View
	Authorization *Certificate
	Activation    *Certificate
}

// Bytes returns the wire encoding of the record.
func (r *ViewRecord) Bytes() []byte {
	e := &encoder{}
	e.bytes(1, r.View.Bytes())
	if r.Authorization != nil {
		e.bytes(2, r.Authorization.Bytes())
	}
	if r.Activation != nil {
		e.bytes(3, r.Activation.Bytes())
	}
	return e.buf
}

// ViewRecordFromBytes decodes a record. Certificates are not validated.
func ViewRecordFromBytes(b []byte) (*ViewRecord, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	r := &ViewRecord{}
	for _, f := range fields {
		switch f.num {
		case 1:
			if r.View, err = ViewFromBytes(f.bytes); err != nil {
				return nil, err
			}
		case 2:
			if r.Authorization, err = CertificateFromBytes(f.bytes); err != nil {
				return nil, err
			}
		case 3:
			if r.Activation, err = CertificateFromBytes(f.bytes); err != nil {
				return nil, err
			}
		}
	}
	if r.View == nil {
		return nil, wrapInvalidMessage("view record without view")
	}
	return r, nil
}

// viewLedgerTail returns the view ledger tail after appending next to a
// view ledger whose tail is prev.
func viewLedgerTail(prev Digest, next *View) Digest {
	return NextTail(prev, next.Bytes())
}
