package nimble

var identityDomain = []byte("nimble/identity/v1\x00")

// Identity is a witness's public key with a self-signature, published so
// operators can build views without trusting whoever relays the key.
type Identity struct {
	ID        WitnessID
	Scheme    string
	PublicKey PublicKey
	Signature []byte
}

func identityMessage(pk PublicKey) []byte {
	return append(append([]byte(nil), identityDomain...), pk.Bytes()...)
}

func newIdentity(key PrivateKey) (*Identity, error) {
	pk := key.Public()
	sig, err := key.Sign(identityMessage(pk))
	if err != nil {
		return nil, wrapInternal(err)
	}
	return &Identity{
		ID:        WitnessIDFromPublicKey(pk),
		Scheme:    key.Scheme(),
		PublicKey: pk,
		Signature: sig,
	}, nil
}

// Verify checks the id derivation and the self-signature.
func (id *Identity) Verify() error {
	if id.PublicKey == nil {
		return wrapInvalidMessage("identity without public key")
	}
	if id.ID != WitnessIDFromPublicKey(id.PublicKey) {
		return wrapInvalidMessage("identity id does not match its key")
	}
	if !id.PublicKey.Verify(identityMessage(id.PublicKey), id.Signature) {
		return wrapInvalidMessage("identity self-signature is invalid")
	}
	return nil
}

// Member returns the view member for this identity.
func (id *Identity) Member(endpoint string) Member {
	return Member{ID: id.ID, PublicKey: id.PublicKey, Endpoint: endpoint}
}

// Bytes returns the wire encoding.
func (id *Identity) Bytes() []byte {
	e := &encoder{}
	e.string(1, id.Scheme)
	e.bytes(2, id.PublicKey.Bytes())
	e.bytes(3, id.Signature)
	return e.buf
}

// IdentityFromBytes decodes and verifies an identity.
func IdentityFromBytes(b []byte) (*Identity, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	var scheme string
	var raw, sig []byte
	for _, f := range fields {
		switch f.num {
		case 1:
			scheme = string(f.bytes)
		case 2:
			raw = f.bytes
		case 3:
			sig = cloneBytes(f.bytes)
		}
	}
	pk, err := PublicKeyFromBytes(scheme, raw)
	if err != nil {
		return nil, err
	}
	id := &Identity{ID: WitnessIDFromPublicKey(pk), Scheme: scheme, PublicKey: pk, Signature: sig}
	if err := id.Verify(); err != nil {
		return nil, err
	}
	return id, nil
}
