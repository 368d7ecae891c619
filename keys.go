package nimble

import (
	"github.com/SirZayers/Nimble/internal/crypto"
)

// Signature schemes a view may use.
const (
	SchemeEd25519 = crypto.SchemeEd25519
	SchemeBLS     = crypto.SchemeBLS
)

// PublicKey verifies witness signatures.
type PublicKey = crypto.PublicKey

// PrivateKey is a witness signing key.
type PrivateKey = crypto.PrivateKey

// GenerateKey creates a witness key for scheme.
func GenerateKey(scheme string) (PrivateKey, error) {
	return crypto.GenerateKey(scheme)
}

// PrivateKeyFromBytes decodes a witness signing key.
func PrivateKeyFromBytes(scheme string, data []byte) (PrivateKey, error) {
	return crypto.PrivateKeyFromBytes(scheme, data)
}

// PublicKeyFromBytes decodes a witness public key.
func PublicKeyFromBytes(scheme string, data []byte) (PublicKey, error) {
	pk, err := crypto.PublicKeyFromBytes(scheme, data)
	if err != nil {
		return nil, wrapInvalidMessagef("public key: %v", err)
	}
	return pk, nil
}
