// Package crypto provides the witness signature schemes.
//
// Two schemes are supported:
//  1. Ed25519 (ed25519.go): fast individual signatures, certificates carry
//     one signature per witness.
//  2. BLS12-381 (bls.go): signatures over distinct receipt messages can be
//     folded into one 48-byte aggregate for compact certificates.
//
// Callers that do not care about the scheme use the PublicKey and
// PrivateKey interfaces in this file.
package crypto

import (
	"errors"
	"fmt"
)

const (
	// SchemeEd25519 names the Ed25519 scheme.
	SchemeEd25519 = "ed25519"

	// SchemeBLS names the BLS12-381 scheme.
	SchemeBLS = "bls"
)

// ErrUnknownScheme is returned for scheme names other than SchemeEd25519 and SchemeBLS.
var ErrUnknownScheme = errors.New("unknown signature scheme")

// PublicKey verifies signatures produced by the matching PrivateKey.
type PublicKey interface {
	// Bytes returns the canonical encoding of the key.
	Bytes() []byte

	// Verify reports whether signature is valid for message.
	Verify(message []byte, signature []byte) bool

	// Scheme returns SchemeEd25519 or SchemeBLS.
	Scheme() string

	String() string
}

// PrivateKey signs messages for one witness.
type PrivateKey interface {
	// Sign returns the encoded signature over message.
	Sign(message []byte) ([]byte, error)

	// Public returns the matching public key.
	Public() PublicKey

	// Bytes returns the raw key material.
	// WARNING: handle with care.
	Bytes() []byte

	Scheme() string
}

var (
	_ PrivateKey = (*Ed25519PrivateKey)(nil)
	_ PublicKey  = (*Ed25519PublicKey)(nil)
	_ PrivateKey = (*BLSPrivateKey)(nil)
	_ PublicKey  = (*BLSPublicKey)(nil)
)

// ValidScheme reports whether scheme is supported.
func ValidScheme(scheme string) bool {
	return scheme == SchemeEd25519 || scheme == SchemeBLS
}

// GenerateKey creates a fresh key pair for scheme.
func GenerateKey(scheme string) (PrivateKey, error) {
	switch scheme {
	case SchemeEd25519:
		sk, err := GenerateEd25519Key()
		if err != nil {
			return nil, err
		}
		return sk, nil
	case SchemeBLS:
		sk, err := GenerateBLSKey()
		if err != nil {
			return nil, err
		}
		return sk, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// PrivateKeyFromBytes decodes a private key for scheme.
func PrivateKeyFromBytes(scheme string, data []byte) (PrivateKey, error) {
	switch scheme {
	case SchemeEd25519:
		sk, err := Ed25519PrivateKeyFromBytes(data)
		if err != nil {
			return nil, err
		}
		return sk, nil
	case SchemeBLS:
		sk, err := BLSPrivateKeyFromBytes(data)
		if err != nil {
			return nil, err
		}
		return sk, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// PublicKeyFromBytes decodes a public key for scheme.
func PublicKeyFromBytes(scheme string, data []byte) (PublicKey, error) {
	switch scheme {
	case SchemeEd25519:
		pk, err := Ed25519PublicKeyFromBytes(data)
		if err != nil {
			return nil, err
		}
		return pk, nil
	case SchemeBLS:
		pk, err := BLSPublicKeyFromBytes(data)
		if err != nil {
			return nil, err
		}
		return pk, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// AggregateBLS folds encoded BLS signatures into one encoded aggregate.
func AggregateBLS(signatures [][]byte) ([]byte, error) {
	sigs := make([]*BLSSignature, len(signatures))
	for i, raw := range signatures {
		sig, err := BLSSignatureFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		sigs[i] = sig
	}
	agg, err := AggregateSignatures(sigs)
	if err != nil {
		return nil, err
	}
	return agg.Bytes(), nil
}

// VerifyAggregateBLS checks an encoded aggregate over per-signer messages.
// messages[i] must be the message signed by keys[i].
func VerifyAggregateBLS(messages [][]byte, aggregate []byte, keys []PublicKey) error {
	sig, err := BLSSignatureFromBytes(aggregate)
	if err != nil {
		return err
	}
	pks := make([]*BLSPublicKey, len(keys))
	for i, k := range keys {
		pk, ok := k.(*BLSPublicKey)
		if !ok {
			return fmt.Errorf("key %d is %s, not bls", i, k.Scheme())
		}
		pks[i] = pk
	}
	return VerifyAggregatedDistinct(messages, sig, pks)
}
