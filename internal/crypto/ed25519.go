package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidEd25519KeySize is returned when decoding a key of the wrong length.
var ErrInvalidEd25519KeySize = errors.New("invalid Ed25519 key size")

// Encoded sizes.
const (
	Ed25519PublicKeySize  = ed25519.PublicKeySize
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
	Ed25519SignatureSize  = ed25519.SignatureSize
)

// Ed25519PrivateKey is a witness signing key.
type Ed25519PrivateKey struct {
	key ed25519.PrivateKey
	pub *Ed25519PublicKey
}

// Ed25519PublicKey verifies receipts signed by an Ed25519PrivateKey.
type Ed25519PublicKey struct {
	key ed25519.PublicKey
}

func newEd25519PrivateKey(key ed25519.PrivateKey) *Ed25519PrivateKey {
	pub := make(ed25519.PublicKey, Ed25519PublicKeySize)
	copy(pub, key[ed25519.SeedSize:])
	return &Ed25519PrivateKey{key: key, pub: &Ed25519PublicKey{key: pub}}
}

// GenerateEd25519Key draws a key from crypto/rand.
func GenerateEd25519Key() (*Ed25519PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return newEd25519PrivateKey(key), nil
}

// Ed25519PrivateKeyFromBytes decodes a 64-byte private key or a 32-byte seed.
func Ed25519PrivateKeyFromBytes(data []byte) (*Ed25519PrivateKey, error) {
	switch len(data) {
	case ed25519.SeedSize:
		return newEd25519PrivateKey(ed25519.NewKeyFromSeed(data)), nil
	case Ed25519PrivateKeySize:
		key := ed25519.NewKeyFromSeed(data[:ed25519.SeedSize])
		if !bytes.Equal(key, data) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidEd25519KeySize)
		}
		return newEd25519PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEd25519KeySize, len(data))
	}
}

// Ed25519PublicKeyFromBytes decodes a 32-byte public key. The input is copied.
func Ed25519PublicKeyFromBytes(data []byte) (*Ed25519PublicKey, error) {
	if len(data) != Ed25519PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEd25519KeySize, len(data))
	}
	return &Ed25519PublicKey{key: bytes.Clone(data)}, nil
}

func (sk *Ed25519PrivateKey) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(sk.key, message), nil
}

func (sk *Ed25519PrivateKey) Public() PublicKey { return sk.pub }

// Bytes returns the 64-byte seed||public encoding.
func (sk *Ed25519PrivateKey) Bytes() []byte { return bytes.Clone(sk.key) }

func (sk *Ed25519PrivateKey) Scheme() string { return SchemeEd25519 }

func (pk *Ed25519PublicKey) Verify(message []byte, signature []byte) bool {
	return len(signature) == Ed25519SignatureSize && ed25519.Verify(pk.key, message, signature)
}

func (pk *Ed25519PublicKey) Bytes() []byte { return bytes.Clone(pk.key) }

func (pk *Ed25519PublicKey) Scheme() string { return SchemeEd25519 }

// Equals reports whether other encodes the same key.
func (pk *Ed25519PublicKey) Equals(other interface{ Bytes() []byte }) bool {
	return other != nil && bytes.Equal(pk.key, other.Bytes())
}

// String returns a short hex prefix for logs.
func (pk *Ed25519PublicKey) String() string {
	return hex.EncodeToString(pk.key[:8]) + "..."
}
