package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// BLS12-381 in the minimal-signature-size layout: signatures in G1 (48
// bytes compressed), public keys in G2 (96 bytes compressed). Every check
// is written as a single product of pairings equal to one, with the
// signature side negated.

var blsDST = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

var (
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrEmptySignatures        = errors.New("no signatures to aggregate")
	ErrEmptyPublicKeys        = errors.New("no public keys to aggregate")
	ErrSignatureCountMismatch = errors.New("signature count does not match public key count")
)

// BLSPrivateKey is a secret scalar.
type BLSPrivateKey struct {
	scalar fr.Element

	once sync.Once
	pub  *BLSPublicKey
}

// BLSPublicKey is scalar*G2.
type BLSPublicKey struct {
	point bls12381.G2Affine
}

// BLSSignature is scalar*H(m) in G1.
type BLSSignature struct {
	point bls12381.G1Affine
}

func g2Generator() bls12381.G2Affine {
	_, _, _, g2 := bls12381.Generators()
	return g2
}

func hashToG1(message []byte) (bls12381.G1Affine, error) {
	h, err := bls12381.HashToG1(message, blsDST)
	if err != nil {
		return h, fmt.Errorf("hash to G1: %w", err)
	}
	return h, nil
}

// pairingsAreOne checks e(g1[0], g2[0]) * ... == 1 after appending
// e(-sig, G2).
func pairingsAreOne(g1 []bls12381.G1Affine, g2 []bls12381.G2Affine, sig *bls12381.G1Affine) (bool, error) {
	var neg bls12381.G1Affine
	neg.Neg(sig)
	return bls12381.PairingCheck(append(g1, neg), append(g2, g2Generator()))
}

// GenerateBLSKey draws a non-zero scalar from crypto/rand.
func GenerateBLSKey() (*BLSPrivateKey, error) {
	sk := &BLSPrivateKey{}
	for sk.scalar.IsZero() {
		if _, err := sk.scalar.SetRandom(); err != nil {
			return nil, fmt.Errorf("generate bls key: %w", err)
		}
	}
	return sk, nil
}

// BLSPrivateKeyFromBytes decodes a 32-byte big-endian scalar.
func BLSPrivateKeyFromBytes(data []byte) (*BLSPrivateKey, error) {
	if len(data) != fr.Bytes {
		return nil, fmt.Errorf("bls private key: %d bytes, want %d", len(data), fr.Bytes)
	}
	sk := &BLSPrivateKey{}
	sk.scalar.SetBytes(data)
	if sk.scalar.IsZero() {
		return nil, errors.New("bls private key: zero scalar")
	}
	return sk, nil
}

func (sk *BLSPrivateKey) big() *big.Int {
	return sk.scalar.BigInt(new(big.Int))
}

func (sk *BLSPrivateKey) Public() PublicKey {
	sk.once.Do(func() {
		g2 := g2Generator()
		sk.pub = &BLSPublicKey{}
		sk.pub.point.ScalarMultiplication(&g2, sk.big())
	})
	return sk.pub
}

func (sk *BLSPrivateKey) Sign(message []byte) ([]byte, error) {
	sig, err := sk.SignPoint(message)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

// SignPoint returns the signature as a curve point, for aggregation.
func (sk *BLSPrivateKey) SignPoint(message []byte) (*BLSSignature, error) {
	h, err := hashToG1(message)
	if err != nil {
		return nil, err
	}
	sig := &BLSSignature{}
	sig.point.ScalarMultiplication(&h, sk.big())
	return sig, nil
}

func (sk *BLSPrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func (sk *BLSPrivateKey) Scheme() string { return SchemeBLS }

// BLSPublicKeyFromBytes decodes a compressed G2 point. The identity is
// rejected since it would verify any aggregate.
func BLSPublicKeyFromBytes(data []byte) (*BLSPublicKey, error) {
	pk := &BLSPublicKey{}
	if _, err := pk.point.SetBytes(data); err != nil {
		return nil, fmt.Errorf("bls public key: %w", err)
	}
	if pk.point.IsInfinity() {
		return nil, errors.New("bls public key: point at infinity")
	}
	return pk, nil
}

func (pk *BLSPublicKey) Verify(message []byte, signature []byte) bool {
	sig, err := BLSSignatureFromBytes(signature)
	if err != nil {
		return false
	}
	return pk.VerifyPoint(message, sig)
}

// VerifyPoint checks e(H(m), pk) == e(sig, G2).
func (pk *BLSPublicKey) VerifyPoint(message []byte, sig *BLSSignature) bool {
	h, err := hashToG1(message)
	if err != nil {
		return false
	}
	ok, err := pairingsAreOne([]bls12381.G1Affine{h}, []bls12381.G2Affine{pk.point}, &sig.point)
	return err == nil && ok
}

func (pk *BLSPublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

func (pk *BLSPublicKey) Scheme() string { return SchemeBLS }

func (pk *BLSPublicKey) String() string {
	return hex.EncodeToString(pk.Bytes()[:8]) + "..."
}

func (pk *BLSPublicKey) Equals(other *BLSPublicKey) bool {
	return other != nil && pk.point.Equal(&other.point)
}

// BLSSignatureFromBytes decodes a compressed G1 point.
func BLSSignatureFromBytes(data []byte) (*BLSSignature, error) {
	sig := &BLSSignature{}
	if _, err := sig.point.SetBytes(data); err != nil {
		return nil, fmt.Errorf("bls signature: %w", err)
	}
	return sig, nil
}

func (sig *BLSSignature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

// AggregateSignatures adds signatures in G1.
func AggregateSignatures(signatures []*BLSSignature) (*BLSSignature, error) {
	if len(signatures) == 0 {
		return nil, ErrEmptySignatures
	}
	var sum bls12381.G1Jac
	for _, s := range signatures {
		sum.AddMixed(&s.point)
	}
	out := &BLSSignature{}
	out.point.FromJacobian(&sum)
	return out, nil
}

// AggregatePublicKeys adds public keys in G2.
func AggregatePublicKeys(publicKeys []*BLSPublicKey) (*BLSPublicKey, error) {
	if len(publicKeys) == 0 {
		return nil, ErrEmptyPublicKeys
	}
	var sum bls12381.G2Jac
	for _, k := range publicKeys {
		sum.AddMixed(&k.point)
	}
	out := &BLSPublicKey{}
	out.point.FromJacobian(&sum)
	return out, nil
}

// VerifyAggregated checks an aggregate where every key signed message.
// Without proof of possession this is open to rogue-key attacks; receipts
// go through VerifyAggregatedDistinct.
func VerifyAggregated(message []byte, aggregate *BLSSignature, publicKeys []*BLSPublicKey) error {
	pk, err := AggregatePublicKeys(publicKeys)
	if err != nil {
		return err
	}
	if !pk.VerifyPoint(message, aggregate) {
		return ErrInvalidSignature
	}
	return nil
}

func g2Points(publicKeys []*BLSPublicKey) []bls12381.G2Affine {
	out := make([]bls12381.G2Affine, len(publicKeys), len(publicKeys)+1)
	for i, pk := range publicKeys {
		out[i] = pk.point
	}
	return out
}

// VerifyAggregatedDistinct checks an aggregate where publicKeys[i] signed
// messages[i]:
//
//	e(H(m1), pk1) * ... * e(H(mn), pkn) == e(agg, G2)
func VerifyAggregatedDistinct(messages [][]byte, aggregate *BLSSignature, publicKeys []*BLSPublicKey) error {
	if len(messages) != len(publicKeys) {
		return ErrSignatureCountMismatch
	}
	if len(publicKeys) == 0 {
		return ErrEmptyPublicKeys
	}
	hashes := make([]bls12381.G1Affine, len(messages), len(messages)+1)
	for i, m := range messages {
		h, err := hashToG1(m)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		hashes[i] = h
	}
	ok, err := pairingsAreOne(hashes, g2Points(publicKeys), &aggregate.point)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// BatchVerify checks independent signatures with one pairing product.
// Each signature and its message hash are scaled by a random coefficient
// so one forged signature cannot cancel another.
func BatchVerify(messages [][]byte, signatures []*BLSSignature, publicKeys []*BLSPublicKey) error {
	if len(messages) != len(signatures) || len(messages) != len(publicKeys) {
		return ErrSignatureCountMismatch
	}
	if len(messages) == 0 {
		return ErrEmptySignatures
	}

	var sigSum bls12381.G1Jac
	hashes := make([]bls12381.G1Affine, len(messages), len(messages)+1)
	for i, m := range messages {
		var r fr.Element
		if _, err := r.SetRandom(); err != nil {
			return fmt.Errorf("batch coefficient: %w", err)
		}
		rb := r.BigInt(new(big.Int))

		h, err := hashToG1(m)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		hashes[i].ScalarMultiplication(&h, rb)

		var s bls12381.G1Affine
		s.ScalarMultiplication(&signatures[i].point, rb)
		sigSum.AddMixed(&s)
	}

	var agg bls12381.G1Affine
	agg.FromJacobian(&sigSum)
	ok, err := pairingsAreOne(hashes, g2Points(publicKeys), &agg)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
