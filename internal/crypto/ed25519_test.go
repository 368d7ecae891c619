package crypto

import (
	"bytes"
	"testing"
)

func TestEd25519KeyGeneration(t *testing.T) {
	key, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	if len(key.Bytes()) != Ed25519PrivateKeySize {
		t.Errorf("Private key size mismatch: expected %d, got %d", Ed25519PrivateKeySize, len(key.Bytes()))
	}
	if len(key.Public().Bytes()) != Ed25519PublicKeySize {
		t.Errorf("Public key size mismatch: expected %d, got %d", Ed25519PublicKeySize, len(key.Public().Bytes()))
	}
	if key.Scheme() != SchemeEd25519 || key.Public().Scheme() != SchemeEd25519 {
		t.Error("wrong scheme")
	}
}

func TestEd25519SignAndVerify(t *testing.T) {
	key, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	message := []byte("receipt body")
	signature, err := key.Sign(message)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if len(signature) != Ed25519SignatureSize {
		t.Errorf("Signature size mismatch: expected %d, got %d", Ed25519SignatureSize, len(signature))
	}

	pubKey := key.Public()
	if !pubKey.Verify(message, signature) {
		t.Error("Valid signature failed verification")
	}
	if pubKey.Verify([]byte("wrong message"), signature) {
		t.Error("Signature verified with wrong message")
	}
	if pubKey.Verify(message, make([]byte, Ed25519SignatureSize)) {
		t.Error("Zero signature incorrectly verified")
	}
	if pubKey.Verify(message, signature[:32]) {
		t.Error("Short signature incorrectly verified")
	}

	other, _ := GenerateEd25519Key()
	if other.Public().Verify(message, signature) {
		t.Error("Signature verified with wrong public key")
	}
}

func TestEd25519KeySerialization(t *testing.T) {
	key, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	restored, err := Ed25519PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("Failed to restore private key: %v", err)
	}
	if !bytes.Equal(key.Public().Bytes(), restored.Public().Bytes()) {
		t.Error("Restored key has a different public key")
	}

	pub, err := Ed25519PublicKeyFromBytes(key.Public().Bytes())
	if err != nil {
		t.Fatalf("Failed to restore public key: %v", err)
	}
	if !pub.Equals(key.Public()) {
		t.Error("Restored public key not equal")
	}

	fromSeed, err := Ed25519PrivateKeyFromBytes(key.Bytes()[:32])
	if err != nil {
		t.Fatalf("Failed to restore key from seed: %v", err)
	}
	if !bytes.Equal(fromSeed.Bytes(), key.Bytes()) {
		t.Error("Seed did not reproduce the private key")
	}

	tampered := key.Bytes()
	tampered[63] ^= 0x01
	if _, err := Ed25519PrivateKeyFromBytes(tampered); err == nil {
		t.Error("Expected error for mismatched public half")
	}

	// Decoding must copy so later mutation of the input cannot change the key.
	raw := key.Public().Bytes()
	buf := append([]byte(nil), raw...)
	pub2, _ := Ed25519PublicKeyFromBytes(buf)
	buf[0] ^= 0xff
	if !bytes.Equal(pub2.Bytes(), raw) {
		t.Error("Public key aliases its input")
	}
}

func TestEd25519InvalidInputs(t *testing.T) {
	if _, err := Ed25519PrivateKeyFromBytes(make([]byte, 10)); err == nil {
		t.Error("Expected error for short private key")
	}
	if _, err := Ed25519PublicKeyFromBytes(make([]byte, 10)); err == nil {
		t.Error("Expected error for short public key")
	}
}

func BenchmarkEd25519Sign(b *testing.B) {
	key, _ := GenerateEd25519Key()
	message := []byte("benchmark message")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = key.Sign(message)
	}
}

func BenchmarkEd25519Verify(b *testing.B) {
	key, _ := GenerateEd25519Key()
	message := []byte("benchmark message")
	signature, _ := key.Sign(message)
	pub := key.Public()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pub.Verify(message, signature)
	}
}
