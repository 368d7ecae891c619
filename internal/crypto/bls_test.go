package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blsPub(t testing.TB, sk *BLSPrivateKey) *BLSPublicKey {
	t.Helper()
	pk, ok := sk.Public().(*BLSPublicKey)
	require.True(t, ok)
	return pk
}

// TestBLSSignAndVerify tests basic sign and verify.
func TestBLSSignAndVerify(t *testing.T) {
	sk, err := GenerateBLSKey()
	require.NoError(t, err)

	pk := blsPub(t, sk)
	assert.True(t, pk.Equals(blsPub(t, sk)), "public key must be stable")

	message := []byte("receipt body")
	sig, err := sk.Sign(message)
	require.NoError(t, err)
	assert.Len(t, sig, 48)

	assert.True(t, pk.Verify(message, sig))
	assert.False(t, pk.Verify([]byte("other body"), sig))
	assert.False(t, pk.Verify(message, sig[:10]), "truncated signature must not verify")

	sk2, _ := GenerateBLSKey()
	assert.False(t, sk2.Public().Verify(message, sig))
}

// TestBLSDistinctAggregate covers the compact-certificate path: each
// signer signs its own message and the sum verifies against all of them.
func TestBLSDistinctAggregate(t *testing.T) {
	const n = 4

	messages := make([][]byte, n)
	sigs := make([][]byte, n)
	keys := make([]PublicKey, n)
	for i := 0; i < n; i++ {
		sk, err := GenerateBLSKey()
		require.NoError(t, err)
		messages[i] = []byte(fmt.Sprintf("witness-%d height-7", i))
		sigs[i], err = sk.Sign(messages[i])
		require.NoError(t, err)
		keys[i] = sk.Public()
	}

	agg, err := AggregateBLS(sigs)
	require.NoError(t, err)
	assert.Len(t, agg, 48)
	require.NoError(t, VerifyAggregateBLS(messages, agg, keys))

	swapped := [][]byte{messages[1], messages[0], messages[2], messages[3]}
	assert.ErrorIs(t, VerifyAggregateBLS(swapped, agg, keys), ErrInvalidSignature)

	partial, err := AggregateBLS(sigs[:3])
	require.NoError(t, err)
	assert.Error(t, VerifyAggregateBLS(messages, partial, keys))

	ed, _ := GenerateEd25519Key()
	mixed := append([]PublicKey{ed.Public()}, keys[1:]...)
	assert.Error(t, VerifyAggregateBLS(messages, agg, mixed))
}

// TestBLSSameMessageAggregate tests VerifyAggregated.
func TestBLSSameMessageAggregate(t *testing.T) {
	message := []byte("view block")
	var sigs []*BLSSignature
	var pks []*BLSPublicKey
	for i := 0; i < 3; i++ {
		sk, _ := GenerateBLSKey()
		sig, err := sk.SignPoint(message)
		require.NoError(t, err)
		sigs = append(sigs, sig)
		pks = append(pks, blsPub(t, sk))
	}

	agg, err := AggregateSignatures(sigs)
	require.NoError(t, err)
	assert.NoError(t, VerifyAggregated(message, agg, pks))
	assert.ErrorIs(t, VerifyAggregated([]byte("other"), agg, pks), ErrInvalidSignature)

	_, err = AggregateSignatures(nil)
	assert.ErrorIs(t, err, ErrEmptySignatures)
	_, err = AggregatePublicKeys(nil)
	assert.ErrorIs(t, err, ErrEmptyPublicKeys)
}

// TestBLSBatchVerify tests batch signature verification.
func TestBLSBatchVerify(t *testing.T) {
	const n = 5

	messages := make([][]byte, n)
	sigs := make([]*BLSSignature, n)
	pks := make([]*BLSPublicKey, n)
	for i := 0; i < n; i++ {
		messages[i] = []byte{byte(i)}
		sk, _ := GenerateBLSKey()
		pks[i] = blsPub(t, sk)
		sigs[i], _ = sk.SignPoint(messages[i])
	}

	assert.NoError(t, BatchVerify(messages, sigs, pks))

	tampered := make([]*BLSSignature, n)
	copy(tampered, sigs)
	wrong, _ := GenerateBLSKey()
	tampered[0], _ = wrong.SignPoint(messages[0])
	assert.Error(t, BatchVerify(messages, tampered, pks))

	assert.ErrorIs(t, BatchVerify(nil, nil, nil), ErrEmptySignatures)
	assert.ErrorIs(t, BatchVerify(messages[:1], sigs[:2], pks[:1]), ErrSignatureCountMismatch)
	assert.ErrorIs(t, VerifyAggregatedDistinct(messages[:1], sigs[0], pks[:2]), ErrSignatureCountMismatch)
}

// TestBLSSerialization round-trips keys and signatures through bytes.
func TestBLSSerialization(t *testing.T) {
	skBytes := make([]byte, 32)
	_, err := rand.Read(skBytes)
	require.NoError(t, err)
	skBytes[0] &= 0x1f // keep below the field modulus

	sk1, err := BLSPrivateKeyFromBytes(skBytes)
	require.NoError(t, err)
	sk2, err := BLSPrivateKeyFromBytes(sk1.Bytes())
	require.NoError(t, err)
	assert.True(t, blsPub(t, sk1).Equals(blsPub(t, sk2)))

	message := []byte("deterministic")
	sig1, _ := sk1.Sign(message)
	sig2, _ := sk2.Sign(message)
	assert.True(t, bytes.Equal(sig1, sig2), "BLS signatures are deterministic")

	pk, err := BLSPublicKeyFromBytes(sk1.Public().Bytes())
	require.NoError(t, err)
	assert.True(t, pk.Verify(message, sig1))

	_, err = BLSPrivateKeyFromBytes(make([]byte, 31))
	assert.Error(t, err)
	_, err = BLSPrivateKeyFromBytes(make([]byte, 32))
	assert.Error(t, err, "zero scalar")
	_, err = BLSPublicKeyFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = BLSSignatureFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

// TestBLSConcurrentSigning tests thread-safety of signing and key derivation.
func TestBLSConcurrentSigning(t *testing.T) {
	sk, _ := GenerateBLSKey()
	message := []byte("concurrent")

	const n = 32
	sigs := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = sk.Public()
			sigs[idx], _ = sk.Sign(message)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.True(t, sk.Public().Verify(message, sigs[i]), "signature %d", i)
	}
}

func BenchmarkBLSSign(b *testing.B) {
	sk, _ := GenerateBLSKey()
	message := []byte("benchmark message")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = sk.Sign(message)
	}
}

func BenchmarkBLSVerify(b *testing.B) {
	sk, _ := GenerateBLSKey()
	pk := sk.Public()
	message := []byte("benchmark message")
	sig, _ := sk.Sign(message)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pk.Verify(message, sig)
	}
}

func BenchmarkBLSDistinctAggregateVerify(b *testing.B) {
	const n = 7
	messages := make([][]byte, n)
	sigs := make([][]byte, n)
	keys := make([]PublicKey, n)
	for i := 0; i < n; i++ {
		sk, _ := GenerateBLSKey()
		messages[i] = []byte{byte(i)}
		sigs[i], _ = sk.Sign(messages[i])
		keys[i] = sk.Public()
	}
	agg, _ := AggregateBLS(sigs)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = VerifyAggregateBLS(messages, agg, keys)
	}
}
