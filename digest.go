package nimble

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the length of every chain digest.
const DigestSize = 32

// Digest is a SHA3-256 output. Tails, block hashes and view hashes are all
// Digests.
type Digest [DigestSize]byte

// Bytes returns the digest as a slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// String returns the full hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is all zeroes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestFromBytes copies a 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, wrapInvalidMessagef("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HashBlock returns SHA3-256(block).
func HashBlock(block []byte) Digest {
	return Digest(sha3.Sum256(block))
}

// ChainHash combines the previous tail with the hash of the next block:
// SHA3-256(prev || blockHash).
func ChainHash(prev Digest, blockHash Digest) Digest {
	h := sha3.New256()
	h.Write(prev[:])
	h.Write(blockHash[:])
	var out Digest
	h.Sum(out[:0])
	return out
}

// GenesisTail is the tail of a ledger created with genesis.
func GenesisTail(genesis []byte) Digest {
	return HashBlock(genesis)
}

// NextTail is the tail after appending block to a ledger whose tail is prev.
func NextTail(prev Digest, block []byte) Digest {
	return ChainHash(prev, HashBlock(block))
}

// ReplayTail recomputes the tail of a ledger from its full block sequence,
// genesis first. It returns the zero Digest for an empty sequence.
func ReplayTail(blocks [][]byte) Digest {
	if len(blocks) == 0 {
		return Digest{}
	}
	tail := GenesisTail(blocks[0])
	for _, b := range blocks[1:] {
		tail = NextTail(tail, b)
	}
	return tail
}
