package nimble

import (
	"bytes"
	"fmt"
)

// MaxNonceSize bounds the caller-supplied nonce in freshness reads.
const MaxNonceSize = 64

var receiptDomain = []byte("nimble/receipt/v1\x00")

// Receipt is one witness's signed statement that ledger Handle is at
// Height with tail Tail, made while honoring view View. Nonce is empty
// except in freshness reads, where it binds the receipt to a request.
// The signature covers every other field.
type Receipt struct {
	Witness   WitnessID
	Handle    Handle
	Height    uint64
	Tail      Digest
	View      uint64
	Nonce     []byte
	Signature []byte
}

// Statement is the signed content of a receipt without the signer. Receipts
// can only be combined into a certificate when their statements are equal.
type Statement struct {
	Handle string
	Height uint64
	Tail   Digest
	View   uint64
	Nonce  string
}

// Statement returns the comparable key of r.
func (r *Receipt) Statement() Statement {
	return Statement{
		Handle: string(r.Handle),
		Height: r.Height,
		Tail:   r.Tail,
		View:   r.View,
		Nonce:  string(r.Nonce),
	}
}

func (r *Receipt) encodeBody(e *encoder) {
	e.bytes(1, r.Witness[:])
	e.bytes(2, r.Handle)
	e.uint(3, r.Height)
	e.bytes(4, r.Tail[:])
	e.uint(5, r.View)
	e.bytes(6, r.Nonce)
}

// SigningBytes returns the domain-separated message the witness signs.
func (r *Receipt) SigningBytes() []byte {
	e := &encoder{buf: append([]byte(nil), receiptDomain...)}
	r.encodeBody(e)
	return e.buf
}

// Bytes returns the wire encoding including the signature.
func (r *Receipt) Bytes() []byte {
	e := &encoder{}
	r.encodeBody(e)
	e.bytes(7, r.Signature)
	return e.buf
}

// ReceiptFromBytes decodes a receipt produced by Bytes. It does not check
// the signature.
func ReceiptFromBytes(b []byte) (*Receipt, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}

	r := &Receipt{}
	var haveWitness, haveTail bool
	for _, f := range fields {
		switch f.num {
		case 1:
			if len(f.bytes) != DigestSize {
				return nil, wrapInvalidMessage("receipt witness id")
			}
			copy(r.Witness[:], f.bytes)
			haveWitness = true
		case 2:
			r.Handle = cloneBytes(f.bytes)
		case 3:
			r.Height = f.varint
		case 4:
			if len(f.bytes) != DigestSize {
				return nil, wrapInvalidMessage("receipt tail")
			}
			copy(r.Tail[:], f.bytes)
			haveTail = true
		case 5:
			r.View = f.varint
		case 6:
			r.Nonce = cloneBytes(f.bytes)
		case 7:
			r.Signature = cloneBytes(f.bytes)
		}
	}

	if !haveWitness || !haveTail {
		return nil, wrapInvalidMessage("receipt missing witness or tail")
	}
	if err := r.Handle.validate(); err != nil {
		return nil, err
	}
	if len(r.Nonce) > MaxNonceSize {
		return nil, wrapInvalidMessagef("nonce too long: %d bytes", len(r.Nonce))
	}
	return r, nil
}

// Verify checks the signature against pk.
func (r *Receipt) Verify(pk PublicKey) bool {
	if len(r.Signature) == 0 {
		return false
	}
	return pk.Verify(r.SigningBytes(), r.Signature)
}

// Conflicts reports whether r and other are signed claims about the same
// ledger position within one view that name different tails.
func (r *Receipt) Conflicts(other *Receipt) bool {
	return bytes.Equal(r.Handle, other.Handle) &&
		r.Height == other.Height &&
		r.View == other.View &&
		r.Tail != other.Tail
}

// String returns a one-line summary for logs and error messages.
func (r *Receipt) String() string {
	return fmt.Sprintf("receipt{witness=%s handle=%s height=%d tail=%s view=%d}",
		r.Witness, r.Handle, r.Height, r.Tail.String()[:16], r.View)
}

func signReceipt(key PrivateKey, r *Receipt) error {
	sig, err := key.Sign(r.SigningBytes())
	if err != nil {
		return wrapInternal(fmt.Errorf("sign receipt: %w", err))
	}
	r.Signature = sig
	return nil
}
