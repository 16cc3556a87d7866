package ledger

import (
	"errors"

	"github.com/mr-tron/base58"
)

// ErrNoSignatures is returned when assembling a transaction without signatures.
var ErrNoSignatures = errors.New("transaction needs at least one signature")

// AssembleTransaction prefixes a serialized message with its signatures in
// the ledger's wire order: compact-u16 count, 64-byte signatures, message.
func AssembleTransaction(message []byte, signatures ...[]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, ErrNoSignatures
	}
	out := appendShortVec(nil, len(signatures))
	for _, sig := range signatures {
		if len(sig) != 64 {
			return nil, errors.New("signature must be 64 bytes")
		}
		out = append(out, sig...)
	}
	return append(out, message...), nil
}

// appendShortVec encodes n as a compact-u16 (7 bits per byte, high bit continues).
func appendShortVec(b []byte, n int) []byte {
	for {
		elem := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}

// EncodeSignature returns the base58 form of a transaction signature, which
// is also the transaction's reference on the ledger.
func EncodeSignature(sig []byte) string {
	return base58.Encode(sig)
}
