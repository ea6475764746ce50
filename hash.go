package packidx

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Hash represents a raw object identifier.
//
// The backing array is sized for the widest supported hash (SHA-256);
// SHA-1 identifiers occupy the first 20 bytes and leave the remainder
// zero. Because the padding is always zero, byte-lexicographic comparison
// of two full arrays written with the same HashKind agrees with the
// comparison of their significant prefixes, so Hash values sort and
// compare without carrying their kind around.
//
// The zero value is the all-zero hash, which never resolves to a real
// object and is therefore safe to use as a sentinel in maps.
type Hash [32]byte

// ParseHash converts a canonical hexadecimal object-ID string into its raw
// byte representation. The hash kind is inferred from the input length:
// 40 characters for SHA-1, 64 for SHA-256.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 40 && len(s) != 64 {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// Format returns the canonical hexadecimal spelling of h under kind.
func (h Hash) Format(kind HashKind) string { return hex.EncodeToString(h[:kind.Size()]) }

// compareHash orders two hashes byte-lexicographically. Both operands must
// have been produced under the same HashKind.
func compareHash(a, b Hash) int { return bytes.Compare(a[:], b[:]) }

// hashFromBytes copies up to len(Hash{}) bytes of b into a Hash value.
func hashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}
