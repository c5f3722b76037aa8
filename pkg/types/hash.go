// Package types defines the IPPAN data model: addresses, hashes, amounts,
// transactions, accounts and blocks, together with their canonical binary
// encoding. All hashes are 32-byte BLAKE3 digests over canonical bytes.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// HashLength is the byte length of every digest on the wire.
const HashLength = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [HashLength]byte

// Blake3 hashes data with BLAKE3-256.
func Blake3(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Hex returns the lowercase hex representation.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Bytes returns the digest as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

// ParseHash parses a 64-char hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != HashLength {
		return h, fmt.Errorf("%w: %q", ErrMalformedTransaction, s)
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalJSON renders the hash as lowercase hex.
func (h Hash) MarshalJSON() ([]byte, error) { return json.Marshal(h.Hex()) }

// UnmarshalJSON parses the hex form.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
