package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// AddressLength is the byte length of an address (an ed25519 public key).
const AddressLength = 32

// Address is a 32-byte ed25519 public key. The hex form is 64 lowercase chars.
type Address [AddressLength]byte

// AddressFromPubKey converts an ed25519 public key into an Address.
func AddressFromPubKey(pub ed25519.PublicKey) (Address, error) {
	var a Address
	if len(pub) != AddressLength {
		return a, fmt.Errorf("%w: public key length %d", ErrAddressMalformed, len(pub))
	}
	copy(a[:], pub)
	return a, nil
}

// ParseAddress parses a 64-char lowercase hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 2*AddressLength || strings.ToLower(s) != s {
		return a, fmt.Errorf("%w: %q", ErrAddressMalformed, s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("%w: %q", ErrAddressMalformed, s)
	}
	copy(a[:], raw)
	return a, nil
}

// Hex returns the 64-char lowercase hex form.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// Bytes returns the address as a byte slice.
func (a Address) Bytes() []byte { return a[:] }

// PubKey returns the address as an ed25519 public key.
func (a Address) PubKey() ed25519.PublicKey { return ed25519.PublicKey(a[:]) }

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalJSON renders the address as lowercase hex.
func (a Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.Hex()) }

// UnmarshalJSON parses the hex form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// handleRe matches human-readable handle identifiers such as @alice.ipn.
var handleRe = regexp.MustCompile(`^@[a-z0-9][a-z0-9_-]{0,62}\.(ipn|iot|m|cyborg)$`)

// ValidAddressString reports whether s is a valid address representation:
// either a 64-char lowercase hex key or a handle identifier (@name.ipn,
// @name.iot, @name.m, @name.cyborg).
func ValidAddressString(s string) bool {
	if _, err := ParseAddress(s); err == nil {
		return true
	}
	return handleRe.MatchString(s)
}
