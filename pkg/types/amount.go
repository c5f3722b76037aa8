package types

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// AmountBits caps ledger amounts at 128 bits (µIPN).
const AmountBits = 128

// Amount is an unsigned 128-bit quantity of µIPN. The JSON form is a decimal
// string so javascript clients never lose precision.
type Amount struct {
	uint256.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	var a Amount
	a.SetUint64(v)
	return a
}

// AmountFromDecimal parses a decimal string into an Amount.
func AmountFromDecimal(s string) (Amount, error) {
	var a Amount
	if err := a.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("%w: amount %q", ErrAmountOutOfRange, s)
	}
	if a.BitLen() > AmountBits {
		return Amount{}, fmt.Errorf("%w: amount %q exceeds 128 bits", ErrAmountOutOfRange, s)
	}
	return a, nil
}

// Add returns a+b, saturating at 2^128-1.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.Int.Add(&a.Int, &b.Int)
	if out.BitLen() > AmountBits {
		out.setMax()
	}
	return out
}

// AddUint64 returns a+v, saturating at 2^128-1.
func (a Amount) AddUint64(v uint64) Amount {
	return a.Add(NewAmount(v))
}

// Sub returns a−b, saturating at zero.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	if a.Lt(&b.Int) {
		return out
	}
	out.Int.Sub(&a.Int, &b.Int)
	return out
}

// Cmp compares a and b.
func (a Amount) Cmp(b Amount) int { return a.Int.Cmp(&b.Int) }

// IsValid reports whether the amount fits in 128 bits.
func (a Amount) IsValid() bool { return a.BitLen() <= AmountBits }

// Decimal returns the decimal string form.
func (a Amount) Decimal() string { return a.Dec() }

func (a *Amount) setMax() {
	a.SetAllOne()
	a.Rsh(&a.Int, 256-AmountBits)
}

// Bytes16LE returns the canonical 16-byte little-endian encoding, used both
// on the wire and inside hash preimages.
func (a Amount) Bytes16LE() [16]byte { return a.bytes16() }

// bytes16 returns the canonical 16-byte little-endian encoding.
func (a Amount) bytes16() [16]byte {
	be := a.Bytes32()
	var out [16]byte
	for i := 0; i < 16; i++ {
		out[i] = be[31-i]
	}
	return out
}

// amountFromBytes16 decodes the canonical 16-byte little-endian form.
func amountFromBytes16(b [16]byte) Amount {
	var be [32]byte
	for i := 0; i < 16; i++ {
		be[31-i] = b[i]
	}
	var a Amount
	a.SetBytes32(be[:])
	return a
}

// MarshalJSON renders the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) { return json.Marshal(a.Dec()) }

// UnmarshalJSON parses the decimal-string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := AmountFromDecimal(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
