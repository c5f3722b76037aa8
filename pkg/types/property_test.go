package types

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomAmount draws an amount in [1, 2^112) with a random bit length of up
// to 112 bits; 2^112 itself is not drawn.
func randomAmount(rng *rand.Rand) Amount {
	bits := 1 + rng.Intn(112)
	var a Amount
	a.SetUint64(1)
	a.Lsh(&a.Int, uint(bits-1))
	// Mix in 64 random low-order bits; for a leading bit below bit 63 they
	// can also set higher bits.
	low := uint256.NewInt(rng.Uint64())
	a.Or(&a.Int, low)
	a.Int.Mod(&a.Int, new(uint256.Int).Lsh(uint256.NewInt(1), 112))
	if a.IsZero() {
		a.SetUint64(1)
	}
	return a
}

func TestAmountCodecRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(4242))
	for i := 0; i < 500; i++ {
		a := randomAmount(rng)
		require.True(t, a.IsValid())
		decoded := amountFromBytes16(a.bytes16())
		assert.Zero(t, a.Cmp(decoded), "iteration %d: %s", i, a.Decimal())

		parsed, err := AmountFromDecimal(a.Decimal())
		require.NoError(t, err)
		assert.Zero(t, a.Cmp(parsed))
	}
}

func TestTransactionIDUniqueAcrossRandomPayments(t *testing.T) {
	rng := rand.New(rand.NewSource(31337))
	seen := make(map[Hash]bool)
	now := uint64(time.Now().UnixMicro())
	for i := 0; i < 300; i++ {
		var from, to Address
		rng.Read(from[:])
		rng.Read(to[:])
		tx := NewTransaction(from, to, randomAmount(rng), rng.Uint64(), from.Hex(), now+uint64(i))
		id := tx.ID()
		assert.False(t, seen[id], "duplicate id at iteration %d", i)
		seen[id] = true
	}
}

func TestHandleGenerator(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	suffixes := []string{"ipn", "iot", "m", "cyborg"}
	letters := "abcdefghijklmnopqrstuvwxyz0123456789"
	for i := 0; i < 100; i++ {
		name := make([]byte, 1+rng.Intn(16))
		for j := range name {
			name[j] = letters[rng.Intn(len(letters))]
		}
		handle := fmt.Sprintf("@%s.%s", name, suffixes[rng.Intn(len(suffixes))])
		assert.True(t, ValidAddressString(handle), handle)
	}
}
