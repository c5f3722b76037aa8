// Package emission implements the halving reward schedule and the per-round
// reward tracker with hash-chained audit checkpoints.
package emission

import (
	"fmt"
	"math/bits"
	"strings"
)

// Params are the emission parameters, all in µIPN. FeeCapPPM is the fee cap
// fraction in exact parts-per-million so the cap arithmetic is integer-only.
type Params struct {
	InitialRoundReward    uint64 `json:"initial_round_reward_micro"`
	HalvingIntervalRounds uint64 `json:"halving_interval_rounds"`
	MaxSupply             uint64 `json:"max_supply_micro"`
	FeeCapPPM             uint64 `json:"fee_cap_ppm"`
}

// DefaultParams mirrors the mainnet genesis schedule: 5 IPN per round halving
// every 2.1M rounds under a 21M IPN cap. Genesis emits nothing and each halving
// truncates to whole µIPN, so the schedule's total is 20,999,978.2 IPN, just
// under the cap.
func DefaultParams() Params {
	return Params{
		InitialRoundReward:    5_000_000,
		HalvingIntervalRounds: 2_100_000,
		MaxSupply:             21_000_000_000_000,
		FeeCapPPM:             100_000, // 10% of base emission
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.HalvingIntervalRounds == 0 {
		return fmt.Errorf("emission: halving_interval_rounds must be positive")
	}
	if p.FeeCapPPM > 1_000_000 {
		return fmt.Errorf("emission: fee_cap_ppm %d exceeds 1e6", p.FeeCapPPM)
	}
	return nil
}

// FeeCapPPMFromDecimal parses a decimal fraction in [0,1] (e.g. "0.1") into
// exact parts-per-million, rejecting more than six fractional digits so the
// conversion is lossless.
func FeeCapPPMFromDecimal(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if whole != "0" && whole != "1" {
		return 0, fmt.Errorf("emission: fee cap fraction %q out of [0,1]", s)
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("emission: fee cap fraction %q has more than 6 decimal places", s)
	}
	fracPPM := uint64(0)
	for i := 0; i < 6; i++ {
		digit := uint64(0)
		if i < len(frac) {
			if frac[i] < '0' || frac[i] > '9' {
				return 0, fmt.Errorf("emission: fee cap fraction %q is not a decimal", s)
			}
			digit = uint64(frac[i] - '0')
		}
		fracPPM = fracPPM*10 + digit
	}
	if whole == "1" {
		// A whole part of 1 admits only zero fractional digits ("1.0").
		if fracPPM != 0 {
			return 0, fmt.Errorf("emission: fee cap fraction %q out of [0,1]", s)
		}
		return 1_000_000, nil
	}
	return fracPPM, nil
}

// RoundReward returns the scheduled base reward for round r: the initial
// reward halved every HalvingIntervalRounds, with the final reward clamped to
// the exact remainder under MaxSupply. Round 0 (genesis) emits nothing.
func RoundReward(r uint64, p Params) uint64 {
	if r == 0 {
		return 0
	}
	return ProjectedSupply(r, p) - ProjectedSupply(r-1, p)
}

// ProjectedSupply returns the cumulative base emission through round r,
// computed in closed form across halving epochs and clamped at MaxSupply.
func ProjectedSupply(r uint64, p Params) uint64 {
	if r == 0 || p.HalvingIntervalRounds == 0 {
		return 0
	}
	var total uint64
	for epoch := uint64(0); ; epoch++ {
		if epoch >= 64 {
			break
		}
		reward := p.InitialRoundReward >> epoch
		if reward == 0 {
			break
		}
		lo, overflow := mul64Checked(epoch, p.HalvingIntervalRounds)
		if overflow || lo > r {
			break
		}
		if lo == 0 {
			lo = 1 // genesis round emits nothing
		}
		hi, overflow := mul64Checked(epoch+1, p.HalvingIntervalRounds)
		if overflow || hi > r+1 {
			hi = r + 1
		}
		if hi <= lo {
			continue
		}
		count := hi - lo
		chunkHi, chunkLo := bits.Mul64(count, reward)
		if chunkHi != 0 {
			return p.MaxSupply
		}
		sum, carry := bits.Add64(total, chunkLo, 0)
		if carry != 0 || (p.MaxSupply > 0 && sum >= p.MaxSupply) {
			return p.MaxSupply
		}
		total = sum
	}
	if p.MaxSupply > 0 && total > p.MaxSupply {
		return p.MaxSupply
	}
	return total
}

func mul64Checked(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}
