package validator

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"

	"lukechampine.com/blake3"
)

// Policy selects how the per-round validator shortlist is scored.
type Policy string

const (
	PolicyStakeBased  Policy = "stake"
	PolicyRandom      Policy = "random"
	PolicyPerformance Policy = "performance"
	PolicyHybrid      Policy = "hybrid"
)

// ParsePolicy maps a config string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyStakeBased, PolicyRandom, PolicyPerformance, PolicyHybrid:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown selection policy %q", s)
}

// RoundSet is the validator selection for one round. The first validator is
// the primary proposer; the rest are backups in selection order. Rounds hold
// this snapshot by value, never a handle into the live registry.
type RoundSet struct {
	Round      uint64   `json:"round"`
	Validators []string `json:"validators"`
	Primary    string   `json:"primary"`
	Backups    []string `json:"backups"`
	Seed       uint64   `json:"seed"`
	SelectedAt uint64   `json:"selected_at"`
}

// Contains reports whether id was selected for the round.
func (rs *RoundSet) Contains(id string) bool {
	for _, v := range rs.Validators {
		if v == id {
			return true
		}
	}
	return false
}

// Size returns the number of selected validators.
func (rs *RoundSet) Size() int { return len(rs.Validators) }

// RoundSeed derives the selection seed for a round:
// the first 8 little-endian bytes of BLAKE3("round_<r>").
func RoundSeed(round uint64) uint64 {
	digest := blake3.Sum256([]byte(fmt.Sprintf("round_%d", round)))
	return binary.LittleEndian.Uint64(digest[:8])
}

// Select is the pure selection function: reproducible from (round, snapshot,
// params) alone. Eligible validators are shortlisted, scored by the policy and
// the top MaxValidators kept; ties break lexicographically by id.
func Select(round uint64, snapshot []Validator, params Params) *RoundSet {
	seed := RoundSeed(round)

	eligible := make([]Validator, 0, len(snapshot))
	for _, v := range snapshot {
		if v.MeetsRequirements(params.MinStake, params.PerformanceThreshold, params.UptimeThreshold) {
			eligible = append(eligible, v)
		}
	}
	// Canonical base order regardless of snapshot order.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	if params.Policy == PolicyRandom {
		shuffle(eligible, seed)
	} else {
		policy := params.Policy
		sort.SliceStable(eligible, func(i, j int) bool {
			si, sj := eligible[i].SelectionScore(policy), eligible[j].SelectionScore(policy)
			if si != sj {
				return si > sj
			}
			return eligible[i].ID < eligible[j].ID
		})
	}

	max := params.MaxValidators
	if max <= 0 || max > len(eligible) {
		max = len(eligible)
	}
	selected := eligible[:max]

	set := &RoundSet{
		Round:      round,
		Seed:       seed,
		SelectedAt: nowUnix(),
	}
	for i, v := range selected {
		set.Validators = append(set.Validators, v.ID)
		if i == 0 {
			set.Primary = v.ID
		} else {
			set.Backups = append(set.Backups, v.ID)
		}
	}
	return set
}

// shuffle is a seeded Fisher–Yates over the id-sorted eligible list.
func shuffle(vals []Validator, seed uint64) {
	rng := rand.New(rand.NewSource(int64(seed)))
	for i := len(vals) - 1; i >= 1; i-- {
		j := rng.Intn(i + 1)
		vals[i], vals[j] = vals[j], vals[i]
	}
}

// SelectRound runs Select over the registry's current snapshot.
func (r *Registry) SelectRound(round uint64) *RoundSet {
	return Select(round, r.Snapshot(), r.params)
}
