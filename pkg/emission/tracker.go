package emission

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/dmrl789/ippan/pkg/types"
)

// Emission errors.
var (
	ErrNonSequentialRound  = errors.New("non-sequential round")
	ErrSupplyCapExceeded   = errors.New("supply cap exceeded")
	ErrInvalidContribution = errors.New("invalid contribution")
)

// Contribution is one validator's work in a finalized round.
type Contribution struct {
	ValidatorID     types.Address `json:"validator_id"`
	BlocksProposed  uint32        `json:"blocks_proposed"`
	BlocksVerified  uint32        `json:"blocks_verified"`
	ReputationScore float64       `json:"reputation_score"`
}

// weight implements the reward weight: 5·proposed + 3·verified + round(rep),
// floored at 1 so every contributor receives a share.
func (c Contribution) weight() uint64 {
	w := uint64(c.BlocksProposed)*5 + uint64(c.BlocksVerified)*3 + uint64(math.Round(c.ReputationScore))
	if w == 0 {
		w = 1
	}
	return w
}

func (c Contribution) validate() error {
	if c.ValidatorID.IsZero() {
		return fmt.Errorf("%w: zero validator id", ErrInvalidContribution)
	}
	if math.IsNaN(c.ReputationScore) || math.IsInf(c.ReputationScore, 0) || c.ReputationScore < 0 {
		return fmt.Errorf("%w: reputation score %v", ErrInvalidContribution, c.ReputationScore)
	}
	return nil
}

// ValidatorReward is one validator's share of a round. WeightFactorPPM is the
// validator's weight share in parts-per-million.
type ValidatorReward struct {
	RoundEmission   uint64 `json:"round_emission"`
	TransactionFees uint64 `json:"transaction_fees"`
	AICommissions   uint64 `json:"ai_commissions"`
	NetworkDividend uint64 `json:"network_dividend"`
	TotalReward     uint64 `json:"total_reward"`
	WeightFactorPPM uint64 `json:"weight_factor_ppm"`
}

// RoundRewardDistribution is the outcome of processing one round.
type RoundRewardDistribution struct {
	Round            uint64                             `json:"round"`
	TotalReward      uint64                             `json:"total_reward"`
	BlocksInRound    uint32                             `json:"blocks_in_round"`
	FeesCollected    uint64                             `json:"fees_collected"`
	ExcessBurned     uint64                             `json:"excess_burned"`
	ValidatorRewards map[types.Address]*ValidatorReward `json:"validator_rewards"`
}

// AuditRecord is a hash-chained emission checkpoint. DistributionHash covers
// (round ‖ cumulative_supply ‖ sorted {validator_id ‖ lifetime_earnings}), so
// any change to earlier earnings changes every later checkpoint.
type AuditRecord struct {
	Round              uint64       `json:"round"`
	StartRound         uint64       `json:"start_round"`
	EndRound           uint64       `json:"end_round"`
	CumulativeSupply   types.Amount `json:"cumulative_supply"`
	RoundEmission      uint64       `json:"round_emission"`
	TotalBaseEmission  uint64       `json:"total_base_emission"`
	FeesCollected      types.Amount `json:"fees_collected"`
	TotalFeesCollected types.Amount `json:"total_fees_collected"`
	TotalAICommissions types.Amount `json:"total_ai_commissions"`
	TotalDistributed   types.Amount `json:"total_distributed"`
	EmptyRounds        uint64       `json:"empty_rounds"`
	DistributionHash   types.Hash   `json:"distribution_hash"`
	Timestamp          uint64       `json:"timestamp"`
}

// Statistics is a read-only snapshot of the tracker.
type Statistics struct {
	CurrentRound       uint64       `json:"current_round"`
	CumulativeSupply   types.Amount `json:"cumulative_supply"`
	SupplyCap          uint64       `json:"supply_cap"`
	PercentEmittedBps  uint32       `json:"percent_emitted_bps"`
	TotalFeesCollected types.Amount `json:"total_fees_collected"`
	TotalAICommissions types.Amount `json:"total_ai_commissions"`
	NetworkPoolBalance types.Amount `json:"network_pool_balance"`
	ActiveValidators   int          `json:"active_validators"`
	EmptyRounds        uint64       `json:"empty_rounds"`
	AuditCheckpoints   int          `json:"audit_checkpoints"`
}

// Tracker converts finalized rounds into validator rewards while holding the
// supply invariants. A failed ProcessRound leaves the tracker untouched.
type Tracker struct {
	mu sync.Mutex

	params Params

	cumulativeSupply       types.Amount // supply + fees + commissions
	cumulativeBaseEmission uint64       // schedule only, for cap + consistency
	lastRound              uint64

	totalFeesCollected types.Amount
	totalAICommissions types.Amount
	networkPoolBalance types.Amount

	validatorEarnings map[types.Address]types.Amount
	emptyRounds       uint64

	auditInterval   uint64
	lastAuditRound  uint64
	auditHistory    []AuditRecord
	auditPeriodFees types.Amount
}

// NewTracker creates a tracker at genesis state.
func NewTracker(params Params, auditInterval uint64) *Tracker {
	if auditInterval == 0 {
		auditInterval = 1000
	}
	return &Tracker{
		params:            params,
		validatorEarnings: make(map[types.Address]types.Amount),
		auditInterval:     auditInterval,
	}
}

// Params returns the tracker's emission parameters.
func (t *Tracker) Params() Params { return t.params }

// LastRound returns the last processed round.
func (t *Tracker) LastRound() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRound
}

// ProcessRound distributes the round r reward across contributions and
// commits the cumulative accounting. All validation happens before any state
// is written: on error the tracker is byte-identical to its prior state.
func (t *Tracker) ProcessRound(r uint64, contributions []Contribution, feesCollected, aiCommissions types.Amount) (*RoundRewardDistribution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Sequencing: next round only, except a fresh tracker accepts any r ≥ 1.
	if t.lastRound != 0 && r != t.lastRound+1 {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrNonSequentialRound, t.lastRound+1, r)
	}
	if r == 0 {
		return nil, fmt.Errorf("%w: round 0 is genesis", ErrNonSequentialRound)
	}
	seen := make(map[types.Address]struct{}, len(contributions))
	for _, c := range contributions {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.ValidatorID]; dup {
			return nil, fmt.Errorf("%w: duplicate validator %s", ErrInvalidContribution, c.ValidatorID.Hex())
		}
		seen[c.ValidatorID] = struct{}{}
	}

	base := RoundReward(r, t.params)

	// Supply cap on base emission only. RoundReward clamps the final reward to
	// the remainder, so a crossing here means either the cap is fully emitted
	// or the parameters are inconsistent; both halt block production.
	if t.params.MaxSupply > 0 && t.cumulativeBaseEmission >= t.params.MaxSupply {
		return nil, fmt.Errorf("%w: cumulative base emission %d at cap %d",
			ErrSupplyCapExceeded, t.cumulativeBaseEmission, t.params.MaxSupply)
	}
	stagedBase, carry := bits.Add64(t.cumulativeBaseEmission, base, 0)
	if carry != 0 || (t.params.MaxSupply > 0 && stagedBase > t.params.MaxSupply) {
		return nil, fmt.Errorf("%w: %d + %d exceeds cap %d",
			ErrSupplyCapExceeded, t.cumulativeBaseEmission, base, t.params.MaxSupply)
	}

	// Fee cap and burn. Fees beyond FeeCapPPM of the base reward are burned.
	feesU64 := clampU64(feesCollected)
	capLimitHi, capLimitLo := bits.Mul64(base, t.params.FeeCapPPM)
	capLimit, _ := bits.Div64(capLimitHi, capLimitLo, 1_000_000)
	cappedFees := feesU64
	if cappedFees > capLimit {
		cappedFees = capLimit
	}
	excessBurned := feesU64 - cappedFees
	commissions := clampU64(aiCommissions)

	totalReward := satAdd64(satAdd64(base, cappedFees), commissions)

	dist := &RoundRewardDistribution{
		Round:            r,
		TotalReward:      totalReward,
		BlocksInRound:    uint32(len(contributions)),
		FeesCollected:    cappedFees,
		ExcessBurned:     excessBurned,
		ValidatorRewards: make(map[types.Address]*ValidatorReward, len(contributions)),
	}

	// Weighted split; the remainder of each pot goes to the last contribution
	// so every pot is conserved exactly.
	if len(contributions) > 0 {
		weights := make([]uint64, len(contributions))
		var totalWeight uint64
		for i, c := range contributions {
			weights[i] = c.weight()
			totalWeight = satAdd64(totalWeight, weights[i])
		}
		var emissionAllocated, feeAllocated, aiAllocated uint64
		for i, c := range contributions {
			last := i == len(contributions)-1
			emissionShare := potShare(base, weights[i], totalWeight, emissionAllocated, last)
			emissionAllocated += emissionShare
			feeShare := potShare(cappedFees, weights[i], totalWeight, feeAllocated, last)
			feeAllocated += feeShare
			aiShare := potShare(commissions, weights[i], totalWeight, aiAllocated, last)
			aiAllocated += aiShare

			wfHi, wfLo := bits.Mul64(weights[i], 1_000_000)
			weightPPM, _ := bits.Div64(wfHi, wfLo, totalWeight)

			dist.ValidatorRewards[c.ValidatorID] = &ValidatorReward{
				RoundEmission:   emissionShare,
				TransactionFees: feeShare,
				AICommissions:   aiShare,
				NetworkDividend: 0,
				TotalReward:     emissionShare + feeShare + aiShare,
				WeightFactorPPM: weightPPM,
			}
		}
	}

	// Commit.
	if len(contributions) == 0 {
		t.emptyRounds++
	}
	t.cumulativeBaseEmission = stagedBase
	t.cumulativeSupply = t.cumulativeSupply.AddUint64(totalReward)
	t.totalFeesCollected = t.totalFeesCollected.Add(feesCollected)
	t.auditPeriodFees = t.auditPeriodFees.Add(feesCollected)
	t.totalAICommissions = t.totalAICommissions.Add(aiCommissions)
	t.networkPoolBalance = t.networkPoolBalance.AddUint64(cappedFees / 20) // 5% of capped fees
	for _, c := range contributions {
		reward := dist.ValidatorRewards[c.ValidatorID]
		t.validatorEarnings[c.ValidatorID] = t.validatorEarnings[c.ValidatorID].AddUint64(reward.TotalReward)
	}
	t.lastRound = r

	if r >= t.lastAuditRound+t.auditInterval {
		t.createAuditCheckpoint(r)
	}

	return dist, nil
}

// potShare computes ⌊pot·w/W⌋, except the last contribution receives the
// unallocated remainder of the pot.
func potShare(pot, w, totalWeight, allocated uint64, last bool) uint64 {
	if last {
		if allocated > pot {
			return 0
		}
		return pot - allocated
	}
	if totalWeight == 0 {
		return 0
	}
	hi, lo := bits.Mul64(pot, w)
	share, _ := bits.Div64(hi, lo, totalWeight)
	return share
}

func (t *Tracker) createAuditCheckpoint(round uint64) {
	startRound := t.lastAuditRound
	if startRound < 1 {
		startRound = 1
	}
	var totalBase uint64
	if startRound <= round {
		totalBase = ProjectedSupply(round, t.params) - ProjectedSupply(startRound-1, t.params)
	}

	record := AuditRecord{
		Round:              round,
		StartRound:         startRound,
		EndRound:           round,
		CumulativeSupply:   t.cumulativeSupply,
		RoundEmission:      RoundReward(round, t.params),
		TotalBaseEmission:  totalBase,
		FeesCollected:      t.auditPeriodFees,
		TotalFeesCollected: t.totalFeesCollected,
		TotalAICommissions: t.totalAICommissions,
		TotalDistributed:   t.cumulativeSupply,
		EmptyRounds:        t.emptyRounds,
		DistributionHash:   t.distributionHash(round),
		Timestamp:          uint64(time.Now().Unix()),
	}
	t.auditHistory = append(t.auditHistory, record)
	t.lastAuditRound = round
	t.auditPeriodFees = types.Amount{}
}

// distributionHash chains the tracker state: BLAKE3 over the round, the
// cumulative supply and every (validator_id, lifetime_earnings) pair sorted by
// validator id.
func (t *Tracker) distributionHash(round uint64) types.Hash {
	ids := make([]types.Address, 0, len(t.validatorEarnings))
	for id := range t.validatorEarnings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})

	buf := make([]byte, 0, 8+16+len(ids)*(types.AddressLength+16))
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(round >> (8 * i))
	}
	buf = append(buf, tmp[:]...)
	supply := t.cumulativeSupply.Bytes16LE()
	buf = append(buf, supply[:]...)
	for _, id := range ids {
		buf = append(buf, id[:]...)
		earnings := t.validatorEarnings[id].Bytes16LE()
		buf = append(buf, earnings[:]...)
	}
	return types.Blake3(buf)
}

// VerifyConsistency checks the cumulative base emission against the schedule,
// allowing integer-division slack proportional to the number of rounds.
func (t *Tracker) VerifyConsistency() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	expected := ProjectedSupply(t.lastRound, t.params)
	tolerance := satAdd64(t.lastRound, 10)
	actual := t.cumulativeBaseEmission
	if actual > satAdd64(expected, tolerance) {
		return fmt.Errorf("emission: cumulative base %d exceeds expected %d at round %d",
			actual, expected, t.lastRound)
	}
	if satAdd64(actual, tolerance) < expected {
		return fmt.Errorf("emission: cumulative base %d below expected %d at round %d",
			actual, expected, t.lastRound)
	}
	return nil
}

// Stats returns a snapshot of the tracker.
func (t *Tracker) Stats() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pct uint32
	if t.params.MaxSupply > 0 {
		supply := clampU64(t.cumulativeSupply)
		hi, lo := bits.Mul64(supply, 10_000)
		if hi == 0 {
			bps := lo / t.params.MaxSupply
			if bps > math.MaxUint32 {
				bps = math.MaxUint32
			}
			pct = uint32(bps)
		} else {
			pct = math.MaxUint32
		}
	}
	return Statistics{
		CurrentRound:       t.lastRound,
		CumulativeSupply:   t.cumulativeSupply,
		SupplyCap:          t.params.MaxSupply,
		PercentEmittedBps:  pct,
		TotalFeesCollected: t.totalFeesCollected,
		TotalAICommissions: t.totalAICommissions,
		NetworkPoolBalance: t.networkPoolBalance,
		ActiveValidators:   len(t.validatorEarnings),
		EmptyRounds:        t.emptyRounds,
		AuditCheckpoints:   len(t.auditHistory),
	}
}

// ValidatorEarning is a lifetime-earnings entry.
type ValidatorEarning struct {
	ValidatorID types.Address `json:"validator_id"`
	Earnings    types.Amount  `json:"earnings"`
}

// TopValidators returns up to limit validators ordered by lifetime earnings.
func (t *Tracker) TopValidators(limit int) []ValidatorEarning {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ValidatorEarning, 0, len(t.validatorEarnings))
	for id, earnings := range t.validatorEarnings {
		out = append(out, ValidatorEarning{ValidatorID: id, Earnings: earnings})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Earnings.Cmp(out[j].Earnings); c != 0 {
			return c > 0
		}
		return string(out[i].ValidatorID[:]) < string(out[j].ValidatorID[:])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AuditHistory returns a copy of the audit checkpoints.
func (t *Tracker) AuditHistory() []AuditRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AuditRecord, len(t.auditHistory))
	copy(out, t.auditHistory)
	return out
}

// CumulativeSupply returns the cumulative distributed supply.
func (t *Tracker) CumulativeSupply() types.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumulativeSupply
}

// EmptyRounds returns the count of rounds with no contributions.
func (t *Tracker) EmptyRounds() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emptyRounds
}

func clampU64(a types.Amount) uint64 {
	if !a.IsUint64() {
		return math.MaxUint64
	}
	return a.Uint64()
}

func satAdd64(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
