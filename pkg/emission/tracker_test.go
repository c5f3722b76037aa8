package emission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmrl789/ippan/pkg/types"
)

func addr(b byte) types.Address {
	var a types.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func singleContribution() []Contribution {
	return []Contribution{{
		ValidatorID:     addr(1),
		BlocksProposed:  1,
		BlocksVerified:  1,
		ReputationScore: 10_000,
	}}
}

func TestSingleValidatorTenRounds(t *testing.T) {
	params := DefaultParams()
	tracker := NewTracker(params, 1_000)

	var lifetime uint64
	for r := uint64(1); r <= 10; r++ {
		dist, err := tracker.ProcessRound(r, singleContribution(), types.NewAmount(100), types.NewAmount(50))
		require.NoError(t, err, "round %d", r)

		base := RoundReward(r, params)
		capLimit := base / 10 // fee_cap_fraction 0.1
		capped := uint64(100)
		if capped > capLimit {
			capped = capLimit
		}

		var emissionSum, feeSum, aiSum, totalSum uint64
		for _, reward := range dist.ValidatorRewards {
			emissionSum += reward.RoundEmission
			feeSum += reward.TransactionFees
			aiSum += reward.AICommissions
			totalSum += reward.TotalReward
			assert.Equal(t, uint64(0), reward.NetworkDividend)
		}
		assert.Equal(t, base, emissionSum, "P4 emission conservation, round %d", r)
		assert.Equal(t, capped, feeSum, "P4 fee conservation, round %d", r)
		assert.Equal(t, uint64(50), aiSum, "P4 commission conservation, round %d", r)
		assert.Equal(t, dist.TotalReward, totalSum, "validator totals sum to the round total")
		lifetime += totalSum
	}

	assert.Equal(t, uint64(10), tracker.LastRound())
	top := tracker.TopValidators(1)
	require.Len(t, top, 1)
	assert.Equal(t, addr(1), top[0].ValidatorID)
	assert.Zero(t, types.NewAmount(lifetime).Cmp(top[0].Earnings), "lifetime earnings sum across rounds")
}

func TestNonSequentialRoundRejected(t *testing.T) {
	tracker := NewTracker(DefaultParams(), 1_000)

	_, err := tracker.ProcessRound(1, singleContribution(), types.NewAmount(100), types.NewAmount(50))
	require.NoError(t, err)
	before := tracker.Stats()

	_, err = tracker.ProcessRound(3, singleContribution(), types.NewAmount(100), types.NewAmount(50))
	assert.ErrorIs(t, err, ErrNonSequentialRound)

	// P8: a failed round leaves the tracker untouched.
	assert.Equal(t, before, tracker.Stats())
	assert.Equal(t, uint64(1), tracker.LastRound())
}

func TestFreshTrackerAcceptsAnyStartRound(t *testing.T) {
	tracker := NewTracker(DefaultParams(), 1_000)
	_, err := tracker.ProcessRound(5, singleContribution(), types.Amount{}, types.Amount{})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tracker.LastRound())

	_, err = tracker.ProcessRound(0, nil, types.Amount{}, types.Amount{})
	assert.ErrorIs(t, err, ErrNonSequentialRound)
}

func TestEmptyRoundsTracked(t *testing.T) {
	params := DefaultParams()
	tracker := NewTracker(params, 1_000)

	for r := uint64(1); r <= 5; r++ {
		dist, err := tracker.ProcessRound(r, nil, types.Amount{}, types.Amount{})
		require.NoError(t, err)
		assert.Empty(t, dist.ValidatorRewards)
		assert.Equal(t, uint32(0), dist.BlocksInRound)
	}

	assert.Equal(t, uint64(5), tracker.EmptyRounds())
	// Base accounting still advances even with no validator allocation.
	want := types.NewAmount(5 * params.InitialRoundReward)
	assert.Zero(t, want.Cmp(tracker.CumulativeSupply()))
	require.NoError(t, tracker.VerifyConsistency())
}

func TestExcessFeesBurned(t *testing.T) {
	params := DefaultParams() // cap = 10% of 5_000_000 = 500_000
	tracker := NewTracker(params, 1_000)

	dist, err := tracker.ProcessRound(1, singleContribution(), types.NewAmount(600_000), types.Amount{})
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), dist.FeesCollected)
	assert.Equal(t, uint64(100_000), dist.ExcessBurned)
}

func TestSupplyCapEnforcement(t *testing.T) {
	params := Params{
		InitialRoundReward:    1_000_000,
		HalvingIntervalRounds: 10,
		MaxSupply:             1_500_000,
		FeeCapPPM:             100_000,
	}
	tracker := NewTracker(params, 1_000)

	contributions := []Contribution{{
		ValidatorID:     addr(1),
		BlocksProposed:  100,
		BlocksVerified:  100,
		ReputationScore: 10_000,
	}}

	_, err := tracker.ProcessRound(1, contributions, types.Amount{}, types.Amount{})
	require.NoError(t, err)
	_, err = tracker.ProcessRound(2, contributions, types.Amount{}, types.Amount{})
	require.NoError(t, err)
	supplyAtCap := tracker.CumulativeSupply()

	// The cap is fully emitted; the next round is rejected and nothing moves.
	_, err = tracker.ProcessRound(3, contributions, types.Amount{}, types.Amount{})
	assert.ErrorIs(t, err, ErrSupplyCapExceeded)
	finalSupply := tracker.CumulativeSupply()
	assert.Zero(t, supplyAtCap.Cmp(finalSupply))
	assert.LessOrEqual(t, finalSupply.Uint64(), params.MaxSupply, "P5")
}

func TestAuditCheckpointChain(t *testing.T) {
	params := DefaultParams()
	tracker := NewTracker(params, 10)

	for r := uint64(1); r <= 20; r++ {
		_, err := tracker.ProcessRound(r, singleContribution(), types.NewAmount(100), types.NewAmount(50))
		require.NoError(t, err)
	}

	history := tracker.AuditHistory()
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, uint64(10), history[0].Round)
	assert.Equal(t, uint64(20), history[1].Round)
	assert.NotEqual(t, history[0].DistributionHash, history[1].DistributionHash)

	// Changing an earlier (validator, earnings) pair changes every later
	// checkpoint. A sole contributor takes every pot whatever its weight, so
	// round 1 adds a second validator to change the split.
	other := NewTracker(params, 10)
	bigger := []Contribution{{
		ValidatorID:     addr(1),
		BlocksProposed:  9,
		BlocksVerified:  9,
		ReputationScore: 10_000,
	}, {
		ValidatorID:     addr(2),
		BlocksProposed:  1,
		BlocksVerified:  1,
		ReputationScore: 10_000,
	}}
	for r := uint64(1); r <= 20; r++ {
		contrib := singleContribution()
		if r == 1 {
			contrib = bigger
		}
		_, err := other.ProcessRound(r, contrib, types.NewAmount(100), types.NewAmount(50))
		require.NoError(t, err)
	}
	otherHistory := other.AuditHistory()
	require.GreaterOrEqual(t, len(otherHistory), 2)
	assert.NotEqual(t, history[0].DistributionHash, otherHistory[0].DistributionHash)
	assert.NotEqual(t, history[1].DistributionHash, otherHistory[1].DistributionHash)
}

func TestAuditDeterminism(t *testing.T) {
	// P7: replaying the same inputs on two fresh trackers yields identical
	// distribution-hash chains.
	contributions := []Contribution{
		{ValidatorID: addr(1), BlocksProposed: 5, BlocksVerified: 10, ReputationScore: 10_000},
		{ValidatorID: addr(2), BlocksProposed: 3, BlocksVerified: 8, ReputationScore: 9_000},
		{ValidatorID: addr(3), BlocksProposed: 1, BlocksVerified: 2, ReputationScore: 8_000},
	}
	run := func() []types.Hash {
		tracker := NewTracker(DefaultParams(), 5)
		for r := uint64(1); r <= 25; r++ {
			_, err := tracker.ProcessRound(r, contributions, types.NewAmount(123), types.NewAmount(45))
			require.NoError(t, err)
		}
		var hashes []types.Hash
		for _, record := range tracker.AuditHistory() {
			hashes = append(hashes, record.DistributionHash)
		}
		return hashes
	}
	assert.Equal(t, run(), run())
}

func TestWeightedSplitExact(t *testing.T) {
	// Uneven weights force non-zero remainders in every pot; the last
	// contribution absorbs them so each pot is conserved exactly.
	contributions := []Contribution{
		{ValidatorID: addr(1), BlocksProposed: 1, BlocksVerified: 0, ReputationScore: 3},
		{ValidatorID: addr(2), BlocksProposed: 0, BlocksVerified: 1, ReputationScore: 4},
		{ValidatorID: addr(3), BlocksProposed: 0, BlocksVerified: 0, ReputationScore: 0},
	}
	params := DefaultParams()
	tracker := NewTracker(params, 1_000)
	dist, err := tracker.ProcessRound(1, contributions, types.NewAmount(101), types.NewAmount(7))
	require.NoError(t, err)

	var emissionSum, feeSum, aiSum uint64
	for _, reward := range dist.ValidatorRewards {
		emissionSum += reward.RoundEmission
		feeSum += reward.TransactionFees
		aiSum += reward.AICommissions
	}
	assert.Equal(t, RoundReward(1, params), emissionSum)
	assert.Equal(t, uint64(101), feeSum)
	assert.Equal(t, uint64(7), aiSum)
}

func TestInvalidContributionRejected(t *testing.T) {
	tracker := NewTracker(DefaultParams(), 1_000)

	_, err := tracker.ProcessRound(1, []Contribution{{ReputationScore: 1}}, types.Amount{}, types.Amount{})
	assert.ErrorIs(t, err, ErrInvalidContribution, "zero validator id")

	dup := []Contribution{
		{ValidatorID: addr(1), ReputationScore: 1},
		{ValidatorID: addr(1), ReputationScore: 1},
	}
	_, err = tracker.ProcessRound(1, dup, types.Amount{}, types.Amount{})
	assert.ErrorIs(t, err, ErrInvalidContribution, "duplicate validator")

	assert.Equal(t, uint64(0), tracker.LastRound(), "P8: nothing committed")
}

func TestVerifyConsistencyLongRun(t *testing.T) {
	tracker := NewTracker(DefaultParams(), 1_000)
	for r := uint64(1); r <= 100; r++ {
		_, err := tracker.ProcessRound(r, singleContribution(), types.NewAmount(100), types.NewAmount(50))
		require.NoError(t, err)
	}
	require.NoError(t, tracker.VerifyConsistency(), "P6")
	assert.Equal(t, 1, tracker.Stats().ActiveValidators)
}
