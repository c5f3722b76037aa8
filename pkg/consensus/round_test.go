package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/validator"
)

func testSet(round uint64, ids ...string) *validator.RoundSet {
	set := &validator.RoundSet{Round: round, Validators: ids}
	if len(ids) > 0 {
		set.Primary = ids[0]
		set.Backups = ids[1:]
	}
	return set
}

func testProposal(validatorID string, round uint64, priority uint64) *Proposal {
	return &Proposal{
		ValidatorID: validatorID,
		Round:       round,
		DataHash:    types.Blake3([]byte(validatorID)),
		HashTimer:   hashtimer.New(validatorID, 100+priority, types.Blake3([]byte(validatorID))),
		Priority:    priority,
	}
}

func approveVote(validatorID string, round uint64, proposalHash types.Hash, approve bool) *Vote {
	return &Vote{
		ValidatorID:  validatorID,
		Round:        round,
		ProposalHash: proposalHash,
		Approve:      approve,
		HashTimer:    hashtimer.New(validatorID, 200, proposalHash),
	}
}

func TestQuorumComputation(t *testing.T) {
	cases := []struct {
		validators int
		quorum     int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {6, 4}, {7, 5},
	}
	for _, tc := range cases {
		ids := make([]string, tc.validators)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		round := NewRound(1, testSet(1, ids...), time.Minute, 1)
		assert.Equal(t, tc.quorum, round.MinVotesRequired, "n=%d", tc.validators)
	}
}

func TestStateTransitions(t *testing.T) {
	round := NewRound(1, testSet(1, "a", "b", "c"), time.Minute, 1)
	assert.Equal(t, StateInitializing, round.State())

	// Out-of-order transitions fail.
	assert.ErrorIs(t, round.AdvanceToValidating(), ErrInvalidStateTransition)
	assert.ErrorIs(t, round.AddProposal(testProposal("a", 1, 1)), ErrInvalidStateTransition)

	require.NoError(t, round.Begin())
	assert.Equal(t, StateCollecting, round.State())
	assert.ErrorIs(t, round.Begin(), ErrInvalidStateTransition)

	require.NoError(t, round.AddProposal(testProposal("a", 1, 1)))
	require.NoError(t, round.AdvanceToValidating())
	assert.Equal(t, StateValidating, round.State())

	// No proposals accepted after Collecting.
	assert.ErrorIs(t, round.AddProposal(testProposal("b", 1, 1)), ErrInvalidStateTransition)
}

func TestProposalRules(t *testing.T) {
	round := NewRound(5, testSet(5, "a", "b"), time.Minute, 1)
	require.NoError(t, round.Begin())

	assert.ErrorIs(t, round.AddProposal(testProposal("outsider", 5, 1)), ErrNotSelected)
	assert.ErrorIs(t, round.AddProposal(testProposal("a", 4, 1)), ErrWrongRound)

	require.NoError(t, round.AddProposal(testProposal("a", 5, 1)))
	assert.ErrorIs(t, round.AddProposal(testProposal("a", 5, 2)), ErrDuplicateProposal)
}

func TestVoteRules(t *testing.T) {
	round := NewRound(1, testSet(1, "a", "b", "c"), time.Minute, 1)
	require.NoError(t, round.Begin())
	proposal := testProposal("a", 1, 1)
	require.NoError(t, round.AddProposal(proposal))
	require.NoError(t, round.AdvanceToValidating())
	hash := proposal.Hash()

	assert.ErrorIs(t, round.AddVote(approveVote("outsider", 1, hash, true)), ErrNotSelected)
	assert.ErrorIs(t, round.AddVote(approveVote("a", 2, hash, true)), ErrWrongRound)
	assert.ErrorIs(t, round.AddVote(approveVote("a", 1, types.Blake3([]byte("x")), true)), ErrUnknownProposal)

	require.NoError(t, round.AddVote(approveVote("a", 1, hash, true)))
	assert.ErrorIs(t, round.AddVote(approveVote("a", 1, hash, true)), ErrDuplicateVote)
}

func TestByzantineVoteDrop(t *testing.T) {
	// 4 selected validators, quorum 3: two approvals and one disapproval must
	// not finalize; a third approval unlocks it; otherwise the round times
	// out and no block is persisted.
	round := NewRound(1, testSet(1, "a", "b", "c", "d"), 50*time.Millisecond, 1)
	require.Equal(t, 3, round.MinVotesRequired)
	require.NoError(t, round.Begin())

	proposal := testProposal("a", 1, 2)
	require.NoError(t, round.AddProposal(proposal))
	require.NoError(t, round.AdvanceToValidating())
	hash := proposal.Hash()

	require.NoError(t, round.AddVote(approveVote("a", 1, hash, true)))
	require.NoError(t, round.AddVote(approveVote("b", 1, hash, true)))
	require.NoError(t, round.AddVote(approveVote("c", 1, hash, false)))

	_, ok := round.HasQuorum()
	assert.False(t, ok)
	assert.ErrorIs(t, round.AdvanceToFinalizing(), ErrQuorumNotReached)

	// Timeout path: the round is abandoned without a block.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, round.Expired(time.Now()))
	require.NoError(t, round.MarkTimedOut())
	assert.Equal(t, StateTimedOut, round.State())
	_, hasHash := round.ConsensusHash()
	assert.False(t, hasHash)

	// Fresh replay with the third approval arriving in time.
	round2 := NewRound(1, testSet(1, "a", "b", "c", "d"), time.Minute, 1)
	require.NoError(t, round2.Begin())
	proposal2 := testProposal("a", 1, 2)
	require.NoError(t, round2.AddProposal(proposal2))
	require.NoError(t, round2.AdvanceToValidating())
	hash2 := proposal2.Hash()
	require.NoError(t, round2.AddVote(approveVote("a", 1, hash2, true)))
	require.NoError(t, round2.AddVote(approveVote("b", 1, hash2, true)))
	require.NoError(t, round2.AddVote(approveVote("c", 1, hash2, false)))
	require.NoError(t, round2.AddVote(approveVote("d", 1, hash2, true)))
	require.NoError(t, round2.AdvanceToFinalizing())
	winner, err := round2.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "a", winner.ValidatorID)
}

func TestFinalizeTieBreak(t *testing.T) {
	round := NewRound(1, testSet(1, "a", "b", "c"), time.Minute, 1)
	require.NoError(t, round.Begin())

	// Highest priority wins outright.
	low := testProposal("a", 1, 1)
	high := testProposal("b", 1, 5)
	require.NoError(t, round.AddProposal(low))
	require.NoError(t, round.AddProposal(high))
	assert.Equal(t, "b", round.LeadingProposal().ValidatorID)

	// Equal priority: lower HashTimer wins.
	tie := NewRound(2, testSet(2, "a", "b"), time.Minute, 1)
	require.NoError(t, tie.Begin())
	early := testProposal("a", 2, 3)
	early.HashTimer = hashtimer.New("a", 10, early.DataHash)
	late := testProposal("b", 2, 3)
	late.HashTimer = hashtimer.New("b", 20, late.DataHash)
	require.NoError(t, tie.AddProposal(late))
	require.NoError(t, tie.AddProposal(early))
	assert.Equal(t, "a", tie.LeadingProposal().ValidatorID)
}

func TestSufficientProposalsThreshold(t *testing.T) {
	round := NewRound(1, testSet(1, "a", "b", "c", "d"), time.Minute, 1)
	require.NoError(t, round.Begin())
	require.NoError(t, round.AddProposal(testProposal("a", 1, 1)))
	require.NoError(t, round.AddProposal(testProposal("b", 1, 1)))
	assert.False(t, round.SufficientProposals(), "⌈4/2⌉+1 = 3 proposals required")
	require.NoError(t, round.AddProposal(testProposal("c", 1, 1)))
	assert.True(t, round.SufficientProposals())
}

func TestProposalSignatureRoundTrip(t *testing.T) {
	priv, addr := testNodeKey(t)
	proposal := testProposal("a", 1, 1)
	proposal.Sign(priv)
	assert.True(t, proposal.VerifySignature(addr))

	proposal.Priority = 99
	assert.False(t, proposal.VerifySignature(addr), "mutation breaks the signature")

	vote := approveVote("a", 1, proposal.Hash(), true)
	vote.Sign(priv)
	assert.True(t, vote.VerifySignature(addr))
	vote.Approve = false
	assert.False(t, vote.VerifySignature(addr))
}
