package consensus

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/validator"
)

// State is a round's position in its lifecycle.
type State int

const (
	StateInitializing State = iota
	StateCollecting
	StateValidating
	StateFinalizing
	StateCompleted
	StateTimedOut
)

// String renders the state for logs and the RPC view.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateCollecting:
		return "collecting"
	case StateValidating:
		return "validating"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Round tracks one consensus cycle: proposal collection, voting and
// finalization. It holds the validator selection by value and is driven by a
// single round-manager goroutine, so it needs no internal locking.
type Round struct {
	Number    uint64
	StartTime time.Time
	Set       *validator.RoundSet

	MinVotesRequired int
	MaxDuration      time.Duration

	state         State
	proposals     map[string]*Proposal   // proposer id -> proposal
	votes         map[string]*Vote       // voter id -> vote
	byHash        map[types.Hash]*Proposal
	consensusHash *types.Hash
	winner        *Proposal
}

// NewRound creates a round in Initializing with the byzantine-tolerant quorum
// ⌈2/3·n⌉, floored at minVotesFloor.
func NewRound(number uint64, set *validator.RoundSet, maxDuration time.Duration, minVotesFloor int) *Round {
	quorum := (2*set.Size() + 2) / 3 // ⌈2n/3⌉
	if quorum < minVotesFloor {
		quorum = minVotesFloor
	}
	return &Round{
		Number:           number,
		StartTime:        time.Now(),
		Set:              set,
		MinVotesRequired: quorum,
		MaxDuration:      maxDuration,
		state:            StateInitializing,
		proposals:        make(map[string]*Proposal),
		votes:            make(map[string]*Vote),
		byHash:           make(map[types.Hash]*Proposal),
	}
}

// State returns the current state.
func (r *Round) State() State { return r.state }

// ConsensusHash returns the finalized proposal hash, if any.
func (r *Round) ConsensusHash() (types.Hash, bool) {
	if r.consensusHash == nil {
		return types.Hash{}, false
	}
	return *r.consensusHash, true
}

// Winner returns the finalized proposal, if any.
func (r *Round) Winner() *Proposal { return r.winner }

// Proposals returns the number of collected proposals.
func (r *Round) Proposals() int { return len(r.proposals) }

// Votes returns the number of collected votes.
func (r *Round) Votes() int { return len(r.votes) }

// Expired reports whether the round exceeded its maximum duration.
func (r *Round) Expired(now time.Time) bool {
	return r.MaxDuration > 0 && now.Sub(r.StartTime) > r.MaxDuration
}

// Begin moves Initializing → Collecting.
func (r *Round) Begin() error {
	if r.state != StateInitializing {
		return fmt.Errorf("%w: begin from %s", ErrInvalidStateTransition, r.state)
	}
	r.state = StateCollecting
	return nil
}

// AddProposal accepts a proposal during Collecting from a selected validator,
// at most one per validator, for this round only.
func (r *Round) AddProposal(p *Proposal) error {
	if r.state != StateCollecting {
		return fmt.Errorf("%w: proposal in %s", ErrInvalidStateTransition, r.state)
	}
	if p.Round != r.Number {
		return fmt.Errorf("%w: proposal for round %d in round %d", ErrWrongRound, p.Round, r.Number)
	}
	if !r.Set.Contains(p.ValidatorID) {
		return fmt.Errorf("%w: %s", ErrNotSelected, p.ValidatorID)
	}
	if _, exists := r.proposals[p.ValidatorID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProposal, p.ValidatorID)
	}
	r.proposals[p.ValidatorID] = p
	r.byHash[p.Hash()] = p
	return nil
}

// AddVote accepts a vote during Validating from a selected validator, at most
// one per validator, bound to a known proposal.
func (r *Round) AddVote(v *Vote) error {
	if r.state != StateValidating {
		return fmt.Errorf("%w: vote in %s", ErrInvalidStateTransition, r.state)
	}
	if v.Round != r.Number {
		return fmt.Errorf("%w: vote for round %d in round %d", ErrWrongRound, v.Round, r.Number)
	}
	if !r.Set.Contains(v.ValidatorID) {
		return fmt.Errorf("%w: %s", ErrNotSelected, v.ValidatorID)
	}
	if _, exists := r.votes[v.ValidatorID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVote, v.ValidatorID)
	}
	if _, known := r.byHash[v.ProposalHash]; !known {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, v.ProposalHash.Hex())
	}
	r.votes[v.ValidatorID] = v
	return nil
}

// SufficientProposals reports whether Collecting can advance early:
// proposals ≥ ⌈n/2⌉ + 1.
func (r *Round) SufficientProposals() bool {
	return len(r.proposals) >= (r.Set.Size()+1)/2+1
}

// Approvals counts approving votes for the proposal with hash proposalHash.
func (r *Round) Approvals(proposalHash types.Hash) int {
	count := 0
	for _, v := range r.votes {
		if v.Approve && v.ProposalHash == proposalHash {
			count++
		}
	}
	return count
}

// HasQuorum reports whether any proposal holds MinVotesRequired approvals.
func (r *Round) HasQuorum() (types.Hash, bool) {
	for hash := range r.byHash {
		if r.Approvals(hash) >= r.MinVotesRequired {
			return hash, true
		}
	}
	return types.Hash{}, false
}

// AdvanceToValidating moves Collecting → Validating; no further proposals are
// accepted.
func (r *Round) AdvanceToValidating() error {
	if r.state != StateCollecting {
		return fmt.Errorf("%w: validate from %s", ErrInvalidStateTransition, r.state)
	}
	if len(r.proposals) == 0 {
		return fmt.Errorf("%w: no proposals collected", ErrQuorumNotReached)
	}
	r.state = StateValidating
	return nil
}

// AdvanceToFinalizing moves Validating → Finalizing once quorum is reached.
func (r *Round) AdvanceToFinalizing() error {
	if r.state != StateValidating {
		return fmt.Errorf("%w: finalize from %s", ErrInvalidStateTransition, r.state)
	}
	if _, ok := r.HasQuorum(); !ok {
		return fmt.Errorf("%w: %d votes cast, %d approvals required", ErrQuorumNotReached, len(r.votes), r.MinVotesRequired)
	}
	r.state = StateFinalizing
	return nil
}

// LeadingProposal returns the proposal that would win finalization now:
// highest priority, ties broken by lower HashTimer then lex proposer id.
func (r *Round) LeadingProposal() *Proposal {
	var best *Proposal
	for _, p := range r.proposals {
		if best == nil || proposalLess(best, p) {
			best = p
		}
	}
	return best
}

// proposalLess reports whether b beats a.
func proposalLess(a, b *Proposal) bool {
	if a.Priority != b.Priority {
		return b.Priority > a.Priority
	}
	if c := hashtimer.Compare(b.HashTimer, a.HashTimer); c != 0 {
		return c < 0
	}
	return bytes.Compare([]byte(b.ValidatorID), []byte(a.ValidatorID)) < 0
}

// Finalize records the winning proposal and its consensus hash.
func (r *Round) Finalize() (*Proposal, error) {
	if r.state != StateFinalizing {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidStateTransition, r.state)
	}
	winner := r.LeadingProposal()
	if winner == nil {
		return nil, fmt.Errorf("%w: no proposals", ErrQuorumNotReached)
	}
	hash := winner.Hash()
	r.consensusHash = &hash
	r.winner = winner
	return winner, nil
}

// Complete moves Finalizing → Completed after the block persisted.
func (r *Round) Complete() error {
	if r.state != StateFinalizing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidStateTransition, r.state)
	}
	r.state = StateCompleted
	return nil
}

// MarkTimedOut records expiry from any non-terminal state.
func (r *Round) MarkTimedOut() error {
	if r.state == StateCompleted || r.state == StateTimedOut {
		return fmt.Errorf("%w: timeout from %s", ErrInvalidStateTransition, r.state)
	}
	r.state = StateTimedOut
	return nil
}

// ApprovingVoters returns the ids of validators with an approving vote on the
// finalized proposal.
func (r *Round) ApprovingVoters() []string {
	if r.consensusHash == nil {
		return nil
	}
	var out []string
	for id, v := range r.votes {
		if v.Approve && v.ProposalHash == *r.consensusHash {
			out = append(out, id)
		}
	}
	return out
}
