package consensus

import "errors"

// Consensus errors. These abort at most the current round.
var (
	ErrNotSelected             = errors.New("validator not selected for round")
	ErrDuplicateProposal       = errors.New("duplicate proposal")
	ErrDuplicateVote           = errors.New("duplicate vote")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrRoundTimedOut           = errors.New("round timed out")
	ErrQuorumNotReached        = errors.New("quorum not reached")
	ErrBlockVerificationFailed = errors.New("block verification failed")
	ErrWrongRound              = errors.New("wrong round number")
	ErrUnknownProposal         = errors.New("vote references unknown proposal")
)
