package consensus

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmrl789/ippan/pkg/emission"
	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/storage"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/validator"
	"github.com/dmrl789/ippan/pkg/wallet"
)

func testNodeKey(t *testing.T) (ed25519.PrivateKey, types.Address) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	addr, err := types.AddressFromPubKey(pub)
	require.NoError(t, err)
	return priv, addr
}

// testGossip is an in-process Gossip for these tests; pkg/network imports
// this package, so its Hub cannot be used here without an import cycle.
type testGossip struct {
	proposals event.Feed
	votes     event.Feed
}

func (g *testGossip) BroadcastBlock(*types.Block)   {}
func (g *testGossip) BroadcastProposal(p *Proposal) { g.proposals.Send(p) }
func (g *testGossip) BroadcastVote(v *Vote)         { g.votes.Send(v) }

func (g *testGossip) SubscribeProposals(ch chan<- *Proposal) event.Subscription {
	return g.proposals.Subscribe(ch)
}

func (g *testGossip) SubscribeVotes(ch chan<- *Vote) event.Subscription {
	return g.votes.Subscribe(ch)
}

type testHarness struct {
	manager *Manager
	store   *storage.MemStore
	pool    *mempool.Pool
	tracker *emission.Tracker
	sender  *wallet.Wallet
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	priv, addr := testNodeKey(t)
	store := storage.NewMemStore()

	sender, err := wallet.Generate()
	require.NoError(t, err)
	account := types.NewAccount(sender.Address())
	account.Balance = types.NewAmount(10_000_000)
	require.NoError(t, store.PutAccount(account))

	clock := hashtimer.NewClock()
	pool := mempool.New(mempool.DefaultConfig(), memReader{store}, clock, nil)

	params := validator.DefaultParams()
	registry := validator.NewRegistry(params)
	require.NoError(t, registry.Register(validator.NewValidator("node1", addr, params.MinStake)))

	tracker := emission.NewTracker(emission.DefaultParams(), 1_000)
	hub := &testGossip{}

	cfg := DefaultConfig()
	cfg.NodeID = "node1"
	cfg.NodeAddress = addr
	cfg.PrivateKey = priv
	cfg.RoundInterval = 50 * time.Millisecond
	cfg.Timeouts = Timeouts{
		Proposal:     50 * time.Millisecond,
		Validation:   100 * time.Millisecond,
		Finalization: 100 * time.Millisecond,
		MaxRound:     time.Second,
	}

	manager := NewManager(cfg, registry, pool, tracker, store, hub, clock, nil, nil)
	manager.ctx, manager.cancel = context.WithCancel(context.Background())
	t.Cleanup(manager.cancel)

	return &testHarness{manager: manager, store: store, pool: pool, tracker: tracker, sender: sender}
}

type memReader struct{ store *storage.MemStore }

func (r memReader) GetAccount(addr types.Address) (*types.Account, error) {
	account, err := r.store.GetAccount(addr)
	if err != nil {
		return nil, nil
	}
	return account, err
}

func (h *testHarness) admitPayment(t *testing.T, nonce uint64) *types.Transaction {
	t.Helper()
	recipient, err := wallet.Generate()
	require.NoError(t, err)
	tx, err := h.sender.NewPayment(recipient.Address(), types.NewAmount(500), nonce)
	require.NoError(t, err)
	require.NoError(t, h.pool.Admit(tx))
	return tx
}

func TestSingleNodeRoundFinalizes(t *testing.T) {
	h := newHarness(t)
	tx := h.admitPayment(t, 0)

	proposalCh := make(chan *Proposal, 8)
	voteCh := make(chan *Vote, 8)
	h.manager.runRound(1, proposalCh, voteCh)

	// The block landed at height 1 with our transaction.
	height, err := h.store.LatestHeight()
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)
	block, err := h.store.GetBlockByHeight(1)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, tx.ID(), block.Transactions[0].ID())

	// Emission advanced and the mempool is drained.
	assert.Equal(t, uint64(1), h.tracker.LastRound())
	assert.Equal(t, 0, h.pool.Len())

	// Sender state reflects the transfer plus the charged fee.
	account, err := h.store.GetAccount(h.sender.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), account.Nonce)
	fee := mempool.EstimateFee(tx, h.pool.Fees())
	want := types.NewAmount(10_000_000).Sub(types.NewAmount(500)).Sub(types.NewAmount(fee))
	assert.Zero(t, want.Cmp(account.Balance))
}

func TestSequentialRoundsAdvanceNonces(t *testing.T) {
	h := newHarness(t)
	proposalCh := make(chan *Proposal, 8)
	voteCh := make(chan *Vote, 8)

	h.admitPayment(t, 0)
	h.manager.runRound(1, proposalCh, voteCh)
	h.admitPayment(t, 1)
	h.manager.runRound(2, proposalCh, voteCh)

	height, err := h.store.LatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), height)
	account, err := h.store.GetAccount(h.sender.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), account.Nonce, "P3: confirmed nonces advance without gaps")
	assert.Equal(t, uint64(2), h.tracker.LastRound())
}

func TestEmptyMempoolStillFinalizes(t *testing.T) {
	h := newHarness(t)
	proposalCh := make(chan *Proposal, 8)
	voteCh := make(chan *Vote, 8)

	h.manager.runRound(1, proposalCh, voteCh)

	height, err := h.store.LatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), height)
	block, err := h.store.GetBlockByHeight(1)
	require.NoError(t, err)
	assert.Empty(t, block.Transactions)
	assert.Equal(t, uint64(1), h.tracker.LastRound())
}

func TestBuildBlockRejectsUnknownReference(t *testing.T) {
	h := newHarness(t)
	tx := h.admitPayment(t, 0)
	missing := types.Blake3([]byte("missing"))

	proposal := &Proposal{
		ValidatorID: "node1",
		Round:       1,
		TxIDs:       []types.Hash{tx.ID(), missing},
		DataHash:    DataHashFor([]types.Hash{tx.ID(), missing}),
	}
	_, err := BuildBlock(proposal, h.pool, memReader{h.store}, h.pool.Fees(), types.Address{}, types.Hash{})
	assert.ErrorIs(t, err, ErrBlockVerificationFailed)
}

func TestBuildBlockOrdersByHashTimer(t *testing.T) {
	h := newHarness(t)
	first := h.admitPayment(t, 0)
	time.Sleep(2 * time.Millisecond)
	second := h.admitPayment(t, 1)

	// Reference ids out of order; the builder must restore HashTimer order.
	ids := []types.Hash{second.ID(), first.ID()}
	proposal := &Proposal{
		ValidatorID: "node1",
		Round:       1,
		TxIDs:       ids,
		DataHash:    DataHashFor(ids),
	}
	result, err := BuildBlock(proposal, h.pool, memReader{h.store}, h.pool.Fees(), types.Address{}, types.Hash{})
	require.NoError(t, err)
	require.Len(t, result.Block.Transactions, 2)
	assert.Equal(t, first.ID(), result.Block.Transactions[0].ID())
	assert.Equal(t, second.ID(), result.Block.Transactions[1].ID())

	fee := mempool.EstimateFee(first, h.pool.Fees()) + mempool.EstimateFee(second, h.pool.Fees())
	assert.Equal(t, fee, result.FeesCollected)
}

func TestLosingProposalReleasesReservations(t *testing.T) {
	h := newHarness(t)
	tx := h.admitPayment(t, 0)

	// A second validator outranks us for this round.
	_, rivalAddr := testNodeKey(t)
	require.NoError(t, h.manager.registry.Register(
		validator.NewValidator("node2", rivalAddr, validator.DefaultParams().MinStake)))

	set := &validator.RoundSet{
		Round:      1,
		Validators: []string{"node2", "node1"},
		Primary:    "node2",
		Backups:    []string{"node1"},
	}
	round := NewRound(1, set, time.Minute, 1)
	require.NoError(t, round.Begin())

	// Our backup proposal drains and reserves the pending transaction.
	reserved := h.manager.propose(round)
	require.Len(t, reserved, 1)
	require.Equal(t, 1, h.pool.GetStats().Reserved)

	// The primary's empty proposal wins on priority.
	rival := &Proposal{
		ValidatorID: "node2",
		Round:       1,
		DataHash:    DataHashFor(nil),
		HashTimer:   hashtimer.New("node2", 50, DataHashFor(nil)),
		Priority:    2,
	}
	require.NoError(t, round.AddProposal(rival))
	require.NoError(t, round.AdvanceToValidating())
	rivalHash := rival.Hash()
	require.NoError(t, round.AddVote(&Vote{
		ValidatorID: "node2", Round: 1, ProposalHash: rivalHash, Approve: true,
		HashTimer: hashtimer.New("node2", 60, rivalHash),
	}))
	require.NoError(t, round.AddVote(&Vote{
		ValidatorID: "node1", Round: 1, ProposalHash: rivalHash, Approve: true,
		HashTimer: hashtimer.New("node1", 61, rivalHash),
	}))
	require.NoError(t, round.AdvanceToFinalizing())

	require.NoError(t, h.manager.finalizeRound(round, reserved))

	// The losing proposal's transaction is no longer reserved: it drains
	// again for the next round instead of being stuck.
	assert.Equal(t, 0, h.pool.GetStats().Reserved)
	assert.Equal(t, 1, h.pool.Len())
	redrained := h.pool.Drain(10, 0)
	require.Len(t, redrained, 1)
	assert.Equal(t, tx.ID(), redrained[0].ID())

	block, err := h.store.GetBlockByHeight(1)
	require.NoError(t, err)
	assert.Empty(t, block.Transactions, "the empty winning proposal produced the block")
}

func TestEmptySelectionRecordsEmptyEmission(t *testing.T) {
	h := newHarness(t)

	// A registry with no eligible validators forces the empty-round path.
	empty := validator.NewRegistry(validator.DefaultParams())
	h.manager.registry = empty

	proposalCh := make(chan *Proposal, 8)
	voteCh := make(chan *Vote, 8)
	h.manager.runRound(1, proposalCh, voteCh)

	height, err := h.store.LatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), height, "no block persisted")
	assert.Equal(t, uint64(1), h.tracker.LastRound(), "emission still advances")
	assert.Equal(t, uint64(1), h.tracker.EmptyRounds())
}
