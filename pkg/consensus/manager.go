package consensus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/dmrl789/ippan/pkg/emission"
	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/storage"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/validator"
)

// Gossip is the broadcast capability the round manager consumes. Delivery is
// best-effort, unordered and possibly duplicated; the manager dedups by id.
type Gossip interface {
	BroadcastBlock(block *types.Block)
	BroadcastProposal(p *Proposal)
	BroadcastVote(v *Vote)
	SubscribeProposals(ch chan<- *Proposal) event.Subscription
	SubscribeVotes(ch chan<- *Vote) event.Subscription
}

// Timeouts split the round budget per phase.
type Timeouts struct {
	Proposal     time.Duration `yaml:"proposal"`
	Validation   time.Duration `yaml:"validation"`
	Finalization time.Duration `yaml:"finalization"`
	MaxRound     time.Duration `yaml:"max_round"`
}

// DefaultTimeouts returns the phase budgets used on mainnet.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Proposal:     5 * time.Second,
		Validation:   10 * time.Second,
		Finalization: 15 * time.Second,
		MaxRound:     30 * time.Second,
	}
}

// Config parameterizes the round manager.
type Config struct {
	NodeID        string
	NodeAddress   types.Address
	PrivateKey    ed25519.PrivateKey
	RoundInterval time.Duration
	Timeouts      Timeouts
	MinVotesFloor int
	DrainMaxN     int
	DrainMaxBytes int
}

// DefaultConfig returns manager defaults for a single-node devnet.
func DefaultConfig() Config {
	return Config{
		RoundInterval: 10 * time.Second,
		Timeouts:      DefaultTimeouts(),
		MinVotesFloor: 1,
		DrainMaxN:     1_000,
		DrainMaxBytes: 1 << 20,
	}
}

// Manager drives rounds as a single actor: one goroutine owns the round state
// machine and selects over the timer, the proposal inbox, the vote inbox and
// shutdown. Proposals and votes arriving for other rounds are dropped.
type Manager struct {
	cfg      Config
	registry *validator.Registry
	pool     *mempool.Pool
	tracker  *emission.Tracker
	store    storage.Store
	gossip   Gossip
	clock    *hashtimer.Clock
	log      *zap.Logger
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	running  bool
	current  *Round
	lastHash types.Hash
	height   uint64
	fatalErr error
}

// NewManager wires the round manager. Metrics may be nil.
func NewManager(
	cfg Config,
	registry *validator.Registry,
	pool *mempool.Pool,
	tracker *emission.Tracker,
	store storage.Store,
	gossip Gossip,
	clock *hashtimer.Clock,
	log *zap.Logger,
	metrics *Metrics,
) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = hashtimer.NewClock()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		tracker:  tracker,
		store:    store,
		gossip:   gossip,
		clock:    clock,
		log:      log.Named("consensus"),
		metrics:  metrics,
	}
}

// Start launches the round loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("consensus already running")
	}
	height, err := m.store.LatestHeight()
	if err != nil {
		return fmt.Errorf("read latest height: %w", err)
	}
	m.height = height
	if height > 0 {
		block, err := m.store.GetBlockByHeight(height)
		if err != nil {
			return fmt.Errorf("read tip block: %w", err)
		}
		m.lastHash = block.Hash()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.wg.Add(1)
	go m.roundLoop()
	m.log.Info("round manager started",
		zap.Uint64("height", height),
		zap.Duration("round_interval", m.cfg.RoundInterval))
	return nil
}

// Stop halts the round loop and waits for the in-flight round to settle.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
	m.log.Info("round manager stopped")
	return nil
}

// Height returns the latest finalized height.
func (m *Manager) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// FatalErr reports a halt condition (supply cap or invariant violation). The
// node keeps serving reads but produces no further blocks.
func (m *Manager) FatalErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fatalErr
}

// Status summarizes consensus state for the RPC view.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := map[string]interface{}{
		"running":     m.running,
		"height":      m.height,
		"last_hash":   m.lastHash.Hex(),
		"node_id":     m.cfg.NodeID,
		"round":       uint64(0),
		"round_state": "idle",
		"quorum":      0,
		"halted":      m.fatalErr != nil,
	}
	if m.current != nil {
		status["round"] = m.current.Number
		status["round_state"] = m.current.State().String()
		status["quorum"] = m.current.MinVotesRequired
	}
	return status
}

// roundLoop runs rounds at the configured cadence.
func (m *Manager) roundLoop() {
	defer m.wg.Done()

	proposalCh := make(chan *Proposal, 64)
	voteCh := make(chan *Vote, 256)
	proposalSub := m.gossip.SubscribeProposals(proposalCh)
	voteSub := m.gossip.SubscribeVotes(voteCh)
	defer proposalSub.Unsubscribe()
	defer voteSub.Unsubscribe()

	ticker := time.NewTicker(m.cfg.RoundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.FatalErr() != nil {
				return
			}
			// Round numbers advance even for timed-out rounds, so the next
			// round comes from the tracker, not the block height.
			m.runRound(m.tracker.LastRound()+1, proposalCh, voteCh)
			m.pool.EvictExpired()
		}
	}
}

// runRound drives one round through the state machine.
func (m *Manager) runRound(roundNum uint64, proposalCh <-chan *Proposal, voteCh <-chan *Vote) {
	set := m.registry.SelectRound(roundNum)
	if set.Size() == 0 {
		m.log.Warn("no eligible validators, recording empty round", zap.Uint64("round", roundNum))
		m.settleEmptyRound(roundNum)
		return
	}

	round := NewRound(roundNum, set, m.cfg.Timeouts.MaxRound, m.cfg.MinVotesFloor)
	m.setCurrent(round)
	if err := round.Begin(); err != nil {
		m.log.Error("round begin failed", zap.Error(err))
		return
	}
	m.log.Debug("round started",
		zap.Uint64("round", roundNum),
		zap.String("primary", set.Primary),
		zap.Int("validators", set.Size()),
		zap.Int("quorum", round.MinVotesRequired))

	var reserved []types.Hash
	if set.Contains(m.cfg.NodeID) {
		reserved = m.propose(round)
	}

	if !m.collectPhase(round, proposalCh, voteCh) {
		m.timeoutRound(round, reserved)
		return
	}
	if err := round.AdvanceToValidating(); err != nil {
		m.timeoutRound(round, reserved)
		return
	}

	if set.Contains(m.cfg.NodeID) {
		m.voteOnLeader(round)
	}
	if !m.validatePhase(round, voteCh) {
		m.timeoutRound(round, reserved)
		return
	}
	if err := round.AdvanceToFinalizing(); err != nil {
		m.timeoutRound(round, reserved)
		return
	}

	if err := m.finalizeRound(round, reserved); err != nil {
		m.log.Warn("round finalization failed",
			zap.Uint64("round", round.Number), zap.Error(err))
		m.timeoutRound(round, reserved)
		return
	}
}

// propose drains the mempool into a proposal and broadcasts it. The drained
// transactions stay reserved until the round settles.
func (m *Manager) propose(round *Round) []types.Hash {
	txs := m.pool.Drain(m.cfg.DrainMaxN, m.cfg.DrainMaxBytes)
	ids := make([]types.Hash, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	priority := uint64(1)
	if round.Set.Primary == m.cfg.NodeID {
		priority = 2
	}
	proposal := &Proposal{
		ValidatorID: m.cfg.NodeID,
		Round:       round.Number,
		DataHash:    DataHashFor(ids),
		TxIDs:       ids,
		HashTimer:   hashtimer.New(m.cfg.NodeID, m.clock.NowUs(), DataHashFor(ids)),
		Priority:    priority,
	}
	proposal.Sign(m.cfg.PrivateKey)
	if err := round.AddProposal(proposal); err != nil {
		m.log.Warn("own proposal rejected", zap.Error(err))
		m.pool.Release(ids)
		return nil
	}
	m.gossip.BroadcastProposal(proposal)
	return ids
}

// collectPhase gathers proposals until the early-advance threshold, the
// proposal timeout (with at least one proposal), or round expiry.
func (m *Manager) collectPhase(round *Round, proposalCh <-chan *Proposal, voteCh <-chan *Vote) bool {
	timeout := time.NewTimer(m.cfg.Timeouts.Proposal)
	defer timeout.Stop()
	for {
		if round.SufficientProposals() {
			return true
		}
		if round.Expired(time.Now()) {
			return false
		}
		select {
		case <-m.ctx.Done():
			return false
		case p := <-proposalCh:
			m.acceptProposal(round, p)
		case <-voteCh:
			// Early votes for this round are dropped; validators re-vote in
			// the Validating phase.
		case <-timeout.C:
			return round.Proposals() > 0
		}
	}
}

// acceptProposal validates origin and signature before the state machine.
func (m *Manager) acceptProposal(round *Round, p *Proposal) {
	v, ok := m.registry.Get(p.ValidatorID)
	if !ok || !p.VerifySignature(v.Address) {
		m.log.Debug("dropping proposal with bad origin", zap.String("validator", p.ValidatorID))
		return
	}
	if err := round.AddProposal(p); err != nil {
		m.log.Debug("proposal rejected", zap.String("validator", p.ValidatorID), zap.Error(err))
	}
}

// voteOnLeader approves the current leading proposal.
func (m *Manager) voteOnLeader(round *Round) {
	leader := round.LeadingProposal()
	if leader == nil {
		return
	}
	hash := leader.Hash()
	vote := &Vote{
		ValidatorID:  m.cfg.NodeID,
		Round:        round.Number,
		ProposalHash: hash,
		Approve:      true,
		HashTimer:    hashtimer.New(m.cfg.NodeID, m.clock.NowUs(), hash),
	}
	vote.Sign(m.cfg.PrivateKey)
	if err := round.AddVote(vote); err != nil {
		m.log.Warn("own vote rejected", zap.Error(err))
		return
	}
	m.gossip.BroadcastVote(vote)
}

// validatePhase gathers votes until quorum, the validation timeout, or round
// expiry.
func (m *Manager) validatePhase(round *Round, voteCh <-chan *Vote) bool {
	timeout := time.NewTimer(m.cfg.Timeouts.Validation)
	defer timeout.Stop()
	for {
		if _, ok := round.HasQuorum(); ok {
			return true
		}
		if round.Expired(time.Now()) {
			return false
		}
		select {
		case <-m.ctx.Done():
			return false
		case v := <-voteCh:
			m.acceptVote(round, v)
		case <-timeout.C:
			_, ok := round.HasQuorum()
			return ok
		}
	}
}

// acceptVote validates origin and signature before the state machine.
func (m *Manager) acceptVote(round *Round, v *Vote) {
	rec, ok := m.registry.Get(v.ValidatorID)
	if !ok || !v.VerifySignature(rec.Address) {
		m.log.Debug("dropping vote with bad origin", zap.String("validator", v.ValidatorID))
		return
	}
	if err := round.AddVote(v); err != nil {
		m.log.Debug("vote rejected", zap.String("validator", v.ValidatorID), zap.Error(err))
	}
}

// finalizeRound builds the block from the winning proposal, persists it
// atomically, settles the emission distribution and completes the round.
// reserved carries this node's own drained tx ids; whatever the winning block
// did not include is released back to the pool.
func (m *Manager) finalizeRound(round *Round, reserved []types.Hash) error {
	winner, err := round.Finalize()
	if err != nil {
		return err
	}

	result, err := BuildBlock(winner, m.pool, m.storeAccounts(), m.pool.Fees(), m.creatorOf(winner), m.lastTip())
	if err != nil {
		return err
	}

	contributions := m.contributionsFor(round, winner)
	distribution, err := m.tracker.ProcessRound(
		round.Number, contributions, types.NewAmount(result.FeesCollected), types.Amount{})
	if err != nil {
		if m.isFatal(err) {
			m.halt(err)
		}
		return err
	}

	commit := &storage.BlockCommit{Block: result.Block, Accounts: result.Accounts}
	if record, ok := m.latestAuditRecord(round.Number); ok {
		commit.AuditRecords = append(commit.AuditRecords, record)
	}
	height := m.Height() + 1
	if err := m.store.CommitBlock(height, commit); err != nil {
		// One retry per the storage contract; a second failure is fatal.
		if retryErr := m.store.CommitBlock(height, commit); retryErr != nil {
			m.halt(fmt.Errorf("block commit failed twice: %w", retryErr))
			return retryErr
		}
	}

	if err := round.Complete(); err != nil {
		return err
	}

	m.pool.RemoveConfirmed(winner.TxIDs)
	m.releaseUnconfirmed(reserved, winner.TxIDs)
	m.gossip.BroadcastBlock(result.Block)
	m.recordWork(round, winner)

	blockHash := result.Block.Hash()
	m.mu.Lock()
	m.height = height
	m.lastHash = blockHash
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RoundsFinalized.Inc()
		m.metrics.ChainHeight.Set(float64(height))
		m.metrics.TxsConfirmed.Add(float64(len(result.Block.Transactions)))
	}
	m.log.Info("round finalized",
		zap.Uint64("round", round.Number),
		zap.Uint64("height", height),
		zap.String("block", blockHash.Hex()[:16]),
		zap.Int("txs", len(result.Block.Transactions)),
		zap.Uint64("reward", distribution.TotalReward))
	return nil
}

// releaseUnconfirmed frees reservations from this node's own proposal that
// the finalized block did not include, so losing-proposal transactions become
// drainable (and evictable) again in later rounds.
func (m *Manager) releaseUnconfirmed(reserved, confirmed []types.Hash) {
	if len(reserved) == 0 {
		return
	}
	included := make(map[types.Hash]struct{}, len(confirmed))
	for _, id := range confirmed {
		included[id] = struct{}{}
	}
	leftover := make([]types.Hash, 0, len(reserved))
	for _, id := range reserved {
		if _, ok := included[id]; !ok {
			leftover = append(leftover, id)
		}
	}
	if len(leftover) > 0 {
		m.pool.Release(leftover)
	}
}

// timeoutRound releases reservations and records an empty round.
func (m *Manager) timeoutRound(round *Round, reserved []types.Hash) {
	if err := round.MarkTimedOut(); err == nil {
		m.log.Warn("round timed out",
			zap.Uint64("round", round.Number),
			zap.String("state", round.State().String()),
			zap.Int("proposals", round.Proposals()),
			zap.Int("votes", round.Votes()))
	}
	m.pool.Release(reserved)
	// Late failures can land here after the tracker already advanced past
	// this round; don't double-process it.
	if m.tracker.LastRound() < round.Number {
		m.settleEmptyRound(round.Number)
	}
	if m.metrics != nil {
		m.metrics.RoundsTimedOut.Inc()
	}
}

// settleEmptyRound advances emission for a round that produced no block.
func (m *Manager) settleEmptyRound(roundNum uint64) {
	if _, err := m.tracker.ProcessRound(roundNum, nil, types.Amount{}, types.Amount{}); err != nil {
		if m.isFatal(err) {
			m.halt(err)
			return
		}
		m.log.Error("empty round emission failed", zap.Uint64("round", roundNum), zap.Error(err))
	}
}

// contributionsFor derives emission contributions in selection order: the
// winning proposer counts one proposed block, every approving voter one
// verified block (a proposer that voted gets both); reputation comes from the
// registry's performance score scaled to basis points.
func (m *Manager) contributionsFor(round *Round, winner *Proposal) []emission.Contribution {
	approved := make(map[string]bool)
	for _, voter := range round.ApprovingVoters() {
		approved[voter] = true
	}
	var out []emission.Contribution
	for _, id := range round.Set.Validators {
		var proposed, verified uint32
		if id == winner.ValidatorID {
			proposed = 1
		}
		if approved[id] {
			verified = 1
		}
		if proposed == 0 && verified == 0 {
			continue
		}
		v, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, emission.Contribution{
			ValidatorID:     v.Address,
			BlocksProposed:  proposed,
			BlocksVerified:  verified,
			ReputationScore: v.PerformanceScore * 10_000,
		})
	}
	return out
}

// recordWork updates validator lifetime counters after a finalized round.
func (m *Manager) recordWork(round *Round, winner *Proposal) {
	approved := make(map[string]bool)
	for _, voter := range round.ApprovingVoters() {
		approved[voter] = true
	}
	for _, id := range round.Set.Validators {
		var proposed, verified uint64
		if id == winner.ValidatorID {
			proposed = 1
		}
		if approved[id] {
			verified = 1
		}
		if proposed == 0 && verified == 0 {
			continue
		}
		if err := m.registry.RecordWork(id, proposed, verified); err != nil {
			m.log.Debug("record validator work", zap.Error(err))
		}
	}
}

// latestAuditRecord serializes the newest audit checkpoint if it was emitted
// at this round.
func (m *Manager) latestAuditRecord(roundNum uint64) ([]byte, bool) {
	history := m.tracker.AuditHistory()
	if len(history) == 0 {
		return nil, false
	}
	last := history[len(history)-1]
	if last.Round != roundNum {
		return nil, false
	}
	raw, err := json.Marshal(&last)
	if err != nil {
		m.log.Error("encode audit record", zap.Error(err))
		return nil, false
	}
	return raw, true
}

func (m *Manager) isFatal(err error) bool {
	return errors.Is(err, emission.ErrSupplyCapExceeded)
}

// halt stops block production but leaves read paths alive.
func (m *Manager) halt(err error) {
	m.mu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.mu.Unlock()
	m.log.Error("consensus halted", zap.Error(err))
}

func (m *Manager) setCurrent(round *Round) {
	m.mu.Lock()
	m.current = round
	m.mu.Unlock()
}

func (m *Manager) lastTip() types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHash
}

func (m *Manager) creatorOf(winner *Proposal) types.Address {
	if v, ok := m.registry.Get(winner.ValidatorID); ok {
		return v.Address
	}
	return types.Address{}
}

func (m *Manager) storeAccounts() mempool.AccountReader { return storeReader{m.store} }

// storeReader adapts storage.Store to the mempool's account reader.
type storeReader struct{ store storage.Store }

func (r storeReader) GetAccount(addr types.Address) (*types.Account, error) {
	return r.store.GetAccount(addr)
}
