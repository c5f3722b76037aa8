// Package mempool admits, orders and surfaces pending transactions.
//
// Transactions are keyed by id, indexed by (sender, nonce) and drained in
// HashTimer order under per-sender nonce monotonicity. Admission is serialized
// per sender shard (shard key: first address byte), so nonce checks never race
// for one sender while unrelated senders proceed concurrently.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/types"
)

// Admission and capacity errors.
var (
	ErrNonceGap             = errors.New("nonce gap")
	ErrNonceReused          = errors.New("nonce reused")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrFeeTooLow            = errors.New("fee too low")
	ErrTimestampSkew        = errors.New("timestamp skew")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrMempoolFull          = errors.New("mempool full")
)

const shardCount = 16

// AccountReader resolves confirmed account state during admission.
type AccountReader interface {
	GetAccount(addr types.Address) (*types.Account, error)
}

// Config bounds the pool.
type Config struct {
	MaxTransactions int
	MaxPerSender    int
	Lifetime        time.Duration
	ToleranceUs     uint64
	Fees            FeeParams
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTransactions: 100_000,
		MaxPerSender:    64,
		Lifetime:        30 * time.Minute,
		ToleranceUs:     hashtimer.DefaultToleranceUs,
		Fees:            DefaultFeeParams(),
	}
}

// poolTx wraps a pending transaction with admission metadata.
type poolTx struct {
	tx       *types.Transaction
	id       types.Hash
	fee      uint64
	size     int
	addedAt  time.Time
	reserved bool // held by an in-flight proposal; immune to eviction
}

// feeDensity orders eviction candidates: lowest fee per byte goes first.
func (p *poolTx) feeDensity() float64 {
	if p.size == 0 {
		return float64(p.fee)
	}
	return float64(p.fee) / float64(p.size)
}

// Stats is a snapshot for the RPC view.
type Stats struct {
	Pending  int `json:"pending"`
	Reserved int `json:"reserved"`
	Bytes    int `json:"bytes"`
	Senders  int `json:"senders"`
}

// Pool is the mempool.
type Pool struct {
	cfg      Config
	accounts AccountReader
	clock    *hashtimer.Clock
	log      *zap.Logger

	shards [shardCount]sync.Mutex // serializes admission per sender shard

	mu       sync.RWMutex
	all      map[types.Hash]*poolTx
	bySender map[types.Address]map[uint64]*poolTx // nonce -> tx
	bytes    int
}

// New creates a pool over the confirmed-state reader and consensus clock.
func New(cfg Config, accounts AccountReader, clock *hashtimer.Clock, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = hashtimer.NewClock()
	}
	return &Pool{
		cfg:      cfg,
		accounts: accounts,
		clock:    clock,
		log:      log.Named("mempool"),
		all:      make(map[types.Hash]*poolTx),
		bySender: make(map[types.Address]map[uint64]*poolTx),
	}
}

// EstimateFee exposes the pool's deterministic fee schedule.
func (p *Pool) EstimateFee(tx *types.Transaction) uint64 {
	return EstimateFee(tx, p.cfg.Fees)
}

// Fees returns the fee schedule consensus charges on inclusion.
func (p *Pool) Fees() FeeParams { return p.cfg.Fees }

// Admit validates tx and stores it. On success the transaction is indexed by
// id and (sender, nonce); there is no HashTimer index, Drain sorts candidates
// by HashTimer on each call. See package doc for the locking model.
func (p *Pool) Admit(tx *types.Transaction) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	if tx.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", types.ErrAmountOutOfRange)
	}

	// The HashTimer's creating node is the sender; verify suffix and skew
	// against the consensus clock.
	if !tx.HashTimer.Verify(tx.From.Hex(), txContentHash(tx), p.clock.NowUs(), p.cfg.ToleranceUs) {
		return fmt.Errorf("%w: hashtimer outside ±%dµs", ErrTimestampSkew, p.cfg.ToleranceUs)
	}

	id := tx.ID()
	fee := EstimateFee(tx, p.cfg.Fees)

	shard := &p.shards[tx.From[0]%shardCount]
	shard.Lock()
	defer shard.Unlock()

	account := p.confirmedAccount(tx.From)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.all[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id.Hex())
	}

	pending := p.bySender[tx.From]
	expected := account.Nonce + uint64(len(pending))
	switch {
	case tx.Nonce < expected:
		return fmt.Errorf("%w: nonce %d, next expected %d", ErrNonceReused, tx.Nonce, expected)
	case tx.Nonce > expected:
		return fmt.Errorf("%w: nonce %d, next expected %d", ErrNonceGap, tx.Nonce, expected)
	}
	if p.cfg.MaxPerSender > 0 && len(pending) >= p.cfg.MaxPerSender {
		return fmt.Errorf("%w: sender %s at per-sender limit", ErrMempoolFull, tx.From.Hex())
	}

	// Spendable check: balance must cover every pending transfer plus fees.
	need := tx.Amount.AddUint64(fee)
	for _, queued := range pending {
		need = need.Add(queued.tx.Amount).AddUint64(queued.fee)
	}
	if account.Balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, need.Decimal(), account.Balance.Decimal())
	}

	if len(p.all) >= p.cfg.MaxTransactions {
		if !p.evictOneLocked() {
			return ErrMempoolFull
		}
	}

	entry := &poolTx{tx: tx, id: id, fee: fee, size: tx.SizeEstimate(), addedAt: time.Now()}
	p.all[id] = entry
	if pending == nil {
		pending = make(map[uint64]*poolTx)
		p.bySender[tx.From] = pending
	}
	pending[tx.Nonce] = entry
	p.bytes += entry.size
	return nil
}

// confirmedAccount reads the confirmed account, treating unknown addresses as
// empty accounts.
func (p *Pool) confirmedAccount(addr types.Address) *types.Account {
	account, err := p.accounts.GetAccount(addr)
	if err != nil || account == nil {
		return types.NewAccount(addr)
	}
	return account
}

// Drain returns up to maxN transactions (bounded by maxBytes when positive)
// in HashTimer order with per-sender nonce monotonicity, and reserves them for
// the caller's proposal. Reserved entries are invisible to further drains and
// immune to eviction until released or confirmed.
func (p *Pool) Drain(maxN, maxBytes int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*poolTx, 0, len(p.all))
	for _, entry := range p.all {
		if !entry.reserved {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if c := hashtimer.Compare(candidates[i].tx.HashTimer, candidates[j].tx.HashTimer); c != 0 {
			return c < 0
		}
		return string(candidates[i].id[:]) < string(candidates[j].id[:])
	})

	// Per-sender cursor: a transaction is eligible only once every lower
	// pending nonce of its sender has been taken.
	next := make(map[types.Address]uint64)
	for sender, pending := range p.bySender {
		low := uint64(0)
		first := true
		for nonce, entry := range pending {
			if entry.reserved {
				if first || nonce+1 > low {
					low = nonce + 1
				}
				first = false
				continue
			}
			if first || nonce < low {
				low = nonce
				first = false
			}
		}
		next[sender] = low
	}

	var out []*types.Transaction
	var size int
	for _, entry := range candidates {
		if len(out) >= maxN {
			break
		}
		if maxBytes > 0 && size+entry.size > maxBytes {
			continue
		}
		if entry.tx.Nonce != next[entry.tx.From] {
			continue
		}
		entry.reserved = true
		next[entry.tx.From] = entry.tx.Nonce + 1
		out = append(out, entry.tx)
		size += entry.size
	}
	return out
}

// Release clears the reservation on ids after a proposal is abandoned.
func (p *Pool) Release(ids []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if entry, ok := p.all[id]; ok {
			entry.reserved = false
		}
	}
}

// RemoveConfirmed drops transactions included in a finalized block.
func (p *Pool) RemoveConfirmed(ids []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.removeLocked(id, true)
	}
}

// Evict removes entries matching pred. Reserved transactions are skipped;
// their eviction is deferred until the owning proposal settles.
func (p *Pool) Evict(pred func(tx *types.Transaction) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var victims []types.Hash
	for id, entry := range p.all {
		if entry.reserved {
			continue
		}
		if pred(entry.tx) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		p.removeLocked(id, false)
	}
	return len(victims)
}

// EvictExpired drops unreserved transactions older than the configured
// lifetime.
func (p *Pool) EvictExpired() int {
	if p.cfg.Lifetime <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-p.cfg.Lifetime)
	p.mu.Lock()
	defer p.mu.Unlock()
	var victims []types.Hash
	for id, entry := range p.all {
		if !entry.reserved && entry.addedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		p.removeLocked(id, false)
	}
	if len(victims) > 0 {
		p.log.Debug("evicted expired transactions", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// evictOneLocked removes the lowest fee-density unreserved entry (oldest
// first on ties). Returns false when nothing is evictable.
func (p *Pool) evictOneLocked() bool {
	var victim *poolTx
	for _, entry := range p.all {
		if entry.reserved {
			continue
		}
		if victim == nil {
			victim = entry
			continue
		}
		d1, d2 := entry.feeDensity(), victim.feeDensity()
		if d1 < d2 || (d1 == d2 && entry.addedAt.Before(victim.addedAt)) {
			victim = entry
		}
	}
	if victim == nil {
		return false
	}
	p.removeLocked(victim.id, false)
	return true
}

// removeLocked deletes an entry. When the removal is not a confirmation it
// leaves a hole in the sender's nonce chain, so the now-unreachable higher
// unreserved nonces are dropped as conflicts to keep the contiguous-prefix
// invariant.
func (p *Pool) removeLocked(id types.Hash, confirmed bool) {
	entry, ok := p.all[id]
	if !ok {
		return
	}
	delete(p.all, id)
	p.bytes -= entry.size
	sender := entry.tx.From
	pending, ok := p.bySender[sender]
	if !ok {
		return
	}
	delete(pending, entry.tx.Nonce)
	if !confirmed {
		for nonce := entry.tx.Nonce + 1; ; nonce++ {
			higher, ok := pending[nonce]
			if !ok || higher.reserved {
				break
			}
			delete(pending, nonce)
			delete(p.all, higher.id)
			p.bytes -= higher.size
		}
	}
	if len(pending) == 0 {
		delete(p.bySender, sender)
	}
}

// Get returns a pending transaction by id.
func (p *Pool) Get(id types.Hash) (*types.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.all[id]
	if !ok {
		return nil, false
	}
	return entry.tx, true
}

// PendingForSender returns pending tx ids for addr in nonce order.
func (p *Pool) PendingForSender(addr types.Address) []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pending := p.bySender[addr]
	nonces := make([]uint64, 0, len(pending))
	for nonce := range pending {
		nonces = append(nonces, nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	out := make([]types.Hash, 0, len(nonces))
	for _, nonce := range nonces {
		out = append(out, pending[nonce].id)
	}
	return out
}

// PendingNonce returns the next admissible nonce for addr, accounting for the
// queued chain.
func (p *Pool) PendingNonce(addr types.Address) uint64 {
	account := p.confirmedAccount(addr)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return account.Nonce + uint64(len(p.bySender[addr]))
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.all)
}

// GetStats snapshots pool occupancy.
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{Pending: len(p.all), Bytes: p.bytes, Senders: len(p.bySender)}
	for _, entry := range p.all {
		if entry.reserved {
			s.Reserved++
		}
	}
	return s
}

// txContentHash mirrors the content commitment used when the wallet created
// the transaction's HashTimer.
func txContentHash(tx *types.Transaction) [32]byte {
	b := make([]byte, 0, 2*types.AddressLength+16+8)
	b = append(b, tx.From[:]...)
	b = append(b, tx.To[:]...)
	amount := tx.Amount.Bytes16LE()
	b = append(b, amount[:]...)
	var nonce [8]byte
	for i := 0; i < 8; i++ {
		nonce[i] = byte(tx.Nonce >> (8 * i))
	}
	b = append(b, nonce[:]...)
	return types.Blake3(b)
}
