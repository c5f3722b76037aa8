package storage

import (
	"fmt"
	"sync"

	"github.com/dmrl789/ippan/pkg/types"
)

// MemStore is an in-memory Store for tests and single-process development
// nodes. Commit atomicity holds trivially under the mutex.
type MemStore struct {
	mu       sync.RWMutex
	height   uint64
	blocks   map[uint64]*types.Block
	accounts map[types.Address]*types.Account
	txs      map[types.Hash]*types.Transaction
	txIndex  map[types.Address][]types.Hash
	txCount  uint64
	audit    [][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[uint64]*types.Block),
		accounts: make(map[types.Address]*types.Account),
		txs:      make(map[types.Hash]*types.Transaction),
		txIndex:  make(map[types.Address][]types.Hash),
	}
}

// CommitBlock applies the commit under one critical section.
func (s *MemStore) CommitBlock(height uint64, commit *BlockCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height != s.height+1 {
		return fmt.Errorf("%w: commit height %d, latest %d", ErrWriteFailed, height, s.height)
	}
	s.blocks[height] = commit.Block
	for _, account := range commit.Accounts {
		cp := *account
		s.accounts[account.Address] = &cp
	}
	for _, tx := range commit.Block.Transactions {
		id := tx.ID()
		s.txs[id] = tx
		s.txIndex[tx.From] = append(s.txIndex[tx.From], id)
		if tx.To != tx.From {
			s.txIndex[tx.To] = append(s.txIndex[tx.To], id)
		}
		s.txCount++
	}
	s.audit = append(s.audit, commit.AuditRecords...)
	s.height = height
	return nil
}

// GetBlockByHeight returns the block at height.
func (s *MemStore) GetBlockByHeight(height uint64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[height]
	if !ok {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
	}
	return block, nil
}

// LatestHeight returns the latest committed height.
func (s *MemStore) LatestHeight() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height, nil
}

// GetAccount returns a copy of the account for addr.
func (s *MemStore) GetAccount(addr types.Address) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr.Hex())
	}
	cp := *account
	return &cp, nil
}

// PutAccount stores an account outside a block boundary (genesis funding).
func (s *MemStore) PutAccount(account *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *account
	s.accounts[account.Address] = &cp
	return nil
}

// GetTransaction returns a confirmed transaction by id.
func (s *MemStore) GetTransaction(id types.Hash) (*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", ErrNotFound, id.Hex())
	}
	return tx, nil
}

// TransactionsByAddress returns up to limit transactions, most recent first.
func (s *MemStore) TransactionsByAddress(addr types.Address, limit int) ([]*types.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.txIndex[addr]
	var out []*types.Transaction
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.txs[ids[i]])
	}
	return out, nil
}

// TransactionCount returns the total confirmed transaction count.
func (s *MemStore) TransactionCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txCount, nil
}

// AuditRecords returns up to limit audit entries, most recent first.
func (s *MemStore) AuditRecords(limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out [][]byte
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }
