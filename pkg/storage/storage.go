// Package storage defines the durable-state capability consumed by consensus
// and the RPC view, plus LevelDB and in-memory implementations.
//
// Implementations must be linearizable per key, and a block commit must be
// atomic: the block, every touched account and the audit delta land together
// or not at all.
package storage

import (
	"errors"

	"github.com/dmrl789/ippan/pkg/types"
)

// Storage errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrCorruptData = errors.New("corrupt data")
	ErrWriteFailed = errors.New("write failed")
)

// BlockCommit carries everything a finalized round writes in one transaction.
type BlockCommit struct {
	Block    *types.Block
	Accounts []*types.Account
	// AuditRecords are opaque serialized emission audit entries appended to
	// the audit log at this block boundary.
	AuditRecords [][]byte
}

// Store is the persistence capability. Heights start at 1; LatestHeight
// returns 0 for an empty chain.
type Store interface {
	CommitBlock(height uint64, commit *BlockCommit) error
	GetBlockByHeight(height uint64) (*types.Block, error)
	LatestHeight() (uint64, error)

	GetAccount(addr types.Address) (*types.Account, error)
	PutAccount(account *types.Account) error

	GetTransaction(id types.Hash) (*types.Transaction, error)
	TransactionsByAddress(addr types.Address, limit int) ([]*types.Transaction, error)
	TransactionCount() (uint64, error)

	AuditRecords(limit int) ([][]byte, error)

	Close() error
}
