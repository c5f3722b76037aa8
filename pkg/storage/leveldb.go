package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dmrl789/ippan/pkg/types"
)

// Key layout:
//
//	m/height            latest height (8 bytes BE)
//	m/txcount           total confirmed transactions (8 bytes BE)
//	m/auditseq          audit log sequence counter (8 bytes BE)
//	b/<height BE>       canonical block bytes
//	a/<address>         canonical account bytes
//	t/<address><seq BE> transaction id (per-address index)
//	x/<tx id>           canonical transaction bytes
//	l/<seq BE>          audit log entry (append-only)
var (
	keyHeight   = []byte("m/height")
	keyTxCount  = []byte("m/txcount")
	keyAuditSeq = []byte("m/auditseq")
)

// LevelStore implements Store on LevelDB. Block commits go through a single
// batch with Sync set, which is the crash-consistency boundary.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevel opens (or creates) the database at path.
func OpenLevel(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *LevelStore) Close() error { return s.db.Close() }

func blockKey(height uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "b/")
	binary.BigEndian.PutUint64(key[2:], height)
	return key
}

func accountKey(addr types.Address) []byte {
	return append([]byte("a/"), addr[:]...)
}

func txKey(id types.Hash) []byte {
	return append([]byte("x/"), id[:]...)
}

func txIndexKey(addr types.Address, seq uint64) []byte {
	key := make([]byte, 2+types.AddressLength+8)
	copy(key, "t/")
	copy(key[2:], addr[:])
	binary.BigEndian.PutUint64(key[2+types.AddressLength:], seq)
	return key
}

func auditKey(seq uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "l/")
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}

func (s *LevelStore) counter(key []byte) (uint64, error) {
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: counter %q", ErrCorruptData, key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func putCounter(batch *leveldb.Batch, key []byte, v uint64) {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	batch.Put(key, raw[:])
}

// CommitBlock writes the block, its touched accounts, the per-address
// transaction index and the audit delta in one synced batch.
func (s *LevelStore) CommitBlock(height uint64, commit *BlockCommit) error {
	latest, err := s.counter(keyHeight)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if height != latest+1 {
		return fmt.Errorf("%w: commit height %d, latest %d", ErrWriteFailed, height, latest)
	}
	txCount, err := s.counter(keyTxCount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	auditSeq, err := s.counter(keyAuditSeq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(height), types.EncodeBlock(commit.Block))
	for _, account := range commit.Accounts {
		batch.Put(accountKey(account.Address), types.EncodeAccount(account))
	}
	for _, tx := range commit.Block.Transactions {
		id := tx.ID()
		batch.Put(txKey(id), types.EncodeTransaction(tx))
		batch.Put(txIndexKey(tx.From, txCount), id[:])
		if tx.To != tx.From {
			batch.Put(txIndexKey(tx.To, txCount), id[:])
		}
		txCount++
	}
	for _, record := range commit.AuditRecords {
		batch.Put(auditKey(auditSeq), record)
		auditSeq++
	}
	putCounter(batch, keyHeight, height)
	putCounter(batch, keyTxCount, txCount)
	putCounter(batch, keyAuditSeq, auditSeq)

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// GetBlockByHeight loads the block stored at height.
func (s *LevelStore) GetBlockByHeight(height uint64) (*types.Block, error) {
	raw, err := s.db.Get(blockKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
	}
	if err != nil {
		return nil, err
	}
	block, err := types.DecodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrCorruptData, height, err)
	}
	return block, nil
}

// LatestHeight returns the most recent committed height, 0 if empty.
func (s *LevelStore) LatestHeight() (uint64, error) {
	return s.counter(keyHeight)
}

// GetAccount loads the account for addr.
func (s *LevelStore) GetAccount(addr types.Address) (*types.Account, error) {
	raw, err := s.db.Get(accountKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr.Hex())
	}
	if err != nil {
		return nil, err
	}
	account, err := types.DecodeAccount(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrCorruptData, addr.Hex(), err)
	}
	return account, nil
}

// PutAccount writes an account outside a block boundary (genesis funding).
func (s *LevelStore) PutAccount(account *types.Account) error {
	if err := s.db.Put(accountKey(account.Address), types.EncodeAccount(account), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// GetTransaction loads a confirmed transaction by id.
func (s *LevelStore) GetTransaction(id types.Hash) (*types.Transaction, error) {
	raw, err := s.db.Get(txKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: tx %s", ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, err
	}
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s: %v", ErrCorruptData, id.Hex(), err)
	}
	return tx, nil
}

// TransactionsByAddress returns up to limit confirmed transactions touching
// addr, most recent first. The scan cost is bounded by limit.
func (s *LevelStore) TransactionsByAddress(addr types.Address, limit int) ([]*types.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := append([]byte("t/"), addr[:]...)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*types.Transaction
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var id types.Hash
		if len(iter.Value()) != types.HashLength {
			return nil, fmt.Errorf("%w: tx index for %s", ErrCorruptData, addr.Hex())
		}
		copy(id[:], iter.Value())
		tx, err := s.GetTransaction(id)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// TransactionCount returns the total number of confirmed transactions.
func (s *LevelStore) TransactionCount() (uint64, error) {
	return s.counter(keyTxCount)
}

// AuditRecords returns up to limit audit log entries, most recent first.
func (s *LevelStore) AuditRecords(limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte("l/")), nil)
	defer iter.Release()
	var out [][]byte
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		cp := make([]byte, len(iter.Value()))
		copy(cp, iter.Value())
		out = append(out, cp)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
