package consensus

import (
	"fmt"
	"sort"

	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/types"
)

// TxSource resolves referenced transaction ids against the current mempool
// snapshot.
type TxSource interface {
	Get(id types.Hash) (*types.Transaction, bool)
}

// BuildResult is the assembled block plus the state delta its commit applies.
type BuildResult struct {
	Block         *types.Block
	Accounts      []*types.Account
	FeesCollected uint64
}

// BuildBlock assembles the block for a winning proposal: it resolves every
// referenced id, re-verifies signatures and the per-sender nonce chain,
// orders transactions strictly by HashTimer (ties by id), and applies the
// balance/nonce delta. Any missing or invalid reference fails the whole block.
func BuildBlock(
	proposal *Proposal,
	source TxSource,
	accounts mempool.AccountReader,
	fees mempool.FeeParams,
	creator types.Address,
	parent types.Hash,
) (*BuildResult, error) {
	txs := make([]*types.Transaction, 0, len(proposal.TxIDs))
	for _, id := range proposal.TxIDs {
		tx, ok := source.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: tx %s not in mempool", ErrBlockVerificationFailed, id.Hex())
		}
		if err := tx.Verify(); err != nil {
			return nil, fmt.Errorf("%w: tx %s: %v", ErrBlockVerificationFailed, id.Hex(), err)
		}
		txs = append(txs, tx)
	}

	sort.Slice(txs, func(i, j int) bool {
		if c := hashtimer.Compare(txs[i].HashTimer, txs[j].HashTimer); c != 0 {
			return c < 0
		}
		idI, idJ := txs[i].ID(), txs[j].ID()
		return string(idI[:]) < string(idJ[:])
	})

	// Replay the transfers against confirmed state, enforcing the nonce chain
	// and spendable balances in block order.
	touched := make(map[types.Address]*types.Account)
	load := func(addr types.Address) *types.Account {
		if account, ok := touched[addr]; ok {
			return account
		}
		account, err := accounts.GetAccount(addr)
		if err != nil || account == nil {
			account = types.NewAccount(addr)
		}
		touched[addr] = account
		return account
	}

	var feesCollected uint64
	for _, tx := range txs {
		sender := load(tx.From)
		if tx.Nonce != sender.Nonce {
			return nil, fmt.Errorf("%w: sender %s nonce %d, expected %d",
				ErrBlockVerificationFailed, tx.From.Hex(), tx.Nonce, sender.Nonce)
		}
		fee := mempool.EstimateFee(tx, fees)
		cost := tx.Amount.AddUint64(fee)
		if sender.Balance.Cmp(cost) < 0 {
			return nil, fmt.Errorf("%w: sender %s cannot cover %s",
				ErrBlockVerificationFailed, tx.From.Hex(), cost.Decimal())
		}
		sender.Balance = sender.Balance.Sub(cost)
		sender.Nonce++
		recipient := load(tx.To)
		recipient.Balance = recipient.Balance.Add(tx.Amount)
		feesCollected += fee
	}

	header := types.Header{
		Round:     proposal.Round,
		Creator:   creator,
		HashTimer: proposal.HashTimer,
	}
	if !parent.IsZero() {
		header.ParentIDs = []types.Hash{parent}
		header.PrevHashes = []types.Hash{parent}
	}

	block := &types.Block{Header: header, Transactions: txs}

	out := &BuildResult{Block: block, FeesCollected: feesCollected}
	for _, account := range touched {
		out.Accounts = append(out.Accounts, account)
	}
	sort.Slice(out.Accounts, func(i, j int) bool {
		return string(out.Accounts[i].Address[:]) < string(out.Accounts[j].Address[:])
	})
	return out, nil
}
