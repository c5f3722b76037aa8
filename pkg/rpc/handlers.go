package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	height, err := s.backend.Store.LatestHeight()
	if err != nil {
		status, code := errorCode(err)
		writeError(w, status, code)
		return
	}
	txCount, err := s.backend.Store.TransactionCount()
	if err != nil {
		status, code := errorCode(err)
		writeError(w, status, code)
		return
	}
	writeData(w, map[string]interface{}{
		"node_id":           s.backend.NodeID,
		"version":           s.backend.Version,
		"height":            height,
		"transaction_count": txCount,
		"mempool":           s.backend.Pool.GetStats(),
		"consensus":         s.backend.Consensus.Status(),
	})
}

func (s *Server) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	// The gossip hub is in-process; a p2p transport reports its peers here.
	writeData(w, map[string]interface{}{
		"node_id":    s.backend.NodeID,
		"peer_count": 0,
		"peers":      []string{},
	})
}

func (s *Server) handleMempool(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.backend.Pool.GetStats())
}

func (s *Server) handleConsensus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]interface{}{
		"consensus": s.backend.Consensus.Status(),
		"emission":  s.backend.Tracker.Stats(),
	})
}

func (s *Server) handleValidators(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]interface{}{
		"validators":   s.backend.Registry.Snapshot(),
		"stats":        s.backend.Registry.Stats(),
		"top_earnings": s.backend.Tracker.TopValidators(10),
	})
}

func (s *Server) handleRecentBlocks(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 10, 100)
	height, err := s.backend.Store.LatestHeight()
	if err != nil {
		status, code := errorCode(err)
		writeError(w, status, code)
		return
	}
	blocks := make([]blockSummary, 0, limit)
	for h := height; h >= 1 && len(blocks) < limit; h-- {
		block, err := s.backend.Store.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, summarize(block, h))
	}
	writeData(w, map[string]interface{}{"height": height, "blocks": blocks})
}

type blockSummary struct {
	Height  uint64     `json:"height"`
	Round   uint64     `json:"round"`
	Hash    types.Hash `json:"hash"`
	Creator string     `json:"creator"`
	TxCount int        `json:"tx_count"`
	TimeUs  uint64     `json:"time_us"`
}

func summarize(block *types.Block, height uint64) blockSummary {
	return blockSummary{
		Height:  height,
		Round:   block.Header.Round,
		Hash:    block.Hash(),
		Creator: block.Header.Creator.Hex(),
		TxCount: len(block.Transactions),
		TimeUs:  block.Header.HashTimer.TimeUs,
	}
}

func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["height"]
	height, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_height")
		return
	}
	block, err := s.backend.Store.GetBlockByHeight(height)
	if err != nil {
		status, code := errorCode(err)
		writeError(w, status, code)
		return
	}
	writeData(w, map[string]interface{}{
		"summary": summarize(block, height),
		"block":   block,
	})
}

// balanceView renders an account plus its pending mempool entries.
func (s *Server) balanceView(addr types.Address) map[string]interface{} {
	account, err := s.backend.Store.GetAccount(addr)
	if err != nil || account == nil {
		account = types.NewAccount(addr)
	}
	pending := s.backend.Pool.PendingForSender(addr)
	pendingHex := make([]string, len(pending))
	for i, id := range pending {
		pendingHex[i] = id.Hex()
	}
	return map[string]interface{}{
		"address":     addr.Hex(),
		"balance":     account.Balance,
		"nonce":       account.Nonce,
		"pending_txs": pendingHex,
	}
}

func (s *Server) handleBalancePath(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "address_malformed")
		return
	}
	writeData(w, s.balanceView(addr))
}

func (s *Server) handleBalanceQuery(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address_malformed")
		return
	}
	writeData(w, s.balanceView(addr))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address_malformed")
		return
	}
	limit := queryLimit(r, 50, 500)
	txs, err := s.backend.Store.TransactionsByAddress(addr, limit)
	if err != nil {
		status, code := errorCode(err)
		writeError(w, status, code)
		return
	}
	writeData(w, map[string]interface{}{
		"address":      addr.Hex(),
		"transactions": txs,
	})
}

// paymentRequest is the /tx/payment POST body: a signed transaction, plus an
// optional fee ceiling the caller is willing to pay.
type paymentRequest struct {
	types.Transaction
	MaxFee *uint64 `json:"max_fee,omitempty"`
}

func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_transaction")
		return
	}
	tx := req.Transaction
	if req.MaxFee != nil && s.backend.Pool.EstimateFee(&tx) > *req.MaxFee {
		_, code := errorCode(mempool.ErrFeeTooLow)
		writeError(w, http.StatusBadRequest, code)
		return
	}
	if err := s.backend.Pool.Admit(&tx); err != nil {
		status, code := errorCode(err)
		writeError(w, status, code)
		return
	}
	if s.backend.Broadcast != nil {
		s.backend.Broadcast.BroadcastTx(&tx)
	}
	writeData(w, map[string]string{"tx_hash": tx.ID().Hex()})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "address_malformed")
		return
	}
	// Next admissible nonce: confirmed nonce advanced past the pending chain.
	writeData(w, map[string]interface{}{
		"address": addr.Hex(),
		"nonce":   s.backend.Pool.PendingNonce(addr),
	})
}

func (s *Server) handleValidateAddress(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	writeData(w, map[string]interface{}{
		"address": addr,
		"valid":   types.ValidAddressString(addr),
	})
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
