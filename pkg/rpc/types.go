package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmrl789/ippan/pkg/consensus"
	"github.com/dmrl789/ippan/pkg/emission"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/storage"
	"github.com/dmrl789/ippan/pkg/types"
)

// envelope is the uniform response shape: 200 {success:true,data}, 4xx
// {success:false,error:"<code>"}.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: code})
}

// writeRateLimited emits the dedicated 429 envelope.
func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "rate_limited",
		"message": "request rate exceeds the configured limit",
	})
}

// errorCode maps sentinel errors onto stable client-facing codes. Internal
// detail never leaks.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, types.ErrMalformedTransaction):
		return http.StatusBadRequest, "malformed_transaction"
	case errors.Is(err, types.ErrAddressMalformed):
		return http.StatusBadRequest, "address_malformed"
	case errors.Is(err, types.ErrAmountOutOfRange):
		return http.StatusBadRequest, "amount_out_of_range"
	case errors.Is(err, mempool.ErrNonceGap):
		return http.StatusBadRequest, "nonce_gap"
	case errors.Is(err, mempool.ErrNonceReused):
		return http.StatusBadRequest, "nonce_reused"
	case errors.Is(err, mempool.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, mempool.ErrFeeTooLow):
		return http.StatusBadRequest, "fee_too_low"
	case errors.Is(err, mempool.ErrTimestampSkew):
		return http.StatusBadRequest, "timestamp_skew"
	case errors.Is(err, mempool.ErrDuplicateTransaction):
		return http.StatusBadRequest, "duplicate_transaction"
	case errors.Is(err, mempool.ErrMempoolFull):
		return http.StatusServiceUnavailable, "mempool_full"
	case errors.Is(err, emission.ErrNonSequentialRound):
		return http.StatusConflict, "non_sequential_round"
	case errors.Is(err, emission.ErrSupplyCapExceeded):
		return http.StatusConflict, "supply_cap_exceeded"
	case errors.Is(err, consensus.ErrRoundTimedOut):
		return http.StatusConflict, "round_timed_out"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
