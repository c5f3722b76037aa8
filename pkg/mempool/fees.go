package mempool

import "github.com/dmrl789/ippan/pkg/types"

// FeeParams fix the deterministic fee schedule. The estimate here is the fee
// consensus charges on inclusion; wallets rely on that equality when checking
// spendable balance.
type FeeParams struct {
	BaseFee     uint64 `yaml:"base_fee"`       // µIPN flat component
	SizeCoef    uint64 `yaml:"size_coef"`      // µIPN per canonical byte
	MinFee      uint64 `yaml:"min_fee"`        // lower clamp
	MaxFeePerTx uint64 `yaml:"max_fee_per_tx"` // upper clamp
}

// DefaultFeeParams returns the default schedule.
func DefaultFeeParams() FeeParams {
	return FeeParams{
		BaseFee:     10,
		SizeCoef:    1,
		MinFee:      10,
		MaxFeePerTx: 100_000,
	}
}

// EstimateFee computes base_fee + size·size_coef clamped to
// [MinFee, MaxFeePerTx]. Deterministic over the canonical encoding.
func EstimateFee(tx *types.Transaction, p FeeParams) uint64 {
	fee := p.BaseFee + uint64(tx.SizeEstimate())*p.SizeCoef
	if fee < p.MinFee {
		fee = p.MinFee
	}
	if p.MaxFeePerTx > 0 && fee > p.MaxFeePerTx {
		fee = p.MaxFeePerTx
	}
	return fee
}
