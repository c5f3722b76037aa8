// Package validator manages the validator registry: registration, stake and
// performance tracking, deterministic per-round selection and slashing.
package validator

import (
	"errors"
	"math"
	"time"

	"github.com/dmrl789/ippan/pkg/types"
)

// Registry errors.
var (
	ErrStakeTooLow       = errors.New("stake below minimum")
	ErrStakeTooHigh      = errors.New("stake above maximum")
	ErrAlreadyRegistered = errors.New("validator already registered")
	ErrNotFound          = errors.New("validator not found")
)

// Validator is a registered consensus participant. Lifetime counters are
// monotonic; stake only decreases through slashing or explicit updates.
type Validator struct {
	ID               string        `json:"id"`
	Address          types.Address `json:"address"`
	Stake            uint64        `json:"stake"`
	IsActive         bool          `json:"is_active"`
	PerformanceScore float64       `json:"performance_score"` // [0,1]
	Uptime           float64       `json:"uptime"`            // [0,100]
	BlocksProduced   uint64        `json:"blocks_produced"`
	BlocksVerified   uint64        `json:"blocks_verified"`
	SlashingEvents   uint32        `json:"slashing_events"`
	RegisteredAt     uint64        `json:"registered_at"`
	LastActivity     uint64        `json:"last_activity"`
	CommissionRate   float64       `json:"commission_rate"`
}

// NewValidator creates an active validator with a clean record.
func NewValidator(id string, addr types.Address, stake uint64) *Validator {
	now := uint64(time.Now().Unix())
	return &Validator{
		ID:               id,
		Address:          addr,
		Stake:            stake,
		IsActive:         true,
		PerformanceScore: 1.0,
		Uptime:           100.0,
		RegisteredAt:     now,
		LastActivity:     now,
		CommissionRate:   0.05,
	}
}

// MeetsRequirements reports round eligibility: active, sufficiently staked,
// performing, online and with fewer than three slashing events.
func (v *Validator) MeetsRequirements(minStake uint64, minPerformance, minUptime float64) bool {
	return v.IsActive &&
		v.Stake >= minStake &&
		v.PerformanceScore >= minPerformance &&
		v.Uptime >= minUptime &&
		v.SlashingEvents < 3
}

// SelectionScore scores the validator under a selection policy.
func (v *Validator) SelectionScore(policy Policy) float64 {
	switch policy {
	case PolicyStakeBased:
		return float64(v.Stake)
	case PolicyPerformance:
		return v.PerformanceScore
	case PolicyRandom:
		return 1.0
	case PolicyHybrid:
		stake := float64(v.Stake)
		if stake < 1 {
			stake = 1
		}
		return 0.7*math.Log10(stake) + 0.3*v.PerformanceScore
	default:
		return 0
	}
}

// recordWork updates the lifetime counters and recency.
func (v *Validator) recordWork(produced, verified uint64) {
	v.BlocksProduced += produced
	v.BlocksVerified += verified
	v.LastActivity = uint64(time.Now().Unix())
}
