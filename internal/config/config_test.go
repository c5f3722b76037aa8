package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	params, err := cfg.EmissionParams()
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), params.FeeCapPPM, `"0.1" is exactly 100000 ppm`)

	vparams, err := cfg.ValidatorParams()
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), vparams.MinStake)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
node:
  id: devnet-1
  data_dir: /tmp/ippan
  log_level: debug
consensus:
  selection_policy: stake
  min_stake: 500
  round_interval: 2s
emission:
  initial_round_reward_micro: 1000000
  halving_interval_rounds: 10
  max_supply_micro: 1500000
  fee_cap_fraction: "0.25"
  audit_interval: 10
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "devnet-1", cfg.Node.ID)
	assert.Equal(t, "stake", cfg.Consensus.SelectionPolicy)
	assert.Equal(t, uint64(500), cfg.Consensus.MinStake)
	assert.Equal(t, 2*time.Second, cfg.Consensus.RoundInterval.Std())
	assert.Equal(t, "memory", cfg.Storage.Backend)

	params, err := cfg.EmissionParams()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), params.InitialRoundReward)
	assert.Equal(t, uint64(250_000), params.FeeCapPPM)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consensus:\n  selection_policy: coinflip\n"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AI_RATE_LIMIT_RPS", "3.5")
	t.Setenv("AI_RATE_LIMIT_BURST", "7")
	t.Setenv("AI_RATE_LIMIT_GLOBAL_RPS", "900")
	t.Setenv("AI_HEALTH_RATE_LIMIT_RPS", "1")
	t.Setenv("AI_METRICS_RATE_LIMIT_BURST", "2")
	t.Setenv("MIN_STAKE", "12345")
	t.Setenv("MAX_STAKE", "99999")
	t.Setenv("MAX_TREES", "4")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, 3.5, cfg.RPC.RateLimit.PerIP.RPS)
	assert.Equal(t, 7, cfg.RPC.RateLimit.PerIP.Burst)
	assert.Equal(t, float64(900), cfg.RPC.RateLimit.Global.RPS)
	assert.Equal(t, float64(1), cfg.RPC.RateLimit.Overrides["/health"].RPS)
	assert.Equal(t, 2, cfg.RPC.RateLimit.Overrides["/metrics"].Burst)
	assert.Equal(t, uint64(12345), cfg.Consensus.MinStake)
	assert.Equal(t, uint64(99999), cfg.Consensus.MaxStake)
	assert.Equal(t, 4, cfg.Plugins.MaxTrees)
}
