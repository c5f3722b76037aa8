// Package config loads and validates the node configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmrl789/ippan/pkg/emission"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/rpc"
	"github.com/dmrl789/ippan/pkg/validator"
)

// Duration parses yaml scalars either as Go duration strings ("10s", "30m")
// or as raw nanosecond integers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration node: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the main configuration structure.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Emission  EmissionConfig  `yaml:"emission"`
	Mempool   MempoolConfig   `yaml:"mempool"`
	RPC       RPCConfig       `yaml:"rpc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Storage   StorageConfig   `yaml:"storage"`
	Genesis   []GenesisAlloc  `yaml:"genesis,omitempty"`
	Plugins   PluginConfig    `yaml:"plugins"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	ID           string `yaml:"id"`
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	KeystorePath string `yaml:"keystore_path"`
}

// ConsensusConfig contains round-machine settings.
type ConsensusConfig struct {
	RoundInterval       Duration `yaml:"round_interval"`
	ProposalTimeout     Duration `yaml:"proposal_timeout"`
	ValidationTimeout   Duration `yaml:"validation_timeout"`
	FinalizationTimeout Duration `yaml:"finalization_timeout"`
	MaxRoundDuration    Duration `yaml:"max_round_duration"`
	MinVotesFloor       int      `yaml:"min_votes_floor"`
	DrainMaxN           int      `yaml:"drain_max_n"`
	DrainMaxBytes       int      `yaml:"drain_max_bytes"`

	SelectionPolicy      string  `yaml:"selection_policy"`
	MinStake             uint64  `yaml:"min_stake"`
	MaxStake             uint64  `yaml:"max_stake"`
	MaxValidators        int     `yaml:"max_validators"`
	PerformanceThreshold float64 `yaml:"performance_threshold"`
	UptimeThreshold      float64 `yaml:"uptime_threshold"`
}

// EmissionConfig mirrors the schedule parameters. FeeCapFraction is a decimal
// string (e.g. "0.1") converted to exact parts-per-million at load.
type EmissionConfig struct {
	InitialRoundRewardMicro uint64 `yaml:"initial_round_reward_micro"`
	HalvingIntervalRounds   uint64 `yaml:"halving_interval_rounds"`
	MaxSupplyMicro          uint64 `yaml:"max_supply_micro"`
	FeeCapFraction          string `yaml:"fee_cap_fraction"`
	AuditInterval           uint64 `yaml:"audit_interval"`
}

// MempoolConfig contains mempool settings.
type MempoolConfig struct {
	MaxTransactions int               `yaml:"max_transactions"`
	MaxPerSender    int               `yaml:"max_per_sender"`
	Lifetime        Duration          `yaml:"lifetime"`
	ToleranceUs     uint64            `yaml:"tolerance_us"`
	Fees            mempool.FeeParams `yaml:"fees"`
}

// RPCConfig contains HTTP API settings.
type RPCConfig struct {
	ListenAddr  string              `yaml:"listen_addr"`
	CORSOrigins []string            `yaml:"cors_origins"`
	Timeout     Duration            `yaml:"timeout"`
	RateLimit   rpc.RateLimitConfig `yaml:"rate_limit"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "leveldb" or "memory"
	Path    string `yaml:"path"`
}

// GenesisAlloc funds an account at genesis.
type GenesisAlloc struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"` // decimal µIPN
}

// PluginConfig bounds the optional plug-in subsystems.
type PluginConfig struct {
	MaxTrees int `yaml:"max_trees"`
}

// Default returns a single-node devnet configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "ippan-node",
			DataDir:  "./data",
			LogLevel: "info",
		},
		Consensus: ConsensusConfig{
			RoundInterval:        Duration(10 * time.Second),
			ProposalTimeout:      Duration(5 * time.Second),
			ValidationTimeout:    Duration(10 * time.Second),
			FinalizationTimeout:  Duration(15 * time.Second),
			MaxRoundDuration:     Duration(30 * time.Second),
			MinVotesFloor:        1,
			DrainMaxN:            1_000,
			DrainMaxBytes:        1 << 20,
			SelectionPolicy:      string(validator.PolicyHybrid),
			MinStake:             10_000,
			MaxValidators:        21,
			PerformanceThreshold: 0.5,
			UptimeThreshold:      50.0,
		},
		Emission: EmissionConfig{
			InitialRoundRewardMicro: 5_000_000,
			HalvingIntervalRounds:   2_100_000,
			MaxSupplyMicro:          21_000_000_000_000,
			FeeCapFraction:          "0.1",
			AuditInterval:           1_000,
		},
		Mempool: MempoolConfig{
			MaxTransactions: 100_000,
			MaxPerSender:    64,
			Lifetime:        Duration(30 * time.Minute),
			ToleranceUs:     10_000_000,
			Fees:            mempool.DefaultFeeParams(),
		},
		RPC: RPCConfig{
			ListenAddr:  "127.0.0.1:8080",
			CORSOrigins: []string{"*"},
			Timeout:     Duration(30 * time.Second),
			RateLimit:   rpc.DefaultRateLimitConfig(),
		},
		Metrics: MetricsConfig{Enabled: true},
		Storage: StorageConfig{Backend: "leveldb", Path: "./data/chain"},
	}
}

// Load reads, env-overrides and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies the recognized environment overrides.
func (c *Config) ApplyEnv() {
	if v, ok := envFloat("AI_RATE_LIMIT_RPS"); ok {
		c.RPC.RateLimit.PerIP.RPS = v
	}
	if v, ok := envInt("AI_RATE_LIMIT_BURST"); ok {
		c.RPC.RateLimit.PerIP.Burst = int(v)
	}
	if v, ok := envFloat("AI_RATE_LIMIT_GLOBAL_RPS"); ok {
		c.RPC.RateLimit.Global.RPS = v
	}
	if c.RPC.RateLimit.Overrides == nil {
		c.RPC.RateLimit.Overrides = make(map[string]rpc.Limit)
	}
	applyEndpointEnv(c.RPC.RateLimit.Overrides, "/health", "AI_HEALTH_RATE_LIMIT_RPS", "AI_HEALTH_RATE_LIMIT_BURST")
	applyEndpointEnv(c.RPC.RateLimit.Overrides, "/metrics", "AI_METRICS_RATE_LIMIT_RPS", "AI_METRICS_RATE_LIMIT_BURST")

	if v, ok := envInt("MIN_STAKE"); ok {
		c.Consensus.MinStake = uint64(v)
	}
	if v, ok := envInt("MAX_STAKE"); ok {
		c.Consensus.MaxStake = uint64(v)
	}
	if v, ok := envInt("MAX_TREES"); ok {
		c.Plugins.MaxTrees = int(v)
	}
}

func applyEndpointEnv(overrides map[string]rpc.Limit, endpoint, rpsKey, burstKey string) {
	limit, present := overrides[endpoint]
	if v, ok := envFloat(rpsKey); ok {
		limit.RPS = v
		present = true
	}
	if v, ok := envInt(burstKey); ok {
		limit.Burst = int(v)
		present = true
	}
	if present {
		overrides[endpoint] = limit
	}
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if _, err := validator.ParsePolicy(c.Consensus.SelectionPolicy); err != nil {
		return err
	}
	if c.Storage.Backend != "leveldb" && c.Storage.Backend != "memory" {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	params, err := c.EmissionParams()
	if err != nil {
		return err
	}
	return params.Validate()
}

// EmissionParams converts the emission section into schedule parameters.
func (c *Config) EmissionParams() (emission.Params, error) {
	ppm, err := emission.FeeCapPPMFromDecimal(c.Emission.FeeCapFraction)
	if err != nil {
		return emission.Params{}, err
	}
	return emission.Params{
		InitialRoundReward:    c.Emission.InitialRoundRewardMicro,
		HalvingIntervalRounds: c.Emission.HalvingIntervalRounds,
		MaxSupply:             c.Emission.MaxSupplyMicro,
		FeeCapPPM:             ppm,
	}, nil
}

// ValidatorParams converts the consensus section into registry parameters.
func (c *Config) ValidatorParams() (validator.Params, error) {
	policy, err := validator.ParsePolicy(c.Consensus.SelectionPolicy)
	if err != nil {
		return validator.Params{}, err
	}
	return validator.Params{
		MinStake:             c.Consensus.MinStake,
		MaxStake:             c.Consensus.MaxStake,
		MaxValidators:        c.Consensus.MaxValidators,
		Policy:               policy,
		PerformanceThreshold: c.Consensus.PerformanceThreshold,
		UptimeThreshold:      c.Consensus.UptimeThreshold,
		RotationInterval:     1,
	}, nil
}

// MempoolParams converts the mempool section into the pool's runtime config.
func (c *Config) MempoolParams() mempool.Config {
	return mempool.Config{
		MaxTransactions: c.Mempool.MaxTransactions,
		MaxPerSender:    c.Mempool.MaxPerSender,
		Lifetime:        c.Mempool.Lifetime.Std(),
		ToleranceUs:     c.Mempool.ToleranceUs,
		Fees:            c.Mempool.Fees,
	}
}

// RPCParams converts the rpc section into the server's runtime config.
func (c *Config) RPCParams() rpc.Config {
	return rpc.Config{
		ListenAddr:  c.RPC.ListenAddr,
		CORSOrigins: c.RPC.CORSOrigins,
		Timeout:     c.RPC.Timeout.Std(),
		RateLimit:   c.RPC.RateLimit,
	}
}
