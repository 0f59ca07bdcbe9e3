// Package config loads and validates node configuration: TOML for the node
// file itself (the recognized options of the runtime core), YAML for
// federation manifests distributed out-of-band.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// SelectionWeights mirrors the executor-scoring weights tunable.
type SelectionWeights struct {
	Price      float64 `toml:"Price"`
	Reputation float64 `toml:"Reputation"`
	Resources  float64 `toml:"Resources"`
	Latency    float64 `toml:"Latency"`
}

// ModuleLimits bounds sandboxed policy-module execution.
type ModuleLimits struct {
	WallMS       uint64 `toml:"WallMS"`
	Pages        uint32 `toml:"Pages"`
	Fuel         uint64 `toml:"Fuel"`
	Stack        uint32 `toml:"Stack"`
	Globals      uint32 `toml:"Globals"`
	Functions    uint32 `toml:"Functions"`
	Tables       uint32 `toml:"Tables"`
	TableEntries uint32 `toml:"TableEntries"`
}

// Governance seeds the proposal admission policy.
type Governance struct {
	Quorum           uint64 `toml:"Quorum"`
	ThresholdBps     uint64 `toml:"ThresholdBps"`
	VotingPeriodSecs uint64 `toml:"VotingPeriodSecs"`
}

// Config is the node configuration file schema. Field set follows the
// recognized-options list of the runtime core, plus the operational fields
// (addresses, paths, peers) a daemon needs.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	MetricsAddress string   `toml:"MetricsAddress"`
	DataDir        string   `toml:"DataDir"`
	KeystorePath   string   `toml:"KeystorePath"`
	Environment    string   `toml:"Environment"` // production | development | testing
	BootstrapPeers []string `toml:"BootstrapPeers"`
	DNSSeeds       []string `toml:"DNSSeeds"`

	BiddingWindowMS           uint64 `toml:"BiddingWindowMS"`
	DefaultExecutionTimeoutMS uint64 `toml:"DefaultExecutionTimeoutMS"`
	MaxSpendPerOp             uint64 `toml:"MaxSpendPerOp"`
	DefaultManaRegenRate      uint64 `toml:"DefaultManaRegenRate"`
	ManaCap                   uint64 `toml:"ManaCap"`
	MaxBidsPerJob             uint64 `toml:"MaxBidsPerJob"`
	RefundPenaltyBps          uint64 `toml:"RefundPenaltyBps"`
	ReputationCeiling         uint64 `toml:"ReputationCeiling"`

	SelectionWeights SelectionWeights `toml:"SelectionWeights"`
	ModuleLimits     ModuleLimits     `toml:"ModuleLimits"`
	Governance       Governance       `toml:"Governance"`

	DAGBackend  string `toml:"DAGBackend"`  // memory | leveldb | sql
	ManaBackend string `toml:"ManaBackend"` // memory | leveldb | sql
}

// Default returns the configuration a fresh node starts with.
func Default() *Config {
	return &Config{
		ListenAddress:  ":9470",
		MetricsAddress: ":9471",
		DataDir:        "./data",
		Environment:    "development",

		BiddingWindowMS:           10_000,
		DefaultExecutionTimeoutMS: 300_000,
		DefaultManaRegenRate:      1,
		MaxBidsPerJob:             256,
		RefundPenaltyBps:          5_000,

		SelectionWeights: SelectionWeights{Price: 1.0, Reputation: 50.0, Resources: 1.0, Latency: 1.0},
		ModuleLimits: ModuleLimits{
			WallMS:       30_000,
			Pages:        160,
			Fuel:         1_000_000,
			Stack:        1024,
			Globals:      100,
			Functions:    1000,
			Tables:       10,
			TableEntries: 10_000,
		},
		Governance: Governance{Quorum: 3, ThresholdBps: 6000, VotingPeriodSecs: 86_400},

		DAGBackend:  "leveldb",
		ManaBackend: "leveldb",
	}
}

// Load reads the configuration at path, creating it with defaults when the
// file does not exist yet, then validates it.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
