package config

import (
	"fmt"
)

func validBackend(name string) bool {
	switch name {
	case "memory", "leveldb", "sql":
		return true
	default:
		return false
	}
}

func validEnvironment(name string) bool {
	switch name {
	case "production", "development", "testing":
		return true
	default:
		return false
	}
}

// Validate rejects configurations the runtime would refuse or misbehave
// under, so operators get one coherent error at startup instead of a
// failure mid-flight.
func (c *Config) Validate() error {
	if !validEnvironment(c.Environment) {
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if !validBackend(c.DAGBackend) {
		return fmt.Errorf("config: unknown dag backend %q", c.DAGBackend)
	}
	if !validBackend(c.ManaBackend) {
		return fmt.Errorf("config: unknown mana backend %q", c.ManaBackend)
	}
	if c.Environment == "production" && (c.DAGBackend == "memory" || c.ManaBackend == "memory") {
		return fmt.Errorf("config: in-memory backends are not allowed in production")
	}
	if c.BiddingWindowMS == 0 {
		return fmt.Errorf("config: BiddingWindowMS must be positive")
	}
	if c.DefaultExecutionTimeoutMS == 0 {
		return fmt.Errorf("config: DefaultExecutionTimeoutMS must be positive")
	}
	if c.RefundPenaltyBps > 10_000 {
		return fmt.Errorf("config: RefundPenaltyBps exceeds 10000")
	}
	if c.Governance.ThresholdBps > 10_000 {
		return fmt.Errorf("config: Governance.ThresholdBps exceeds 10000")
	}
	w := c.SelectionWeights
	if w.Price < 0 || w.Reputation < 0 || w.Resources < 0 || w.Latency < 0 {
		return fmt.Errorf("config: selection weights must be non-negative")
	}
	if c.ModuleLimits.Fuel == 0 || c.ModuleLimits.Pages == 0 || c.ModuleLimits.Stack == 0 {
		return fmt.Errorf("config: module limits must be positive")
	}
	return nil
}
