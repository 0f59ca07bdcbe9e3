package runtime

import (
	"sync"

	"icn-core/runtimeerr"
)

// Recognized tunable names. Governance
// parameter.change proposals address tunables by these strings.
const (
	ParamBiddingWindowMS    = "bidding_window_ms"
	ParamExecutionTimeoutMS = "default_execution_timeout_ms"
	ParamMaxSpendPerOp      = "max_spend_per_op"
	ParamManaRegenRate      = "default_mana_regen_rate"
	ParamMaxBidsPerJob      = "max_bids_per_job"
	// ParamRefundPenaltyBps records the failed-execution refund penalty in
	// basis points.
	ParamRefundPenaltyBps = "refund_penalty_bps"
	// ParamReputationCeiling is the saturation ceiling for reputation
	// scores.
	ParamReputationCeiling = "reputation_ceiling"
)

// Params is the registry of live runtime tunables. It implements
// governance.ParamStore so accepted parameter.change proposals update it
// on the running node. The runtime's job timers read bidding_window_ms and
// default_execution_timeout_ms through Get each time they arm, so new jobs
// observe the current value. The other tunables are only recorded here:
// the job manager, ledger and reputation store take their values from the
// node configuration at startup, and a later Set does not reach them.
type Params struct {
	mu     sync.RWMutex
	values map[string]uint64
}

// NewParams seeds a registry with initial values. Unknown names are
// rejected on Set, so the seed map also defines the recognized set.
func NewParams(initial map[string]uint64) *Params {
	values := map[string]uint64{
		ParamBiddingWindowMS:    10_000,
		ParamExecutionTimeoutMS: 300_000,
		ParamMaxSpendPerOp:      0,
		ParamManaRegenRate:      1,
		ParamMaxBidsPerJob:      256,
		ParamRefundPenaltyBps:   5_000,
		ParamReputationCeiling:  0,
	}
	for name, v := range initial {
		values[name] = v
	}
	return &Params{values: values}
}

// Get returns the current value of a tunable.
func (p *Params) Get(name string) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	if !ok {
		return 0, runtimeerr.New(runtimeerr.NotFound, "runtime: unknown parameter "+name)
	}
	return v, nil
}

// Set updates a tunable, implementing governance.ParamStore. Setting an
// unrecognized name fails so a typo'd proposal surfaces as a Failed
// execution instead of silently creating a new knob.
func (p *Params) Set(name string, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.values[name]; !ok {
		return runtimeerr.New(runtimeerr.NotFound, "runtime: unknown parameter "+name)
	}
	if name == ParamRefundPenaltyBps && value > 10_000 {
		return runtimeerr.New(runtimeerr.InvalidInput, "runtime: refund penalty exceeds 10000 bps")
	}
	p.values[name] = value
	return nil
}

// Snapshot returns a copy of every tunable, for diagnostics.
func (p *Params) Snapshot() map[string]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]uint64, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}
