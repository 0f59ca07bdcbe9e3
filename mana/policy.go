package mana

import (
	"github.com/holiman/uint256"

	"icn-core/identity"
	"icn-core/runtimeerr"
)

// PolicyLedger wraps a Ledger with a hard per-spend cap, layering the
// business rule on top of the raw balance mutation.
type PolicyLedger struct {
	Ledger
	maxSpend *uint256.Int
}

// NewPolicyLedger wraps inner, rejecting any Spend call above maxSpend. A
// nil or zero maxSpend disables the cap.
func NewPolicyLedger(inner Ledger, maxSpend *uint256.Int) *PolicyLedger {
	return &PolicyLedger{Ledger: inner, maxSpend: maxSpend}
}

func (p *PolicyLedger) Spend(principal identity.Principal, amount *uint256.Int) error {
	if p.maxSpend != nil && !p.maxSpend.IsZero() && amount != nil && amount.Cmp(p.maxSpend) > 0 {
		return runtimeerr.New(runtimeerr.PolicyDenied, "mana: spend exceeds configured MAX_SPEND")
	}
	return p.Ledger.Spend(principal, amount)
}

// EffectivePrice computes p_eff = floor(p_base * 100 / (100 + reputation)).
// Pure: callers compute p_eff
// before calling Spend.
func EffectivePrice(priceBase uint64, reputation uint64) uint64 {
	numerator := priceBase * 100
	denominator := 100 + reputation
	return numerator / denominator
}
