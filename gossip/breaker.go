package gossip

import (
	"sync"
	"time"

	"icn-core/runtimeerr"
)

const (
	breakerFailureThreshold = 3
	breakerCooldown         = 30 * time.Second
)

// breaker is a per-target circuit breaker for outbound peer interactions:
// repeated failures open the circuit for a cool-down interval, during
// which calls fail fast with NetworkError instead of re-dialing a dead
// peer.
type breaker struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	targets map[string]*breakerState
}

type breakerState struct {
	failures  int
	openUntil time.Time
}

func newBreaker() *breaker {
	return &breaker{
		nowFn:   time.Now,
		targets: make(map[string]*breakerState),
	}
}

// allow reports whether target may be contacted; when the circuit is open
// it returns a fail-fast NetworkError.
func (b *breaker) allow(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.targets[target]
	if !ok {
		return nil
	}
	if b.nowFn().Before(st.openUntil) {
		return runtimeerr.New(runtimeerr.NetworkError, "gossip: circuit open for "+target)
	}
	return nil
}

// success resets the target's failure count and closes the circuit.
func (b *breaker) success(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, target)
}

// failure records a failed interaction, opening the circuit once the
// threshold is crossed.
func (b *breaker) failure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.targets[target]
	if !ok {
		st = &breakerState{}
		b.targets[target] = st
	}
	st.failures++
	if st.failures >= breakerFailureThreshold {
		st.openUntil = b.nowFn().Add(breakerCooldown)
		st.failures = 0
	}
}
