package gossip

import (
	"testing"
	"time"

	"icn-core/runtimeerr"
)

func TestBreakerOpensAfterThresholdAndCoolsDown(t *testing.T) {
	b := newBreaker()
	now := time.Unix(1_700_000_000, 0)
	b.nowFn = func() time.Time { return now }

	const target = "peer.example:9470"
	for i := 0; i < breakerFailureThreshold; i++ {
		if err := b.allow(target); err != nil {
			t.Fatalf("circuit opened early on failure %d: %v", i, err)
		}
		b.failure(target)
	}

	err := b.allow(target)
	if runtimeerr.KindOf(err) != runtimeerr.NetworkError {
		t.Fatalf("expected fail-fast NetworkError, got %v", err)
	}

	now = now.Add(breakerCooldown + time.Second)
	if err := b.allow(target); err != nil {
		t.Fatalf("circuit must close after cool-down: %v", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := newBreaker()
	const target = "peer.example:9470"
	b.failure(target)
	b.failure(target)
	b.success(target)
	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.failure(target)
	}
	if err := b.allow(target); err != nil {
		t.Fatalf("reset failure count must keep circuit closed: %v", err)
	}
}
