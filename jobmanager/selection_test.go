package jobmanager

import (
	"testing"

	"icn-core/ccid"
	"icn-core/identity"
)

type fakeReputation map[string]uint64

func (f fakeReputation) Score(p identity.Principal) (uint64, error) {
	return f[p.String()], nil
}

type fakeLatency map[string]float64

func (f fakeLatency) LatencyMS(p identity.Principal) (float64, bool) {
	v, ok := f[p.String()]
	return v, ok
}

func principalFor(t *testing.T) identity.Principal {
	t.Helper()
	s, err := identity.GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	return s.Principal()
}

func TestSelectExecutorPrefersHigherReputationOverLowerPrice(t *testing.T) {
	id := JobID{ccid.Of(ccid.CodecJob, []byte("job"))}
	cheap := principalFor(t)
	reputable := principalFor(t)

	bids := []Bid{
		{JobID: id, Executor: cheap, PriceCredits: 1, Resources: ResourceRequirements{CPU: 1, MemMB: 1, StorageMB: 1}},
		{JobID: id, Executor: reputable, PriceCredits: 10, Resources: ResourceRequirements{CPU: 1, MemMB: 1, StorageMB: 1}},
	}
	reps := fakeReputation{reputable.String(): 100}
	lat := fakeLatency{}

	winner, err := SelectExecutor(bids, DefaultSelectionWeights, reps, lat)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !winner.Executor.Equal(reputable) {
		t.Fatalf("expected reputation-weighted winner, got %s", winner.Executor)
	}
}

func TestSelectExecutorTieBreaksByPriceThenReputationThenPrincipal(t *testing.T) {
	id := JobID{ccid.Of(ccid.CodecJob, []byte("job"))}
	a := principalFor(t)
	b := principalFor(t)
	bids := []Bid{
		{JobID: id, Executor: a, PriceCredits: 5, Resources: ResourceRequirements{CPU: 1, MemMB: 1, StorageMB: 1}},
		{JobID: id, Executor: b, PriceCredits: 5, Resources: ResourceRequirements{CPU: 1, MemMB: 1, StorageMB: 1}},
	}
	reps := fakeReputation{}
	winner, err := SelectExecutor(bids, DefaultSelectionWeights, reps, fakeLatency{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := a
	if b.String() < a.String() {
		want = b
	}
	if !winner.Executor.Equal(want) {
		t.Fatalf("expected lexicographically-first principal to win an exact tie, got %s", winner.Executor)
	}
}

func TestSelectExecutorReturnsErrorOnEmptyBidSet(t *testing.T) {
	if _, err := SelectExecutor(nil, DefaultSelectionWeights, fakeReputation{}, fakeLatency{}); err == nil {
		t.Fatalf("expected an error selecting from an empty bid set")
	}
}

func TestDedupeBidsKeepsLatestPerExecutor(t *testing.T) {
	id := JobID{ccid.Of(ccid.CodecJob, []byte("job"))}
	exec := principalFor(t)
	bids := []Bid{
		{JobID: id, Executor: exec, PriceCredits: 9, Timestamp: 1},
		{JobID: id, Executor: exec, PriceCredits: 3, Timestamp: 5},
	}
	out := dedupeBids(bids)
	if len(out) != 1 || out[0].PriceCredits != 3 {
		t.Fatalf("expected only the latest-timestamp bid to survive, got %+v", out)
	}
}

func TestValidateBidRejectsInsufficientResources(t *testing.T) {
	spec := JobSpec{Resources: ResourceRequirements{CPU: 4, MemMB: 512, StorageMB: 1024}}
	bid := &Bid{Resources: ResourceRequirements{CPU: 1, MemMB: 64, StorageMB: 16}}
	if err := ValidateBid(spec, bid, fakeReputation{}); err == nil {
		t.Fatalf("expected under-resourced bid to be rejected")
	}
}

func TestValidateBidRejectsBelowMinimumReputation(t *testing.T) {
	exec := principalFor(t)
	spec := JobSpec{HasMinReputation: true, MinExecutorReputation: 50}
	bid := &Bid{Executor: exec}
	if err := ValidateBid(spec, bid, fakeReputation{exec.String(): 10}); err == nil {
		t.Fatalf("expected below-minimum-reputation bid to be rejected")
	}
}
