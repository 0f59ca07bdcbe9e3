package reputation

import (
	"testing"

	"icn-core/dag"
	"icn-core/identity"
)

func testPrincipal(t *testing.T) identity.Principal {
	t.Helper()
	signer, err := identity.GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	return signer.Principal()
}

func TestRecordSuccessIncrementsScore(t *testing.T) {
	s := NewKVStore(dag.NewMemKV(), 0)
	p := testPrincipal(t)

	if err := s.RecordSuccess(p, 10); err != nil {
		t.Fatalf("record success: %v", err)
	}
	score, err := s.Score(p)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 10 {
		t.Fatalf("expected score 10, got %d", score)
	}
}

func TestScoreSaturatesAtCeiling(t *testing.T) {
	s := NewKVStore(dag.NewMemKV(), 100)
	p := testPrincipal(t)

	if err := s.RecordSuccess(p, 80); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := s.RecordSuccess(p, 80); err != nil {
		t.Fatalf("record success: %v", err)
	}
	score, err := s.Score(p)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 100 {
		t.Fatalf("expected saturated score 100, got %d", score)
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	s := NewKVStore(dag.NewMemKV(), 0)
	p := testPrincipal(t)

	if err := s.RecordSuccess(p, 5); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := s.RecordFailure(p, 20); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	score, err := s.Score(p)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0 {
		t.Fatalf("expected score floored at 0, got %d", score)
	}
}

func TestUnknownPrincipalHasZeroScore(t *testing.T) {
	s := NewKVStore(dag.NewMemKV(), 0)
	p := testPrincipal(t)
	score, err := s.Score(p)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0 {
		t.Fatalf("expected zero score for unknown principal, got %d", score)
	}
}
