package governance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"icn-core/ccid"
	"icn-core/crypto"
	"icn-core/dag"
	"icn-core/identity"
	"icn-core/mana"
	"icn-core/runtimeerr"
)

type keyDirectory struct {
	keys map[string]*crypto.PublicKey
}

func (d *keyDirectory) PubKeyFor(p identity.Principal) (*crypto.PublicKey, bool) {
	k, ok := d.keys[p.String()]
	return k, ok
}

type paramRecorder struct {
	set map[string]uint64
}

func (r *paramRecorder) Set(name string, value uint64) error {
	if r.set == nil {
		r.set = make(map[string]uint64)
	}
	r.set[name] = value
	return nil
}

func (r *paramRecorder) Get(name string) (uint64, error) {
	v, ok := r.set[name]
	if !ok {
		return 0, runtimeerr.New(runtimeerr.NotFound, "unknown parameter")
	}
	return v, nil
}

type govHarness struct {
	engine  *Engine
	members []identity.Principal
	ledger  *mana.KVLedger
	params  *paramRecorder
	now     time.Time
}

func newGovHarness(t *testing.T, memberCount int, quorum, thresholdBps uint64) *govHarness {
	t.Helper()
	dir := &keyDirectory{keys: make(map[string]*crypto.PublicKey)}
	nodeSigner, err := identity.GenerateMemorySigner()
	require.NoError(t, err)
	dir.keys[nodeSigner.Principal().String()] = nodeSigner.PublicKey()

	members := make([]identity.Principal, 0, memberCount)
	for i := 0; i < memberCount; i++ {
		s, err := identity.GenerateMemorySigner()
		require.NoError(t, err)
		dir.keys[s.Principal().String()] = s.PublicKey()
		members = append(members, s.Principal())
	}

	engine, err := NewEngine(dag.NewMemKV(), dag.NewMemStore(dir), nodeSigner, EngineConfig{
		Quorum:         quorum,
		ThresholdBps:   thresholdBps,
		VotingPeriod:   time.Hour,
		InitialMembers: members,
	})
	require.NoError(t, err)

	h := &govHarness{
		engine:  engine,
		members: members,
		ledger:  mana.NewKVLedger(dag.NewMemKV(), uint256.NewInt(0), nil),
		params:  &paramRecorder{},
		now:     time.Unix(1_700_000_000, 0).UTC(),
	}
	engine.SetNowFunc(func() time.Time { return h.now })
	engine.SetParams(h.params)
	engine.SetLedger(h.ledger)
	return h
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestParameterChangeAcceptedAndExecuted(t *testing.T) {
	// Members {A,B,C,D}, quorum=3, threshold=0.6. A,B yes, C no, D abstain:
	// 4 ballots meet quorum, yes ratio 2/3 passes, execution updates the
	// named tunable.
	h := newGovHarness(t, 4, 3, 6000)
	a, b, c, d := h.members[0], h.members[1], h.members[2], h.members[3]

	payload := mustJSON(t, ParameterChangePayload{Name: "bidding_window_ms", Value: 10000})
	id, err := h.engine.Submit(a, ProposalKindParameterChange, "widen the bidding window", payload, ccid.CID{})
	require.NoError(t, err)

	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	require.NoError(t, h.engine.CastVote(b, id, VoteChoiceYes))
	require.NoError(t, h.engine.CastVote(c, id, VoteChoiceNo))
	require.NoError(t, h.engine.CastVote(d, id, VoteChoiceAbstain))

	status, tally, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, status)
	require.Equal(t, uint64(4), tally.TotalBallots)
	require.Equal(t, uint64(2), tally.YesWeight)
	require.Equal(t, uint64(1), tally.NoWeight)
	require.Equal(t, uint64(6666), tally.YesRatioBps)

	require.NoError(t, h.engine.Execute(id))
	require.Equal(t, uint64(10000), h.params.set["bidding_window_ms"])

	p, err := h.engine.Proposal(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusExecuted, p.Status)
}

func TestQuorumNotMetRejects(t *testing.T) {
	h := newGovHarness(t, 4, 3, 5000)
	a := h.members[0]

	id, err := h.engine.Submit(a, ProposalKindResolution, "declare intent", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))

	status, tally, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusRejected, status)
	require.Equal(t, uint64(1), tally.TotalBallots)
}

func TestSecondVoteBySameMemberRejected(t *testing.T) {
	h := newGovHarness(t, 3, 2, 5000)
	a := h.members[0]

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))

	err = h.engine.CastVote(a, id, VoteChoiceNo)
	require.Error(t, err)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	votes, err := h.engine.Votes(id)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, VoteChoiceYes, votes[0].Choice)
}

func TestDelegatedWeightCountsForDelegate(t *testing.T) {
	// D delegates to A and does not vote; A's ballot carries weight 2, so
	// quorum 3 is met by A+B alone and yes wins outright.
	h := newGovHarness(t, 4, 3, 5000)
	a, b, d := h.members[0], h.members[1], h.members[3]

	require.NoError(t, h.engine.Delegate(d, a))

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	require.NoError(t, h.engine.CastVote(b, id, VoteChoiceNo))

	status, tally, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, status)
	require.Equal(t, uint64(3), tally.TotalBallots)
	require.Equal(t, uint64(2), tally.YesWeight)
}

func TestDelegatorVotingDirectlyReclaimsWeight(t *testing.T) {
	h := newGovHarness(t, 3, 1, 5000)
	a, b := h.members[0], h.members[1]

	require.NoError(t, h.engine.Delegate(b, a))

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	require.NoError(t, h.engine.CastVote(b, id, VoteChoiceNo))

	_, tally, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	// B voted directly, so their weight stays with their own ballot; A does
	// not receive it.
	require.Equal(t, uint64(1), tally.YesWeight)
	require.Equal(t, uint64(1), tally.NoWeight)
}

func TestRevokedDelegationRestoresWeight(t *testing.T) {
	h := newGovHarness(t, 3, 1, 5000)
	a, b := h.members[0], h.members[1]

	require.NoError(t, h.engine.Delegate(b, a))
	require.NoError(t, h.engine.RevokeDelegation(b))

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))

	_, tally, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), tally.YesWeight)
}

func TestAddAndRemoveMember(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a := h.members[0]

	newcomer, err := identity.GenerateMemorySigner()
	require.NoError(t, err)

	id, err := h.engine.Submit(a, ProposalKindAddMember, "", mustJSON(t, MemberPayload{Member: newcomer.Principal().String()}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	status, _, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, status)
	require.NoError(t, h.engine.Execute(id))

	members, err := h.engine.Members()
	require.NoError(t, err)
	require.Len(t, members, 4)

	id2, err := h.engine.Submit(a, ProposalKindRemoveMember, "", mustJSON(t, MemberPayload{Member: newcomer.Principal().String()}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id2))
	require.NoError(t, h.engine.CastVote(a, id2, VoteChoiceYes))
	_, _, err = h.engine.CloseVoting(id2)
	require.NoError(t, err)
	require.NoError(t, h.engine.Execute(id2))

	members, err = h.engine.Members()
	require.NoError(t, err)
	require.Len(t, members, 3)
}

func TestBudgetAllocationCreditsRecipient(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a, b := h.members[0], h.members[1]

	id, err := h.engine.Submit(a, ProposalKindBudgetAllocation, "fund b",
		mustJSON(t, BudgetAllocationPayload{Recipient: b.String(), Amount: 500}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	_, _, err = h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.NoError(t, h.engine.Execute(id))

	bal, err := h.ledger.Balance(b)
	require.NoError(t, err)
	require.Equal(t, uint64(500), bal.Uint64())
}

func TestStatusTransitionsAreMonotone(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a := h.members[0]

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)

	// Voting cannot close before it opens.
	_, _, err = h.engine.CloseVoting(id)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	require.NoError(t, h.engine.OpenVoting(id))
	// Reopening is not a transition the partial order admits.
	err = h.engine.OpenVoting(id)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	status, _, err := h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, status)

	// Closing twice is rejected; executing an executed proposal is rejected.
	_, _, err = h.engine.CloseVoting(id)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))
	require.NoError(t, h.engine.Execute(id))
	err = h.engine.Execute(id)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))
}

func TestNonMemberCannotProposeOrVote(t *testing.T) {
	h := newGovHarness(t, 2, 1, 1)
	outsider, err := identity.GenerateMemorySigner()
	require.NoError(t, err)

	_, err = h.engine.Submit(outsider.Principal(), ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	id, err := h.engine.Submit(h.members[0], ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	err = h.engine.CastVote(outsider.Principal(), id, VoteChoiceYes)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))
}

func TestVoteAfterDeadlineTimesOut(t *testing.T) {
	h := newGovHarness(t, 2, 1, 1)
	a := h.members[0]

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))

	h.now = h.now.Add(2 * time.Hour)
	err = h.engine.CastVote(a, id, VoteChoiceYes)
	require.Equal(t, runtimeerr.Timeout, runtimeerr.KindOf(err))
}

func TestWithdrawFinalizesUndecidedProposal(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a := h.members[0]

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.Withdraw(id, a))

	p, err := h.engine.Proposal(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusRejected, p.Status)

	err = h.engine.CastVote(a, id, VoteChoiceYes)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	// A decided proposal cannot be withdrawn.
	err = h.engine.Withdraw(id, a)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))
}

func TestRetractVoteAllowsRevote(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a := h.members[0]

	id, err := h.engine.Submit(a, ProposalKindGeneric, "", mustJSON(t, map[string]string{}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))

	require.NoError(t, h.engine.RetractVote(a, id))
	votes, err := h.engine.Votes(id)
	require.NoError(t, err)
	require.Empty(t, votes)

	// Retracting again finds no ballot.
	err = h.engine.RetractVote(a, id)
	require.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))

	// The voter may cast a fresh ballot.
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceNo))
}

func TestRevertExecutionRestoresParameter(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a := h.members[0]
	require.NoError(t, h.params.Set("bidding_window_ms", 5000))

	id, err := h.engine.Submit(a, ProposalKindParameterChange, "",
		mustJSON(t, ParameterChangePayload{Name: "bidding_window_ms", Value: 10000}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	_, _, err = h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.NoError(t, h.engine.Execute(id))
	require.Equal(t, uint64(10000), h.params.set["bidding_window_ms"])

	require.NoError(t, h.engine.RevertExecution(id))
	require.Equal(t, uint64(5000), h.params.set["bidding_window_ms"])

	// The proposal is Accepted again and may re-execute later.
	p, err := h.engine.Proposal(id)
	require.NoError(t, err)
	require.Equal(t, ProposalStatusAccepted, p.Status)
	require.NoError(t, h.engine.Execute(id))
	require.Equal(t, uint64(10000), h.params.set["bidding_window_ms"])
}

func TestRevertExecutionReclaimsBudget(t *testing.T) {
	h := newGovHarness(t, 3, 1, 1)
	a, b := h.members[0], h.members[1]

	id, err := h.engine.Submit(a, ProposalKindBudgetAllocation, "",
		mustJSON(t, BudgetAllocationPayload{Recipient: b.String(), Amount: 500}), ccid.CID{})
	require.NoError(t, err)
	require.NoError(t, h.engine.OpenVoting(id))
	require.NoError(t, h.engine.CastVote(a, id, VoteChoiceYes))
	_, _, err = h.engine.CloseVoting(id)
	require.NoError(t, err)
	require.NoError(t, h.engine.Execute(id))

	bal, err := h.ledger.Balance(b)
	require.NoError(t, err)
	require.Equal(t, uint64(500), bal.Uint64())

	require.NoError(t, h.engine.RevertExecution(id))
	bal, err = h.ledger.Balance(b)
	require.NoError(t, err)
	require.True(t, bal.IsZero())

	// Reverting twice is rejected: the proposal is no longer Executed.
	err = h.engine.RevertExecution(id)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))
}
