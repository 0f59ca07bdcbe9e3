// Package governance implements the democratic proposal/vote state
// machine: proposal submission, deliberation, quorum+threshold voting
// with revocable non-transitive delegation, and execution of
// kind-specific effects, every mutation persisted for auditability.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"icn-core/canon"
	"icn-core/ccid"
	"icn-core/dag"
	"icn-core/gossip"
	"icn-core/identity"
	"icn-core/mana"
	"icn-core/runtimeerr"
)

const (
	maxBasisPoints = 10_000

	keyNextProposalID = "governance/seq"
	keyNextAuditSeq   = "governance/audit/seq"
	keyMembers        = "governance/members"
	keyDelegations    = "governance/delegations"
	proposalPrefix    = "governance/proposal/"
	votesPrefix       = "governance/votes/"
	auditHeadPrefix   = "governance/audit/head/"
	effectPrefix      = "governance/effect/"
)

// ParamStore receives parameter.change effects: a named runtime tunable
// and its new value. Get lets the engine journal the prior value so an
// executed change can be reverted. The runtime context's parameter
// registry implements this.
type ParamStore interface {
	Set(name string, value uint64) error
	Get(name string) (uint64, error)
}

// EngineConfig carries the admission policy an Engine starts with. Quorum
// counts weighted ballots; ThresholdBps is the yes/(yes+no) acceptance bar
// in basis points.
type EngineConfig struct {
	Quorum         uint64
	ThresholdBps   uint64
	VotingPeriod   time.Duration
	InitialMembers []identity.Principal
}

// Engine orchestrates proposal admission, voting, and execution. All state
// lives in the KV backend so a node can restart without losing governance
// history; audit records are additionally chained into the DAG store.
type Engine struct {
	mu     sync.Mutex
	kv     dag.KV
	store  dag.Store
	signer identity.Signer
	nowFn  func() time.Time

	quorum       uint64
	thresholdBps uint64
	votingPeriod time.Duration

	params ParamStore
	ledger mana.Ledger
	net    gossip.NetworkService
}

// NewEngine constructs an engine over kv (proposal/vote/member state) and
// store (audit anchoring), seeding the member set if none is persisted yet.
func NewEngine(kv dag.KV, store dag.Store, signer identity.Signer, cfg EngineConfig) (*Engine, error) {
	if cfg.ThresholdBps > maxBasisPoints {
		return nil, runtimeerr.New(runtimeerr.InvalidInput, "governance: threshold exceeds 10000 bps")
	}
	e := &Engine{
		kv:           kv,
		store:        store,
		signer:       signer,
		nowFn:        func() time.Time { return time.Now().UTC() },
		quorum:       cfg.Quorum,
		thresholdBps: cfg.ThresholdBps,
		votingPeriod: cfg.VotingPeriod,
	}
	if e.votingPeriod == 0 {
		e.votingPeriod = 24 * time.Hour
	}
	existing, err := e.loadMembers()
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 && len(cfg.InitialMembers) > 0 {
		if err := e.persistMembers(cfg.InitialMembers); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// SetNowFunc overrides the time source used to stamp proposals and votes.
// Nil restores the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetParams wires the parameter registry parameter.change proposals apply
// their effect to.
func (e *Engine) SetParams(p ParamStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = p
}

// SetLedger wires the mana ledger budget.allocation proposals credit.
func (e *Engine) SetLedger(l mana.Ledger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger = l
}

// SetNetwork wires the gossip service proposal and vote announcements are
// broadcast over. Nil disables announcement.
func (e *Engine) SetNetwork(net gossip.NetworkService) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.net = net
}

// wireProposal is the RLP projection of Proposal; times collapse to unix
// seconds as uint64, since RLP rejects signed integers.
type wireProposal struct {
	ID             uint64
	Proposer       string
	Kind           string
	Description    string
	Status         uint8
	CreatedAt      uint64
	VotingDeadline uint64
	Quorum         uint64
	ThresholdBps   uint64
	Payload        []byte
	ContentCID     []byte
}

type wireVote struct {
	ProposalID uint64
	Voter      string
	Choice     string
	Timestamp  uint64
}

type wireVoteList struct {
	Votes []wireVote
}

type wireStringList struct {
	Values []string
}

type wireDelegation struct {
	From string
	To   string
}

type wireDelegationList struct {
	Delegations []wireDelegation
}

type wireSeq struct {
	Next uint64
}

func proposalKey(id uint64) []byte  { return []byte(fmt.Sprintf("%s%d", proposalPrefix, id)) }
func votesKey(id uint64) []byte     { return []byte(fmt.Sprintf("%s%d", votesPrefix, id)) }
func auditHeadKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%d", auditHeadPrefix, id)) }
func effectKey(id uint64) []byte    { return []byte(fmt.Sprintf("%s%d", effectPrefix, id)) }

// wireEffect journals what an execution actually changed, so
// RevertExecution can apply the exact inverse.
type wireEffect struct {
	Kind          string
	ParamName     string
	PriorValue    uint64
	HadPrior      bool
	Member        string
	MemberExisted bool
	Recipient     string
	Amount        uint64
}

func (e *Engine) persistEffect(id uint64, eff wireEffect) error {
	data, err := canon.Bytes(eff)
	if err != nil {
		return err
	}
	if err := e.kv.Put(effectKey(id), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist effect journal", err)
	}
	return nil
}

func (e *Engine) loadEffect(id uint64) (*wireEffect, error) {
	data, err := e.kv.Get(effectKey(id))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "governance: load effect journal", err)
	}
	if data == nil {
		return nil, runtimeerr.New(runtimeerr.NotFound, "governance: no effect journal for proposal")
	}
	var eff wireEffect
	if err := canon.Decode(data, &eff); err != nil {
		return nil, err
	}
	return &eff, nil
}

func (e *Engine) loadSeq(key string) (uint64, error) {
	data, err := e.kv.Get([]byte(key))
	if err != nil {
		return 0, runtimeerr.Wrap(runtimeerr.StorageError, "governance: load sequence", err)
	}
	if data == nil {
		return 1, nil
	}
	var w wireSeq
	if err := canon.Decode(data, &w); err != nil {
		return 0, err
	}
	return w.Next, nil
}

func (e *Engine) persistSeq(key string, next uint64) error {
	data, err := canon.Bytes(wireSeq{Next: next})
	if err != nil {
		return err
	}
	if err := e.kv.Put([]byte(key), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist sequence", err)
	}
	return nil
}

func (e *Engine) persistProposal(p *Proposal) error {
	w := wireProposal{
		ID:             p.ID,
		Proposer:       p.Proposer.String(),
		Kind:           p.Kind,
		Description:    p.Description,
		Status:         uint8(p.Status),
		CreatedAt:      uint64(p.CreatedAt.Unix()),
		VotingDeadline: uint64(p.VotingDeadline.Unix()),
		Quorum:         p.Quorum,
		ThresholdBps:   p.ThresholdBps,
		Payload:        p.Payload,
	}
	if !p.ContentCID.IsZero() {
		w.ContentCID = p.ContentCID.MarshalBinary()
	}
	data, err := canon.Bytes(w)
	if err != nil {
		return err
	}
	if err := e.kv.Put(proposalKey(p.ID), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist proposal", err)
	}
	return nil
}

func (e *Engine) loadProposal(id uint64) (*Proposal, error) {
	data, err := e.kv.Get(proposalKey(id))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "governance: load proposal", err)
	}
	if data == nil {
		return nil, runtimeerr.New(runtimeerr.NotFound, "governance: unknown proposal")
	}
	var w wireProposal
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	proposer, err := identity.ParseDID(w.Proposer)
	if err != nil {
		return nil, err
	}
	p := &Proposal{
		ID:             w.ID,
		Proposer:       proposer,
		Kind:           w.Kind,
		Description:    w.Description,
		Status:         ProposalStatus(w.Status),
		CreatedAt:      time.Unix(int64(w.CreatedAt), 0).UTC(),
		VotingDeadline: time.Unix(int64(w.VotingDeadline), 0).UTC(),
		Quorum:         w.Quorum,
		ThresholdBps:   w.ThresholdBps,
		Payload:        w.Payload,
	}
	if len(w.ContentCID) > 0 {
		cid, err := ccid.UnmarshalCID(w.ContentCID)
		if err != nil {
			return nil, err
		}
		p.ContentCID = cid
	}
	return p, nil
}

func (e *Engine) loadVotes(id uint64) ([]Vote, error) {
	data, err := e.kv.Get(votesKey(id))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "governance: load votes", err)
	}
	if data == nil {
		return nil, nil
	}
	var w wireVoteList
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	out := make([]Vote, 0, len(w.Votes))
	for _, v := range w.Votes {
		voter, err := identity.ParseDID(v.Voter)
		if err != nil {
			return nil, err
		}
		out = append(out, Vote{
			ProposalID: v.ProposalID,
			Voter:      voter,
			Choice:     VoteChoice(v.Choice),
			Timestamp:  time.Unix(int64(v.Timestamp), 0).UTC(),
		})
	}
	return out, nil
}

func (e *Engine) persistVotes(id uint64, votes []Vote) error {
	w := wireVoteList{Votes: make([]wireVote, 0, len(votes))}
	for _, v := range votes {
		w.Votes = append(w.Votes, wireVote{
			ProposalID: v.ProposalID,
			Voter:      v.Voter.String(),
			Choice:     string(v.Choice),
			Timestamp:  uint64(v.Timestamp.Unix()),
		})
	}
	data, err := canon.Bytes(w)
	if err != nil {
		return err
	}
	if err := e.kv.Put(votesKey(id), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist votes", err)
	}
	return nil
}

func (e *Engine) loadMembers() ([]identity.Principal, error) {
	data, err := e.kv.Get([]byte(keyMembers))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "governance: load members", err)
	}
	if data == nil {
		return nil, nil
	}
	var w wireStringList
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	out := make([]identity.Principal, 0, len(w.Values))
	for _, s := range w.Values {
		p, err := identity.ParseDID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Engine) persistMembers(members []identity.Principal) error {
	values := make([]string, 0, len(members))
	for _, m := range members {
		values = append(values, m.String())
	}
	sort.Strings(values)
	data, err := canon.Bytes(wireStringList{Values: values})
	if err != nil {
		return err
	}
	if err := e.kv.Put([]byte(keyMembers), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist members", err)
	}
	return nil
}

func (e *Engine) loadDelegations() (map[string]string, error) {
	data, err := e.kv.Get([]byte(keyDelegations))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "governance: load delegations", err)
	}
	out := make(map[string]string)
	if data == nil {
		return out, nil
	}
	var w wireDelegationList
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	for _, d := range w.Delegations {
		out[d.From] = d.To
	}
	return out, nil
}

func (e *Engine) persistDelegations(delegations map[string]string) error {
	froms := make([]string, 0, len(delegations))
	for from := range delegations {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	w := wireDelegationList{Delegations: make([]wireDelegation, 0, len(froms))}
	for _, from := range froms {
		w.Delegations = append(w.Delegations, wireDelegation{From: from, To: delegations[from]})
	}
	data, err := canon.Bytes(w)
	if err != nil {
		return err
	}
	if err := e.kv.Put([]byte(keyDelegations), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist delegations", err)
	}
	return nil
}

func (e *Engine) isMember(members []identity.Principal, p identity.Principal) bool {
	for _, m := range members {
		if m.Equal(p) {
			return true
		}
	}
	return false
}

// appendAudit chains an audit record into the DAG store, linking back to
// the proposal's previous audit block so the per-proposal history forms a
// verifiable chain.
func (e *Engine) appendAudit(event AuditEvent, proposalID uint64, actor, details string) error {
	seq, err := e.loadSeq(keyNextAuditSeq)
	if err != nil {
		return err
	}
	record := AuditRecord{
		Sequence:   seq,
		Timestamp:  e.nowFn(),
		Event:      event,
		ProposalID: proposalID,
		Actor:      actor,
		Details:    details,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.InvalidInput, "governance: encode audit record", err)
	}
	var links []ccid.CID
	headData, err := e.kv.Get(auditHeadKey(proposalID))
	if err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: load audit head", err)
	}
	if headData != nil {
		head, err := ccid.UnmarshalCID(headData)
		if err != nil {
			return err
		}
		links = append(links, head)
	}
	block, err := dag.NewBlock(payload, links, "", e.nowFn(), e.signer)
	if err != nil {
		return err
	}
	cid, err := e.store.Put(block)
	if err != nil {
		return err
	}
	if err := e.kv.Put(auditHeadKey(proposalID), cid.MarshalBinary()); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "governance: persist audit head", err)
	}
	return e.persistSeq(keyNextAuditSeq, seq+1)
}

func (e *Engine) announce(msgType byte, payload interface{}) {
	if e.net == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = e.net.Announce(context.Background(), gossip.TopicGovernance, gossip.Message{
		Topic:   gossip.TopicGovernance,
		Type:    msgType,
		Payload: data,
	})
}

// Members returns the current member set in canonical order.
func (e *Engine) Members() ([]identity.Principal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadMembers()
}

// Proposal returns the persisted proposal with the given id.
func (e *Engine) Proposal(id uint64) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadProposal(id)
}

// Votes returns the ballots recorded against a proposal so far.
func (e *Engine) Votes(id uint64) ([]Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadVotes(id)
}

// Submit admits a new proposal into Deliberation. The
// proposer must be a member; the payload must decode against the kind's
// effect schema so malformed proposals are rejected before they can be
// voted on.
func (e *Engine) Submit(proposer identity.Principal, kind, description string, payload []byte, contentCID ccid.CID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !ValidKind(kind) {
		return 0, runtimeerr.New(runtimeerr.InvalidInput, "governance: unknown proposal kind")
	}
	members, err := e.loadMembers()
	if err != nil {
		return 0, err
	}
	if !e.isMember(members, proposer) {
		return 0, runtimeerr.New(runtimeerr.PolicyDenied, "governance: proposer is not a member")
	}
	if err := validatePayload(kind, payload); err != nil {
		return 0, err
	}

	id, err := e.loadSeq(keyNextProposalID)
	if err != nil {
		return 0, err
	}
	now := e.nowFn()
	p := &Proposal{
		ID:           id,
		Proposer:     proposer,
		Kind:         kind,
		Description:  description,
		Status:       ProposalStatusDeliberation,
		CreatedAt:    now,
		Quorum:       e.quorum,
		ThresholdBps: e.thresholdBps,
		Payload:      payload,
		ContentCID:   contentCID,
	}
	if err := e.persistProposal(p); err != nil {
		return 0, err
	}
	if err := e.persistSeq(keyNextProposalID, id+1); err != nil {
		return 0, err
	}
	if err := e.appendAudit(AuditEventProposed, id, proposer.String(), kind); err != nil {
		return 0, err
	}
	e.announce(gossip.MsgProposalAnnouncement, p)
	return id, nil
}

func validatePayload(kind string, payload []byte) error {
	switch kind {
	case ProposalKindParameterChange:
		var pc ParameterChangePayload
		if err := json.Unmarshal(payload, &pc); err != nil || pc.Name == "" {
			return runtimeerr.New(runtimeerr.InvalidInput, "governance: malformed parameter.change payload")
		}
	case ProposalKindAddMember, ProposalKindRemoveMember:
		var mp MemberPayload
		if err := json.Unmarshal(payload, &mp); err != nil {
			return runtimeerr.New(runtimeerr.InvalidInput, "governance: malformed member payload")
		}
		if _, err := identity.ParseDID(mp.Member); err != nil {
			return err
		}
	case ProposalKindBudgetAllocation:
		var bp BudgetAllocationPayload
		if err := json.Unmarshal(payload, &bp); err != nil || bp.Amount == 0 {
			return runtimeerr.New(runtimeerr.InvalidInput, "governance: malformed budget.allocation payload")
		}
		if _, err := identity.ParseDID(bp.Recipient); err != nil {
			return err
		}
	}
	return nil
}

// OpenVoting transitions a proposal from Deliberation to VotingOpen and
// stamps the voting deadline.
func (e *Engine) OpenVoting(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusDeliberation {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: proposal is not in deliberation")
	}
	p.Status = ProposalStatusVotingOpen
	p.VotingDeadline = e.nowFn().Add(e.votingPeriod)
	if err := e.persistProposal(p); err != nil {
		return err
	}
	return e.appendAudit(AuditEventVoting, id, "", p.VotingDeadline.Format(time.RFC3339))
}

// CastVote records one member's ballot. A voter who
// has already voted is rejected rather than overwritten, enforcing the
// at-most-one-vote invariant.
func (e *Engine) CastVote(voter identity.Principal, id uint64, choice VoteChoice) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !choice.Valid() {
		return runtimeerr.New(runtimeerr.InvalidInput, "governance: invalid vote choice")
	}
	members, err := e.loadMembers()
	if err != nil {
		return err
	}
	if !e.isMember(members, voter) {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: voter is not a member")
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusVotingOpen {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: voting is not open")
	}
	now := e.nowFn()
	if now.After(p.VotingDeadline) {
		return runtimeerr.New(runtimeerr.Timeout, "governance: voting deadline has passed")
	}
	votes, err := e.loadVotes(id)
	if err != nil {
		return err
	}
	for _, v := range votes {
		if v.Voter.Equal(voter) {
			return runtimeerr.New(runtimeerr.PolicyDenied, "governance: voter has already cast a ballot")
		}
	}
	vote := Vote{ProposalID: id, Voter: voter, Choice: choice, Timestamp: now}
	votes = append(votes, vote)
	if err := e.persistVotes(id, votes); err != nil {
		return err
	}
	if err := e.appendAudit(AuditEventVote, id, voter.String(), choice.String()); err != nil {
		return err
	}
	e.announce(gossip.MsgVoteCast, vote)
	return nil
}

// Delegate transfers from's effective voting weight to to.
// Delegations are revocable and non-transitive: weight delegated to a
// member who has themselves delegated away does not flow onward.
func (e *Engine) Delegate(from, to identity.Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if from.Equal(to) {
		return runtimeerr.New(runtimeerr.InvalidInput, "governance: cannot delegate to self")
	}
	members, err := e.loadMembers()
	if err != nil {
		return err
	}
	if !e.isMember(members, from) || !e.isMember(members, to) {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: delegation requires two members")
	}
	delegations, err := e.loadDelegations()
	if err != nil {
		return err
	}
	delegations[from.String()] = to.String()
	if err := e.persistDelegations(delegations); err != nil {
		return err
	}
	return e.appendAudit(AuditEventDelegated, 0, from.String(), to.String())
}

// RevokeDelegation removes from's outstanding delegation, restoring their
// own voting weight.
func (e *Engine) RevokeDelegation(from identity.Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delegations, err := e.loadDelegations()
	if err != nil {
		return err
	}
	if _, ok := delegations[from.String()]; !ok {
		return runtimeerr.New(runtimeerr.NotFound, "governance: no delegation to revoke")
	}
	delete(delegations, from.String())
	if err := e.persistDelegations(delegations); err != nil {
		return err
	}
	return e.appendAudit(AuditEventRevoked, 0, from.String(), "")
}

// CloseVoting tallies ballots over direct plus delegated weight and
// finalizes the proposal as Accepted or Rejected.
// Accepted requires total weighted ballots >= quorum and
// yes/(yes+no) >= threshold.
func (e *Engine) CloseVoting(id uint64) (ProposalStatus, *Tally, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadProposal(id)
	if err != nil {
		return ProposalStatusUnspecified, nil, err
	}
	if p.Status != ProposalStatusVotingOpen {
		return ProposalStatusUnspecified, nil, runtimeerr.New(runtimeerr.PolicyDenied, "governance: voting is not open")
	}
	votes, err := e.loadVotes(id)
	if err != nil {
		return ProposalStatusUnspecified, nil, err
	}
	delegations, err := e.loadDelegations()
	if err != nil {
		return ProposalStatusUnspecified, nil, err
	}

	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.Voter.String()] = true
	}
	// weight(v) = 1 if v has not delegated away or cast their own ballot,
	// plus one for each member who delegated to v and did not cast their
	// own ballot. A delegator voting directly reclaims their weight for
	// that proposal.
	weightOf := func(voter identity.Principal) uint64 {
		key := voter.String()
		var w uint64
		if _, delegatedAway := delegations[key]; !delegatedAway || voted[key] {
			w = 1
		}
		for from, to := range delegations {
			if to == key && !voted[from] {
				w++
			}
		}
		return w
	}

	tally := &Tally{Quorum: p.Quorum, ThresholdBps: p.ThresholdBps}
	for _, v := range votes {
		w := weightOf(v.Voter)
		tally.TotalBallots += w
		switch v.Choice {
		case VoteChoiceYes:
			tally.YesWeight += w
		case VoteChoiceNo:
			tally.NoWeight += w
		case VoteChoiceAbstain:
			tally.Abstain += w
		}
	}
	decisive := tally.YesWeight + tally.NoWeight
	if decisive > 0 {
		tally.YesRatioBps = tally.YesWeight * maxBasisPoints / decisive
	}

	status := ProposalStatusRejected
	if tally.TotalBallots >= p.Quorum && decisive > 0 && tally.YesRatioBps >= p.ThresholdBps {
		status = ProposalStatusAccepted
	}
	p.Status = status
	if err := e.persistProposal(p); err != nil {
		return ProposalStatusUnspecified, nil, err
	}
	if err := e.appendAudit(AuditEventFinalized, id, "", status.StatusString()); err != nil {
		return ProposalStatusUnspecified, nil, err
	}
	return status, tally, nil
}

// Withdraw pulls a proposal back before any decision is reached: allowed
// from Deliberation or VotingOpen, finalizing the proposal as Rejected
// with a withdrawal audit record. Used as the compensation when the
// invocation that created the proposal rolls back.
func (e *Engine) Withdraw(id uint64, actor identity.Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusDeliberation && p.Status != ProposalStatusVotingOpen {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: only undecided proposals can be withdrawn")
	}
	p.Status = ProposalStatusRejected
	if err := e.persistProposal(p); err != nil {
		return err
	}
	return e.appendAudit(AuditEventWithdrawn, id, actor.String(), "")
}

// RetractVote removes voter's ballot while voting is still open, used as
// the compensation when the invocation that cast the vote rolls back.
func (e *Engine) RetractVote(voter identity.Principal, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusVotingOpen {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: voting is not open")
	}
	votes, err := e.loadVotes(id)
	if err != nil {
		return err
	}
	kept := votes[:0]
	found := false
	for _, v := range votes {
		if v.Voter.Equal(voter) {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return runtimeerr.New(runtimeerr.NotFound, "governance: no ballot to retract")
	}
	if err := e.persistVotes(id, kept); err != nil {
		return err
	}
	return e.appendAudit(AuditEventVoteRetracted, id, voter.String(), "")
}

// Execute applies an accepted proposal's kind-specific effect. Execution errors transition the proposal to Failed and are
// returned to the caller; a Failed status is never rolled back, and an
// Executed status returns to Accepted only through RevertExecution.
func (e *Engine) Execute(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusAccepted {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: only accepted proposals can execute")
	}

	eff, execErr := e.applyEffect(p)
	if execErr == nil {
		execErr = e.persistEffect(id, eff)
	}
	if execErr != nil {
		p.Status = ProposalStatusFailed
		if err := e.persistProposal(p); err != nil {
			return err
		}
		if err := e.appendAudit(AuditEventFailed, id, "", execErr.Error()); err != nil {
			return err
		}
		return execErr
	}
	p.Status = ProposalStatusExecuted
	if err := e.persistProposal(p); err != nil {
		return err
	}
	return e.appendAudit(AuditEventExecuted, id, "", p.Kind)
}

func (e *Engine) applyEffect(p *Proposal) (wireEffect, error) {
	eff := wireEffect{Kind: p.Kind}
	switch p.Kind {
	case ProposalKindParameterChange:
		var pc ParameterChangePayload
		if err := json.Unmarshal(p.Payload, &pc); err != nil {
			return eff, runtimeerr.Wrap(runtimeerr.InvalidInput, "governance: decode parameter.change", err)
		}
		if e.params == nil {
			return eff, runtimeerr.New(runtimeerr.InternalError, "governance: no parameter store wired")
		}
		eff.ParamName = pc.Name
		if prior, err := e.params.Get(pc.Name); err == nil {
			eff.PriorValue = prior
			eff.HadPrior = true
		}
		return eff, e.params.Set(pc.Name, pc.Value)

	case ProposalKindAddMember:
		var mp MemberPayload
		if err := json.Unmarshal(p.Payload, &mp); err != nil {
			return eff, runtimeerr.Wrap(runtimeerr.InvalidInput, "governance: decode member.add", err)
		}
		member, err := identity.ParseDID(mp.Member)
		if err != nil {
			return eff, err
		}
		members, err := e.loadMembers()
		if err != nil {
			return eff, err
		}
		eff.Member = member.String()
		if e.isMember(members, member) {
			eff.MemberExisted = true
			return eff, nil
		}
		return eff, e.persistMembers(append(members, member))

	case ProposalKindRemoveMember:
		var mp MemberPayload
		if err := json.Unmarshal(p.Payload, &mp); err != nil {
			return eff, runtimeerr.Wrap(runtimeerr.InvalidInput, "governance: decode member.remove", err)
		}
		member, err := identity.ParseDID(mp.Member)
		if err != nil {
			return eff, err
		}
		members, err := e.loadMembers()
		if err != nil {
			return eff, err
		}
		eff.Member = member.String()
		eff.MemberExisted = e.isMember(members, member)
		kept := members[:0]
		for _, m := range members {
			if !m.Equal(member) {
				kept = append(kept, m)
			}
		}
		if err := e.persistMembers(kept); err != nil {
			return eff, err
		}
		// A removed member's delegations, inbound and outbound, are void.
		delegations, err := e.loadDelegations()
		if err != nil {
			return eff, err
		}
		delete(delegations, member.String())
		for from, to := range delegations {
			if to == member.String() {
				delete(delegations, from)
			}
		}
		return eff, e.persistDelegations(delegations)

	case ProposalKindBudgetAllocation:
		var bp BudgetAllocationPayload
		if err := json.Unmarshal(p.Payload, &bp); err != nil {
			return eff, runtimeerr.Wrap(runtimeerr.InvalidInput, "governance: decode budget.allocation", err)
		}
		if e.ledger == nil {
			return eff, runtimeerr.New(runtimeerr.InternalError, "governance: no ledger wired")
		}
		recipient, err := identity.ParseDID(bp.Recipient)
		if err != nil {
			return eff, err
		}
		eff.Recipient = recipient.String()
		eff.Amount = bp.Amount
		return eff, e.ledger.Credit(recipient, uint256.NewInt(bp.Amount))

	case ProposalKindResolution, ProposalKindGeneric:
		// Declarative decisions carry no runtime effect beyond the audit
		// trail.
		return eff, nil

	default:
		return eff, runtimeerr.New(runtimeerr.InvalidInput, "governance: unknown proposal kind")
	}
}

// RevertExecution compensates an executed proposal when the invocation
// that executed it rolls back: the journaled effect is applied in reverse
// and the proposal returns to Accepted, eligible for a later re-execution.
func (e *Engine) RevertExecution(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusExecuted {
		return runtimeerr.New(runtimeerr.PolicyDenied, "governance: only executed proposals can be reverted")
	}
	eff, err := e.loadEffect(id)
	if err != nil {
		return err
	}
	if err := e.revertEffect(eff); err != nil {
		return err
	}
	p.Status = ProposalStatusAccepted
	if err := e.persistProposal(p); err != nil {
		return err
	}
	return e.appendAudit(AuditEventReverted, id, "", p.Kind)
}

func (e *Engine) revertEffect(eff *wireEffect) error {
	switch eff.Kind {
	case ProposalKindParameterChange:
		if !eff.HadPrior {
			return nil
		}
		if e.params == nil {
			return runtimeerr.New(runtimeerr.InternalError, "governance: no parameter store wired")
		}
		return e.params.Set(eff.ParamName, eff.PriorValue)

	case ProposalKindAddMember:
		if eff.MemberExisted {
			return nil
		}
		member, err := identity.ParseDID(eff.Member)
		if err != nil {
			return err
		}
		members, err := e.loadMembers()
		if err != nil {
			return err
		}
		kept := members[:0]
		for _, m := range members {
			if !m.Equal(member) {
				kept = append(kept, m)
			}
		}
		return e.persistMembers(kept)

	case ProposalKindRemoveMember:
		if !eff.MemberExisted {
			return nil
		}
		member, err := identity.ParseDID(eff.Member)
		if err != nil {
			return err
		}
		members, err := e.loadMembers()
		if err != nil {
			return err
		}
		if e.isMember(members, member) {
			return nil
		}
		// Delegations voided by the removal are not reconstructed; members
		// re-delegate explicitly.
		return e.persistMembers(append(members, member))

	case ProposalKindBudgetAllocation:
		if e.ledger == nil {
			return runtimeerr.New(runtimeerr.InternalError, "governance: no ledger wired")
		}
		recipient, err := identity.ParseDID(eff.Recipient)
		if err != nil {
			return err
		}
		return e.ledger.Spend(recipient, uint256.NewInt(eff.Amount))

	case ProposalKindResolution, ProposalKindGeneric:
		return nil

	default:
		return runtimeerr.New(runtimeerr.InvalidInput, "governance: unknown proposal kind in effect journal")
	}
}
