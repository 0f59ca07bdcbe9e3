package governance

import (
	"time"

	"icn-core/ccid"
	"icn-core/identity"
)

// ProposalStatus enumerates the lifecycle phases a proposal transitions
// through. The partial order is strict and irreversible except for
// Accepted, which may still move to Executed or Failed, and Executed,
// which RevertExecution returns to Accepted when the invocation that
// executed it rolls back.
type ProposalStatus uint8

const (
	// ProposalStatusUnspecified indicates the proposal has not been
	// initialised and should never appear in state.
	ProposalStatusUnspecified ProposalStatus = iota
	// ProposalStatusDeliberation identifies proposals under discussion,
	// before voting opens.
	ProposalStatusDeliberation
	// ProposalStatusVotingOpen identifies proposals actively accepting
	// ballots from the member set.
	ProposalStatusVotingOpen
	// ProposalStatusAccepted marks proposals that met quorum and threshold
	// and are awaiting execution.
	ProposalStatusAccepted
	// ProposalStatusRejected marks proposals that failed quorum or
	// threshold during the voting window.
	ProposalStatusRejected
	// ProposalStatusExecuted indicates the proposal's effect has been
	// applied.
	ProposalStatusExecuted
	// ProposalStatusFailed marks accepted proposals whose execution
	// errored, requiring operator intervention.
	ProposalStatusFailed
)

// StatusString provides a developer-friendly textual representation
// suitable for logs and audit records.
func (s ProposalStatus) StatusString() string {
	switch s {
	case ProposalStatusDeliberation:
		return "deliberation"
	case ProposalStatusVotingOpen:
		return "voting_open"
	case ProposalStatusAccepted:
		return "accepted"
	case ProposalStatusRejected:
		return "rejected"
	case ProposalStatusExecuted:
		return "executed"
	case ProposalStatusFailed:
		return "failed"
	default:
		return "unspecified"
	}
}

// Terminal reports whether s admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalStatusRejected || s == ProposalStatusExecuted || s == ProposalStatusFailed
}

// ProposalKind enumerates the canonical proposal targets the engine can
// execute. The constants are stable strings so indexers
// and audit consumers can dispatch without a schema registry.
const (
	ProposalKindParameterChange  = "parameter.change"
	ProposalKindAddMember        = "member.add"
	ProposalKindRemoveMember     = "member.remove"
	ProposalKindBudgetAllocation = "budget.allocation"
	ProposalKindResolution       = "resolution"
	ProposalKindGeneric          = "generic"
)

// ValidKind reports whether kind is one of the supported proposal kinds.
func ValidKind(kind string) bool {
	switch kind {
	case ProposalKindParameterChange, ProposalKindAddMember, ProposalKindRemoveMember,
		ProposalKindBudgetAllocation, ProposalKindResolution, ProposalKindGeneric:
		return true
	default:
		return false
	}
}

// VoteChoice enumerates the supported ballot selections.
type VoteChoice string

const (
	// VoteChoiceUnspecified marks an unset or invalid ballot.
	VoteChoiceUnspecified VoteChoice = ""
	// VoteChoiceYes signals support for the proposal.
	VoteChoiceYes VoteChoice = "yes"
	// VoteChoiceNo signals opposition.
	VoteChoiceNo VoteChoice = "no"
	// VoteChoiceAbstain records participation without support or
	// opposition; abstentions count toward quorum only.
	VoteChoiceAbstain VoteChoice = "abstain"
)

// Valid reports whether the choice is a supported selection.
func (c VoteChoice) Valid() bool {
	switch c {
	case VoteChoiceYes, VoteChoiceNo, VoteChoiceAbstain:
		return true
	default:
		return false
	}
}

func (c VoteChoice) String() string { return string(c) }

// Vote is one member's recorded ballot on a proposal. At most one vote per
// voter per proposal is persisted.
type Vote struct {
	ProposalID uint64
	Voter      identity.Principal
	Choice     VoteChoice
	Timestamp  time.Time
}

// Proposal carries the metadata and voting state for one governance
// artifact.
type Proposal struct {
	ID             uint64
	Proposer       identity.Principal
	Kind           string
	Description    string
	Status         ProposalStatus
	CreatedAt      time.Time
	VotingDeadline time.Time
	Quorum         uint64
	ThresholdBps   uint64
	// Payload is the kind-specific JSON effect applied on execution.
	Payload []byte
	// ContentCID optionally links supplementary material anchored in the
	// DAG store.
	ContentCID ccid.CID
}

// Tally captures the aggregated ballot distribution for a closed proposal
// alongside the parameters applied to determine the outcome, in the same
// basis-point convention the rest of the runtime uses for thresholds.
type Tally struct {
	TotalBallots uint64
	YesWeight    uint64
	NoWeight     uint64
	Abstain      uint64
	YesRatioBps  uint64
	Quorum       uint64
	ThresholdBps uint64
}

// ParameterChangePayload is the effect schema for parameter.change
// proposals: a named runtime tunable and its new value.
type ParameterChangePayload struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// MemberPayload is the effect schema for member.add and member.remove
// proposals.
type MemberPayload struct {
	Member string `json:"member"`
}

// BudgetAllocationPayload instructs the engine to credit mana to a
// recipient from the cooperative's shared capacity.
type BudgetAllocationPayload struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// AuditEvent identifies the lifecycle milestone captured by an audit
// record.
type AuditEvent string

const (
	AuditEventProposed  AuditEvent = "proposed"
	AuditEventVoting    AuditEvent = "voting_opened"
	AuditEventVote      AuditEvent = "vote"
	AuditEventDelegated AuditEvent = "delegated"
	AuditEventRevoked   AuditEvent = "delegation_revoked"
	AuditEventFinalized AuditEvent = "finalized"
	AuditEventExecuted  AuditEvent = "executed"
	AuditEventFailed    AuditEvent = "failed"
	// AuditEventWithdrawn marks a proposal its originator pulled back
	// before a decision, e.g. when a policy module's invocation rolled
	// back.
	AuditEventWithdrawn AuditEvent = "withdrawn"
	// AuditEventVoteRetracted marks a ballot removed while voting was
	// still open.
	AuditEventVoteRetracted AuditEvent = "vote_retracted"
	// AuditEventReverted marks an executed effect compensated back out.
	AuditEventReverted AuditEvent = "execution_reverted"
)

// AuditRecord is one immutable governance lifecycle entry. Records are
// written append-only into the DAG store, chained per proposal, so
// auditors can reconstruct the exact ordering of governance actions
// without an external event stream.
type AuditRecord struct {
	Sequence   uint64     `json:"sequence"`
	Timestamp  time.Time  `json:"timestamp"`
	Event      AuditEvent `json:"event"`
	ProposalID uint64     `json:"proposal_id"`
	Actor      string     `json:"actor,omitempty"`
	Details    string     `json:"details,omitempty"`
}
