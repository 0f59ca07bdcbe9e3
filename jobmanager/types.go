// Package jobmanager implements the job lifecycle state machine and
// bidding auction: submission, bidding, executor selection, assignment,
// execution, and receipt collection, with every transition persisted as
// a DAG block and refunds compensating any failed flow.
package jobmanager

import (
	"icn-core/ccid"
	"icn-core/identity"
)

// JobID wraps the CID deterministically derived from
// (manifest_cid, spec_bytes, creator).
type JobID struct{ ccid.CID }

// ResourceRequirements describes the compute resources a job needs or a
// bid offers.
type ResourceRequirements struct {
	CPU       uint64
	MemMB     uint64
	StorageMB uint64
}

// Satisfies reports whether offered meets req on every dimension.
func (req ResourceRequirements) Satisfies(offered ResourceRequirements) bool {
	return offered.CPU >= req.CPU && offered.MemMB >= req.MemMB && offered.StorageMB >= req.StorageMB
}

// JobKind is the tagged variant over a job's execution mode.
type JobKind struct {
	Tag          string // "echo" | "policy_module" | "generic"
	EchoPayload  []byte
	ModuleCID    ccid.CID
}

const (
	JobKindEcho         = "echo"
	JobKindPolicyModule = "policy_module"
	JobKindGeneric      = "generic"
)

// JobSpec is the declarative description of what a job needs.
type JobSpec struct {
	Kind                  JobKind
	Inputs                []ccid.CID
	Outputs               []string
	Resources             ResourceRequirements
	RequiredCapabilities  []string
	RequiredTrustScope    string
	MinExecutorReputation uint64
	HasMinReputation      bool
	AllowedFederations    []string
}

// Job is the persisted, signed job descriptor.
type Job struct {
	ID           JobID
	ManifestCID  ccid.CID
	Spec         JobSpec
	Creator      identity.Principal
	CostCredits  uint64
	MaxWaitMS    uint64
	HasMaxWaitMS bool
	Signature    identity.Signature
}

// State is the job lifecycle enum.
type State uint8

const (
	StateSubmitted State = iota
	StateBiddingOpen
	StateBiddingClosed
	StateAssigned
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "Submitted"
	case StateBiddingOpen:
		return "BiddingOpen"
	case StateBiddingClosed:
		return "BiddingClosed"
	case StateAssigned:
		return "Assigned"
	case StateExecuting:
		return "Executing"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FailureReason enumerates why a job entered StateFailed.
type FailureReason string

const (
	FailureNoBids           FailureReason = "NoBids"
	FailureTimeout          FailureReason = "Timeout"
	FailureInvalidReceipt   FailureReason = "InvalidReceipt"
	FailureResourceExceeded FailureReason = "ResourceExceeded"
	FailureModuleError      FailureReason = "ModuleError"
	FailureCancelled        FailureReason = "Cancelled"
)

// Bid is a signed executor offer.
type Bid struct {
	JobID        JobID
	Executor     identity.Principal
	PriceCredits uint64
	Resources    ResourceRequirements
	Capabilities []string
	Federations  []string
	TrustScope   string
	Timestamp    int64
	Signature    identity.Signature
}

// Assignment is the signed record of the selected executor for a job.
type Assignment struct {
	JobID    JobID
	Executor identity.Principal
	Bid      Bid
}

// ExecutionReceipt is the signed, verifiable record of a completed job.
type ExecutionReceipt struct {
	JobID        JobID
	Executor     identity.Principal
	ResultCID    ccid.CID
	CPUMs        uint64
	MemoryPeakKB uint64
	ExitStatus   int32
	Signature    identity.Signature
}

// Checkpoint is a signed, non-terminal progress marker emitted by a
// long-running executor.
type Checkpoint struct {
	JobID           JobID
	Executor        identity.Principal
	Stage           string
	ProgressPercent uint8
	StateCID        ccid.CID
	Signature       identity.Signature
}

// PartialOutput is a signed intermediate output marker.
type PartialOutput struct {
	JobID     JobID
	Executor  identity.Principal
	Stage     string
	OutputCID ccid.CID
	Signature identity.Signature
}

// SelectionWeights are the tunable weights in the executor scoring formula.
type SelectionWeights struct {
	Price      float64
	Reputation float64
	Resources  float64
	Latency    float64
}

// DefaultSelectionWeights weights reputation dominant, to disincentivize
// undercutting by low-reputation bidders.
var DefaultSelectionWeights = SelectionWeights{Price: 1.0, Reputation: 50.0, Resources: 1.0, Latency: 1.0}
