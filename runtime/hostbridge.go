package runtime

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/holiman/uint256"

	"icn-core/ccid"
	"icn-core/identity"
	"icn-core/jobmanager"
	"icn-core/runtimeerr"
	"icn-core/sandbox"
)

// hostBridge adapts the runtime's services onto the sandbox host-call op
// interfaces. One bridge is built per module
// invocation, carrying the invoking principal so privileged calls can be
// distinguished from ordinary ones.
type hostBridge struct {
	c       *Context
	invoker identity.Principal
}

func (b *hostBridge) parsePrincipal(s string) (identity.Principal, error) {
	return identity.ParseDID(s)
}

// GetBalance implements host call 10.
func (b *hostBridge) GetBalance(principal string) (uint64, error) {
	p, err := b.parsePrincipal(principal)
	if err != nil {
		return 0, err
	}
	bal, err := b.c.ledger.Balance(p)
	if err != nil {
		return 0, err
	}
	return bal.Uint64(), nil
}

// Spend implements host call 11.
func (b *hostBridge) Spend(principal string, amount uint64) error {
	p, err := b.parsePrincipal(principal)
	if err != nil {
		return err
	}
	// A module may only debit its own invoker; spending another
	// principal's mana would let any job drain arbitrary accounts.
	if !p.Equal(b.invoker) {
		return runtimeerr.New(runtimeerr.PolicyDenied, "runtime: module may only spend its invoker's mana")
	}
	if err := b.c.ledger.Spend(p, uint256.NewInt(amount)); err != nil {
		return err
	}
	b.c.metrics.ManaSpend()
	return nil
}

// Credit implements host call 12. Credit is privileged: only modules
// invoked by the node's own principal (governance-executed policy) may
// mint capacity back into an account.
func (b *hostBridge) Credit(principal string, amount uint64) error {
	if !b.invoker.Equal(b.c.signer.Principal()) {
		return runtimeerr.New(runtimeerr.PolicyDenied, "runtime: credit is privileged")
	}
	p, err := b.parsePrincipal(principal)
	if err != nil {
		return err
	}
	if err := b.c.ledger.Credit(p, uint256.NewInt(amount)); err != nil {
		return err
	}
	b.c.metrics.ManaCredit()
	return nil
}

// moduleJobRequest is the JSON schema host call 16 accepts from module
// linear memory.
type moduleJobRequest struct {
	ManifestCID string `json:"manifest_cid"`
	Kind        string `json:"kind"`
	EchoPayload string `json:"echo_payload,omitempty"`
	CostCredits uint64 `json:"cost_credits"`
	CPU         uint64 `json:"cpu"`
	MemMB       uint64 `json:"mem_mb"`
	StorageMB   uint64 `json:"storage_mb"`
}

// SubmitJob implements host call 16: a module enqueues a new job, authored
// and signed by the node on behalf of the invocation.
func (b *hostBridge) SubmitJob(specJSON []byte) (string, error) {
	var req moduleJobRequest
	if err := json.Unmarshal(specJSON, &req); err != nil {
		return "", runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode job request", err)
	}
	manifest, err := ccid.Parse(req.ManifestCID)
	if err != nil {
		return "", err
	}
	kind := jobmanager.JobKind{Tag: req.Kind}
	switch req.Kind {
	case jobmanager.JobKindEcho:
		kind.EchoPayload = []byte(req.EchoPayload)
	case jobmanager.JobKindGeneric:
	default:
		// Nested policy-module submission is rejected: a module spawning
		// modules would bypass the per-invocation resource limits.
		return "", runtimeerr.New(runtimeerr.PolicyDenied, "runtime: unsupported job kind from module")
	}
	job := jobmanager.Job{
		ManifestCID: manifest,
		Spec: jobmanager.JobSpec{
			Kind:      kind,
			Resources: jobmanager.ResourceRequirements{CPU: req.CPU, MemMB: req.MemMB, StorageMB: req.StorageMB},
		},
		CostCredits: req.CostCredits,
	}
	if err := jobmanager.SignJob(&job, b.c.signer); err != nil {
		return "", err
	}
	id, err := b.c.SubmitJob(context.Background(), job)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// CancelJob compensates a host-submitted job when its invocation rolls
// back: the job is cancelled and the charge refunded.
func (b *hostBridge) CancelJob(jobID string) error {
	cid, err := ccid.Parse(jobID)
	if err != nil {
		return err
	}
	return b.c.CancelJob(context.Background(), jobmanager.JobID{CID: cid})
}

// PendingJobs implements host call 22.
func (b *hostBridge) PendingJobs() ([]string, error) {
	ids := b.c.jobs.PendingJobs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}

// moduleReceipt is the JSON schema host call 23 accepts.
type moduleReceipt struct {
	JobID        string `json:"job_id"`
	Executor     string `json:"executor"`
	ResultCID    string `json:"result_cid"`
	CPUMs        uint64 `json:"cpu_ms"`
	MemoryPeakKB uint64 `json:"memory_peak_kb"`
	ExitStatus   int32  `json:"exit_status"`
	Signature    string `json:"signature"`
}

// AnchorReceipt implements host call 23: verify and anchor an execution
// receipt presented by a module, settling the referenced job.
func (b *hostBridge) AnchorReceipt(receiptJSON []byte) (string, error) {
	var req moduleReceipt
	if err := json.Unmarshal(receiptJSON, &req); err != nil {
		return "", runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode receipt", err)
	}
	jobCID, err := ccid.Parse(req.JobID)
	if err != nil {
		return "", err
	}
	executor, err := identity.ParseDID(req.Executor)
	if err != nil {
		return "", err
	}
	resultCID, err := ccid.Parse(req.ResultCID)
	if err != nil {
		return "", err
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return "", runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode receipt signature", err)
	}
	receipt := &jobmanager.ExecutionReceipt{
		JobID:        jobmanager.JobID{CID: jobCID},
		Executor:     executor,
		ResultCID:    resultCID,
		CPUMs:        req.CPUMs,
		MemoryPeakKB: req.MemoryPeakKB,
		ExitStatus:   req.ExitStatus,
		Signature:    identity.Signature(sig),
	}
	if err := b.c.SubmitReceipt(context.Background(), receipt); err != nil {
		return "", err
	}
	return resultCID.String(), nil
}

// RevertReceipt compensates a host-anchored receipt when its invocation
// rolls back.
func (b *hostBridge) RevertReceipt(receiptJSON []byte) error {
	var req moduleReceipt
	if err := json.Unmarshal(receiptJSON, &req); err != nil {
		return runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode receipt", err)
	}
	jobCID, err := ccid.Parse(req.JobID)
	if err != nil {
		return err
	}
	return b.c.RevertReceipt(context.Background(), jobmanager.JobID{CID: jobCID})
}

// GetReputation implements host call 24.
func (b *hostBridge) GetReputation(principal string) (uint64, error) {
	p, err := b.parsePrincipal(principal)
	if err != nil {
		return 0, err
	}
	return b.c.reputation.Score(p)
}

// moduleProposal is the JSON schema host call 17 accepts.
type moduleProposal struct {
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
}

// CreateProposal implements host call 17; proposals originate from the
// module's invoking principal, who must be a governance member.
func (b *hostBridge) CreateProposal(payload []byte) (string, error) {
	var req moduleProposal
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode proposal", err)
	}
	id, err := b.c.governance.Submit(b.invoker, req.Kind, req.Description, req.Payload, ccid.CID{})
	if err != nil {
		return "", err
	}
	return formatProposalID(id), nil
}

// WithdrawProposal compensates a host-created proposal when its
// invocation rolls back.
func (b *hostBridge) WithdrawProposal(proposalID string) error {
	pid, err := parseProposalID(proposalID)
	if err != nil {
		return err
	}
	return b.c.governance.Withdraw(pid, b.invoker)
}

// moduleVote is the JSON schema host call 19 accepts.
type moduleVote struct {
	ProposalID uint64 `json:"proposal_id"`
	Choice     string `json:"choice"`
}

// CastVote implements host call 19.
func (b *hostBridge) CastVote(payload []byte) error {
	var req moduleVote
	if err := json.Unmarshal(payload, &req); err != nil {
		return runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode vote", err)
	}
	return b.c.governance.CastVote(b.invoker, req.ProposalID, voteChoice(req.Choice))
}

// RetractVote compensates a host-cast vote when its invocation rolls
// back.
func (b *hostBridge) RetractVote(payload []byte) error {
	var req moduleVote
	if err := json.Unmarshal(payload, &req); err != nil {
		return runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: decode vote", err)
	}
	return b.c.governance.RetractVote(b.invoker, req.ProposalID)
}

// ExecuteProposal implements host call 21.
func (b *hostBridge) ExecuteProposal(id string) error {
	pid, err := parseProposalID(id)
	if err != nil {
		return err
	}
	return b.c.governance.Execute(pid)
}

// RevertProposal compensates a host-executed proposal when its invocation
// rolls back, applying the journaled inverse effect.
func (b *hostBridge) RevertProposal(id string) error {
	pid, err := parseProposalID(id)
	if err != nil {
		return err
	}
	return b.c.governance.RevertExecution(pid)
}

var _ sandbox.BalanceOps = (*hostBridge)(nil)
var _ sandbox.JobOps = (*hostBridge)(nil)
var _ sandbox.ReceiptOps = (*hostBridge)(nil)
var _ sandbox.ReputationOps = (*hostBridge)(nil)
var _ sandbox.GovernanceOps = (*hostBridge)(nil)
