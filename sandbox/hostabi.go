package sandbox

import (
	"icn-core/runtimeerr"
)

// Host function table indices; the numbers are contractual. Gaps
// (13-15, 18, 20) are reserved for interfaces this runtime does not
// expose.
const (
	HostGetBalance      byte = 10
	HostSpend           byte = 11
	HostCredit          byte = 12
	HostSubmitJob       byte = 16
	HostCreateProposal  byte = 17
	HostCastVote        byte = 19
	HostExecuteProposal byte = 21
	HostGetPendingJobs  byte = 22
	HostAnchorReceipt   byte = 23
	HostGetReputation   byte = 24
	HostVerifyZKProof   byte = 25
	HostGenerateZKProof byte = 26
)

// BalanceOps bridges host calls 10-12 to the mana ledger (C4).
type BalanceOps interface {
	GetBalance(principal string) (uint64, error)
	Spend(principal string, amount uint64) error
	Credit(principal string, amount uint64) error
}

// JobOps bridges host calls 16 and 22 to the job manager. CancelJob is the
// compensating action for SubmitJob, run when the invocation rolls back.
type JobOps interface {
	SubmitJob(specJSON []byte) (jobID string, err error)
	CancelJob(jobID string) error
	PendingJobs() ([]string, error)
}

// ReceiptOps bridges host call 23 to the job manager's receipt anchoring.
// RevertReceipt is the compensating action for AnchorReceipt.
type ReceiptOps interface {
	AnchorReceipt(receiptJSON []byte) (cid string, err error)
	RevertReceipt(receiptJSON []byte) error
}

// ReputationOps bridges host call 24 to the reputation store (C5).
type ReputationOps interface {
	GetReputation(principal string) (uint64, error)
}

// GovernanceOps bridges host calls 17, 19, and 21 to the governance
// engine. WithdrawProposal, RetractVote, and RevertProposal are the
// compensating actions for their forward counterparts.
type GovernanceOps interface {
	CreateProposal(payload []byte) (proposalID string, err error)
	WithdrawProposal(proposalID string) error
	CastVote(payload []byte) error
	RetractVote(payload []byte) error
	ExecuteProposal(id string) error
	RevertProposal(id string) error
}

// ZKOps bridges host calls 25-26 to a proof system hook. No proof backend
// is wired in this runtime; callers that do not need it can leave this nil, in
// which case HostEnv rejects calls to it with InternalError.
type ZKOps interface {
	VerifyProof(proof []byte) (bool, error)
	GenerateProof(statement []byte) ([]byte, error)
}

// HostEnv implements HostDispatcher, translating the host function table
// into calls on the injected op interfaces. Every call that mutates state
// (Spend, Credit, SubmitJob, CreateProposal, CastVote, ExecuteProposal,
// AnchorReceipt) stages through ws with a compensating inverse, so an
// invocation that aborts leaves no durable effect: a staged spend is
// re-credited, a submitted job cancelled and refunded, a proposal
// withdrawn, a ballot retracted, an executed effect reverted, and an
// anchored receipt's settlement reversed.
type HostEnv struct {
	Balance    BalanceOps
	Jobs       JobOps
	Receipts   ReceiptOps
	Reputation ReputationOps
	Governance GovernanceOps
	ZK         ZKOps
	ws         *WriteSet
}

// NewHostEnv constructs a HostEnv whose mutating calls stage through ws.
func NewHostEnv(ws *WriteSet) *HostEnv {
	return &HostEnv{ws: ws}
}

func readBytes(mem []byte, ptr, length uint64) ([]byte, error) {
	if ptr+length > uint64(len(mem)) {
		return nil, runtimeerr.New(runtimeerr.ResourceExceeded, "sandbox: host call pointer/length out of bounds")
	}
	out := make([]byte, length)
	copy(out, mem[ptr:ptr+length])
	return out, nil
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// CallHost implements HostDispatcher by dispatching index to the
// corresponding injected op interface.
func (h *HostEnv) CallHost(index byte, args []uint64, mem []byte) (uint64, error) {
	switch index {
	case HostGetBalance:
		principal, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Balance == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: get_balance not wired")
		}
		return h.Balance.GetBalance(string(principal))

	case HostSpend:
		if len(args) != 3 {
			return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: spend expects (ptr, len, amount)")
		}
		principal, err := readBytes(mem, args[0], args[1])
		if err != nil {
			return 0, err
		}
		if h.Balance == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: spend not wired")
		}
		amount := args[2]
		p := string(principal)
		if err := h.ws.Stage(
			func() error { return h.Balance.Spend(p, amount) },
			func() error { return h.Balance.Credit(p, amount) },
		); err != nil {
			return 0, err
		}
		return 1, nil

	case HostCredit:
		if len(args) != 3 {
			return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: credit expects (ptr, len, amount)")
		}
		principal, err := readBytes(mem, args[0], args[1])
		if err != nil {
			return 0, err
		}
		if h.Balance == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: credit not wired")
		}
		amount := args[2]
		p := string(principal)
		if err := h.ws.Stage(
			func() error { return h.Balance.Credit(p, amount) },
			func() error { return h.Balance.Spend(p, amount) },
		); err != nil {
			return 0, err
		}
		return 1, nil

	case HostSubmitJob:
		payload, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Jobs == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: submit_job not wired")
		}
		var jobID string
		if err := h.ws.Stage(func() error {
			id, err := h.Jobs.SubmitJob(payload)
			jobID = id
			return err
		}, func() error {
			return h.Jobs.CancelJob(jobID)
		}); err != nil {
			return 0, err
		}
		return uint64(len(jobID)), nil

	case HostCreateProposal:
		payload, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Governance == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: create_proposal not wired")
		}
		var proposalID string
		if err := h.ws.Stage(func() error {
			id, err := h.Governance.CreateProposal(payload)
			proposalID = id
			return err
		}, func() error {
			return h.Governance.WithdrawProposal(proposalID)
		}); err != nil {
			return 0, err
		}
		return uint64(len(proposalID)), nil

	case HostCastVote:
		payload, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Governance == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: cast_vote not wired")
		}
		if err := h.ws.Stage(
			func() error { return h.Governance.CastVote(payload) },
			func() error { return h.Governance.RetractVote(payload) },
		); err != nil {
			return 0, err
		}
		return 1, nil

	case HostExecuteProposal:
		id, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Governance == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: execute_proposal not wired")
		}
		if err := h.ws.Stage(
			func() error { return h.Governance.ExecuteProposal(string(id)) },
			func() error { return h.Governance.RevertProposal(string(id)) },
		); err != nil {
			return 0, err
		}
		return 1, nil

	case HostGetPendingJobs:
		if h.Jobs == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: get_pending_jobs not wired")
		}
		jobs, err := h.Jobs.PendingJobs()
		if err != nil {
			return 0, err
		}
		return uint64(len(jobs)), nil

	case HostAnchorReceipt:
		payload, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Receipts == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: anchor_receipt not wired")
		}
		var cid string
		if err := h.ws.Stage(func() error {
			c, err := h.Receipts.AnchorReceipt(payload)
			cid = c
			return err
		}, func() error {
			return h.Receipts.RevertReceipt(payload)
		}); err != nil {
			return 0, err
		}
		return uint64(len(cid)), nil

	case HostGetReputation:
		principal, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.Reputation == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: get_reputation not wired")
		}
		return h.Reputation.GetReputation(string(principal))

	case HostVerifyZKProof:
		proof, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.ZK == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: verify_zk_proof not wired")
		}
		ok, err := h.ZK.VerifyProof(proof)
		if err != nil {
			return 0, err
		}
		return boolToU64(ok), nil

	case HostGenerateZKProof:
		statement, err := requireArgs(args, mem, 2)
		if err != nil {
			return 0, err
		}
		if h.ZK == nil {
			return 0, runtimeerr.New(runtimeerr.InternalError, "sandbox: generate_zk_proof not wired")
		}
		proof, err := h.ZK.GenerateProof(statement)
		if err != nil {
			return 0, err
		}
		return uint64(len(proof)), nil

	default:
		return 0, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: unknown host function index")
	}
}

func requireArgs(args []uint64, mem []byte, n int) ([]byte, error) {
	if len(args) != n {
		return nil, runtimeerr.New(runtimeerr.InvalidInput, "sandbox: host call argument count mismatch")
	}
	return readBytes(mem, args[0], args[1])
}
