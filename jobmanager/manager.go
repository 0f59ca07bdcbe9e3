package jobmanager

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"icn-core/ccid"
	"icn-core/dag"
	"icn-core/gossip"
	"icn-core/identity"
	"icn-core/mana"
	"icn-core/reputation"
	"icn-core/runtimeerr"
)

// Clock abstracts wall-clock reads so tests can inject determinism: the
// runtime never calls time.Now directly inside a component that
// influences persisted state.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config bundles the tunables a Manager needs beyond its collaborators.
type Config struct {
	BiddingWindow      time.Duration
	ExecutionTimeout   time.Duration
	SelectionWeights   SelectionWeights
	FailedSpendPenalty uint64 // reputation delta applied to a failing executor
	SuccessReward      uint64 // reputation delta applied to a successful executor
	// MaxBidsPerJob bounds accepted bids per job so adversarial peers
	// cannot amplify memory.
	MaxBidsPerJob int
	// RefundPenaltyBps is the fraction of the submitter's spend, in basis
	// points, withheld from the refund when a job fails through executor
	// fault (timeout, invalid receipt, resource exhaustion). NoBids and
	// cancellation refund in full.
	RefundPenaltyBps uint64
}

const defaultRefundPenaltyBps = 5000 // half fee

func (c *Config) setDefaults() {
	if c.BiddingWindow == 0 {
		c.BiddingWindow = 10 * time.Second
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if (c.SelectionWeights == SelectionWeights{}) {
		c.SelectionWeights = DefaultSelectionWeights
	}
	if c.SuccessReward == 0 {
		c.SuccessReward = 1
	}
	if c.FailedSpendPenalty == 0 {
		c.FailedSpendPenalty = 1
	}
	if c.MaxBidsPerJob == 0 {
		c.MaxBidsPerJob = 256
	}
	if c.RefundPenaltyBps == 0 {
		c.RefundPenaltyBps = defaultRefundPenaltyBps
	}
}

// jobRecord is the manager's in-memory view of a job's lifecycle,
// reconstructible from the DAG by replaying transition blocks.
type jobRecord struct {
	mu         sync.Mutex
	job        Job
	state      State
	reason     FailureReason
	bids       []Bid
	assignment *Assignment
	headCID    ccid.CID // tip of the chain of transition blocks for this job
	refunded   bool
	costPaid   *uint256.Int
}

// Manager orchestrates the full job lifecycle: submission,
// bidding, selection, assignment, execution tracking, and receipt
// settlement, persisting every transition as a DAG block linking back to
// the job block.
//
// Mutations serialize behind the per-job record lock; any failed flow
// is compensated by an idempotent refund keyed to the job.
type Manager struct {
	cfg    Config
	store  dag.Store
	ledger mana.Ledger
	rep    reputation.Store
	net    gossip.NetworkService
	signer identity.Signer
	clock  Clock
	pub    dag.PubKeyResolver

	mu   sync.Mutex
	jobs map[string]*jobRecord

	checkpoints *CheckpointTracker
}

// NewManager constructs a Manager. signer is the node's own key, used to
// author transition blocks the manager itself persists.
func NewManager(cfg Config, store dag.Store, ledger mana.Ledger, rep reputation.Store, net gossip.NetworkService, signer identity.Signer, pub dag.PubKeyResolver) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		rep:    rep,
		net:    net,
		signer: signer,
		clock:  systemClock{},
		pub:    pub,
		jobs:   make(map[string]*jobRecord),

		checkpoints: NewCheckpointTracker(),
	}
}

// SetClock overrides the manager's clock, for deterministic tests.
func (m *Manager) SetClock(c Clock) { m.clock = c }

func (m *Manager) record(id JobID) (*jobRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.jobs[id.String()]
	return r, ok
}

func (m *Manager) putTransition(r *jobRecord, state State, reason FailureReason, executor identity.Principal) error {
	payload, err := encodeTransition(r.job.ID, state, reason, executor)
	if err != nil {
		return err
	}
	links := []ccid.CID{r.job.ID.CID}
	if !r.headCID.IsZero() {
		links = append(links, r.headCID)
	}
	block, err := dag.NewBlock(payload, links, r.job.Spec.RequiredTrustScope, m.clock.Now(), m.signer)
	if err != nil {
		return err
	}
	cid, err := m.store.Put(block)
	if err != nil {
		return err
	}
	r.headCID = cid
	r.state = state
	r.reason = reason
	return nil
}

// Submit accepts a new job: it computes the
// reputation-weighted effective price, spends it atomically from the
// creator's mana balance before anything is externalized, persists the
// job block, and either dispatches immediately (policy-module jobs) or
// opens bidding and announces over gossip.
func (m *Manager) Submit(ctx context.Context, job Job) (JobID, error) {
	specBytes, err := encodeSpecBytes(job.Spec)
	if err != nil {
		return JobID{}, err
	}
	id, err := jobID(job.ManifestCID, specBytes, job.Creator)
	if err != nil {
		return JobID{}, err
	}
	job.ID = id

	rep, err := m.rep.Score(job.Creator)
	if err != nil {
		return JobID{}, err
	}
	effective := mana.EffectivePrice(job.CostCredits, rep)
	cost := new(uint256.Int).SetUint64(effective)
	if err := m.ledger.Spend(job.Creator, cost); err != nil {
		return JobID{}, err
	}
	// Until the job record exists nothing else can refund the charge, so
	// a failure here returns it to the creator directly.
	refundCharge := func(err error) (JobID, error) {
		if creditErr := m.ledger.Credit(job.Creator, cost); creditErr != nil {
			return JobID{}, creditErr
		}
		return JobID{}, err
	}

	payload, err := EncodeJob(&job)
	if err != nil {
		return refundCharge(err)
	}
	block, err := dag.NewBlock(payload, nil, job.Spec.RequiredTrustScope, m.clock.Now(), m.signer)
	if err != nil {
		return refundCharge(err)
	}
	if _, err := m.store.Put(block); err != nil {
		return refundCharge(err)
	}

	r := &jobRecord{job: job, headCID: block.CID, costPaid: cost}
	m.mu.Lock()
	m.jobs[id.String()] = r
	m.mu.Unlock()

	if err := m.putTransition(r, StateSubmitted, "", identity.Principal{}); err != nil {
		return JobID{}, err
	}

	if job.Spec.Kind.Tag == JobKindPolicyModule {
		// Policy-module jobs execute locally inside the sandbox rather than
		// going through the bidding auction.
		return id, m.putTransition(r, StateAssigned, "", m.signer.Principal())
	}

	if err := m.putTransition(r, StateBiddingOpen, "", identity.Principal{}); err != nil {
		return JobID{}, err
	}
	if m.net != nil {
		if err := m.net.Announce(ctx, gossip.TopicJobs, gossip.Message{Topic: gossip.TopicJobs, Type: gossip.MsgJobAnnouncement, Payload: payload}); err != nil {
			return JobID{}, err
		}
	}
	return id, nil
}

// SubmitBid records a bid against an open job.
func (m *Manager) SubmitBid(ctx context.Context, b Bid) error {
	r, ok := m.record(b.JobID)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateBiddingOpen {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: bidding window is closed")
	}
	if len(r.bids) >= m.cfg.MaxBidsPerJob {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: bid cap reached for this job")
	}
	if err := verifyBidSignature(&b, m.pub); err != nil {
		return err
	}
	if err := ValidateBid(r.job.Spec, &b, m.rep); err != nil {
		return err
	}
	r.bids = append(r.bids, b)
	return nil
}

// CloseBidding ends the bidding window for a job, runs selection, and
// either assigns the winner or fails the job with NoBids. Callers invoke this when the bidding timer
// elapses; the manager itself never starts timers, keeping it free of
// hidden goroutines and deterministic for tests.
func (m *Manager) CloseBidding(ctx context.Context, id JobID) (*Assignment, error) {
	r, ok := m.record(id)
	if !ok {
		return nil, runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateBiddingOpen {
		return nil, runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is not accepting bids")
	}
	if err := m.putTransition(r, StateBiddingClosed, "", identity.Principal{}); err != nil {
		return nil, err
	}

	deduped := dedupeBids(r.bids)
	if len(deduped) == 0 {
		if err := m.fail(r, FailureNoBids); err != nil {
			return nil, err
		}
		return nil, errNoBids
	}
	winner, err := SelectExecutor(deduped, m.cfg.SelectionWeights, m.rep, noopLatency{})
	if err != nil {
		if ferr := m.fail(r, FailureNoBids); ferr != nil {
			return nil, ferr
		}
		return nil, errNoBids
	}
	assignment := &Assignment{JobID: id, Executor: winner.Executor, Bid: winner}
	r.assignment = assignment
	if err := m.putTransition(r, StateAssigned, "", winner.Executor); err != nil {
		return nil, err
	}
	if m.net != nil {
		payload, err := EncodeBid(&winner)
		if err != nil {
			return nil, err
		}
		msg := gossip.Message{Topic: gossip.TopicJobs, Type: gossip.MsgJobAssignment, Payload: payload}
		if err := m.net.SendDirect(ctx, gossip.PeerID(winner.Executor.String()), msg); err != nil {
			return nil, err
		}
	}
	if err := m.putTransition(r, StateExecuting, "", winner.Executor); err != nil {
		return nil, err
	}
	return assignment, nil
}

// SubmitReceipt finalizes a job on receiving the executor's signed
// execution receipt. A receipt that fails signature verification immediately
// fails the job with InvalidReceipt and refunds the creator, rather than
// waiting for the execution timeout.
func (m *Manager) SubmitReceipt(ctx context.Context, r *ExecutionReceipt) error {
	rec, ok := m.record(r.JobID)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateExecuting {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is not executing")
	}
	if rec.assignment == nil {
		return runtimeerr.New(runtimeerr.InternalError, "jobmanager: executing job has no assignment")
	}
	if verifyErr := VerifyReceipt(r, rec.assignment.Executor, m.pub); verifyErr != nil {
		if err := m.failLocked(rec, FailureInvalidReceipt); err != nil {
			return err
		}
		return verifyErr
	}
	// The receipt's result must already resolve in the DAG store: a receipt pointing at unfetchable output is as invalid
	// as a forged one.
	if _, ok, err := m.store.Get(r.ResultCID); err != nil {
		return err
	} else if !ok {
		if err := m.failLocked(rec, FailureInvalidReceipt); err != nil {
			return err
		}
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: receipt result cid does not resolve")
	}

	payload, err := EncodeReceipt(r)
	if err != nil {
		return err
	}
	links := []ccid.CID{rec.job.ID.CID}
	block, err := dag.NewBlock(payload, links, rec.job.Spec.RequiredTrustScope, m.clock.Now(), m.signer)
	if err != nil {
		return err
	}
	if _, err := m.store.Put(block); err != nil {
		return err
	}

	price := new(uint256.Int).SetUint64(rec.assignment.Bid.PriceCredits)
	if err := m.ledger.Credit(rec.assignment.Executor, price); err != nil {
		return err
	}
	if err := m.rep.RecordSuccess(rec.assignment.Executor, m.cfg.SuccessReward); err != nil {
		return err
	}
	return m.putTransition(rec, StateCompleted, "", rec.assignment.Executor)
}

// fail transitions r to Failed for reason, refunding the creator's spend
// exactly once.
func (m *Manager) fail(r *jobRecord, reason FailureReason) error {
	return m.failLocked(r, reason)
}

// executorFault reports whether the failure is attributable to the
// assigned executor, in which case the refund is docked the configured
// penalty and the executor's reputation is decremented.
func executorFault(reason FailureReason) bool {
	switch reason {
	case FailureTimeout, FailureInvalidReceipt, FailureResourceExceeded, FailureModuleError:
		return true
	default:
		return false
	}
}

func (m *Manager) failLocked(r *jobRecord, reason FailureReason) error {
	if err := m.refund(r, executorFault(reason)); err != nil {
		return err
	}
	if r.assignment != nil && executorFault(reason) {
		if err := m.rep.RecordFailure(r.assignment.Executor, m.cfg.FailedSpendPenalty); err != nil {
			return err
		}
	}
	return m.putTransition(r, StateFailed, reason, identity.Principal{})
}

func (m *Manager) refund(r *jobRecord, penalized bool) error {
	if r.refunded || r.costPaid == nil || r.costPaid.IsZero() {
		return nil
	}
	amount := new(uint256.Int).Set(r.costPaid)
	if penalized && m.cfg.RefundPenaltyBps > 0 {
		keptBps := uint256.NewInt(10_000 - m.cfg.RefundPenaltyBps)
		amount.Div(new(uint256.Int).Mul(amount, keptBps), uint256.NewInt(10_000))
	}
	if !amount.IsZero() {
		if err := m.ledger.Credit(r.job.Creator, amount); err != nil {
			return err
		}
	}
	r.refunded = true
	return nil
}

// Cancel moves a job that is neither terminal nor Executing to Cancelled,
// refunding the creator in full.
func (m *Manager) Cancel(ctx context.Context, id JobID) error {
	r, ok := m.record(id)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is already terminal")
	}
	if r.state == StateExecuting {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: cannot cancel an executing job")
	}
	if err := m.refund(r, false); err != nil {
		return err
	}
	return m.putTransition(r, StateCancelled, FailureCancelled, identity.Principal{})
}

// ExpireExecution fails a job whose executor never submitted a receipt
// within the execution timeout.
func (m *Manager) ExpireExecution(ctx context.Context, id JobID) error {
	r, ok := m.record(id)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateExecuting {
		return nil
	}
	return m.failLocked(r, FailureTimeout)
}

// StartLocal moves a locally-dispatched policy-module job from Assigned to
// Executing, recording the node itself as the executor so the eventual
// receipt (or failure) settles through the same path remote executors use.
func (m *Manager) StartLocal(ctx context.Context, id JobID) error {
	r, ok := m.record(id)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAssigned {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is not assigned")
	}
	self := m.signer.Principal()
	r.assignment = &Assignment{
		JobID:    id,
		Executor: self,
		Bid:      Bid{JobID: id, Executor: self},
	}
	return m.putTransition(r, StateExecuting, "", self)
}

// Fail moves a non-terminal job to Failed for reason, applying the refund
// and reputation policy. Used by the runtime when local module execution
// aborts.
func (m *Manager) Fail(ctx context.Context, id JobID, reason FailureReason) error {
	r, ok := m.record(id)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is already terminal")
	}
	return m.failLocked(r, reason)
}

// State reports a job's current lifecycle state and failure reason, if
// any.
func (m *Manager) State(id JobID) (State, FailureReason, bool) {
	r, ok := m.record(id)
	if !ok {
		return 0, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.reason, true
}

// Assignment returns the winning assignment for a job, if one exists.
func (m *Manager) Assignment(id JobID) (*Assignment, bool) {
	r, ok := m.record(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assignment == nil {
		return nil, false
	}
	a := *r.assignment
	return &a, true
}

// JobInfo returns the stored descriptor for a known job.
func (m *Manager) JobInfo(id JobID) (Job, bool) {
	r, ok := m.record(id)
	if !ok {
		return Job{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job, true
}

// RevertCompletion compensates an anchored receipt when the enclosing
// invocation rolls back: the executor's payout and reputation reward are
// reversed and the job returns to Executing, awaiting a receipt again.
// The anchored receipt block stays in the append-only store; the
// transition log records the reversal.
func (m *Manager) RevertCompletion(ctx context.Context, id JobID) error {
	r, ok := m.record(id)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCompleted {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is not completed")
	}
	if r.assignment == nil {
		return runtimeerr.New(runtimeerr.InternalError, "jobmanager: completed job has no assignment")
	}
	price := new(uint256.Int).SetUint64(r.assignment.Bid.PriceCredits)
	if !price.IsZero() {
		if err := m.ledger.Spend(r.assignment.Executor, price); err != nil {
			return err
		}
	}
	if err := m.rep.RecordFailure(r.assignment.Executor, m.cfg.SuccessReward); err != nil {
		return err
	}
	return m.putTransition(r, StateExecuting, "", r.assignment.Executor)
}

// PendingJobs lists jobs currently awaiting bids, backing host call 22.
func (m *Manager) PendingJobs() []JobID {
	m.mu.Lock()
	records := make([]*jobRecord, 0, len(m.jobs))
	for _, r := range m.jobs {
		records = append(records, r)
	}
	m.mu.Unlock()

	var out []JobID
	for _, r := range records {
		r.mu.Lock()
		if r.state == StateBiddingOpen {
			out = append(out, r.job.ID)
		}
		r.mu.Unlock()
	}
	return out
}

// AcceptCheckpoint records a signed progress marker from the assigned
// executor without a state transition, anchoring it as a DAG block linked
// to the job.
func (m *Manager) AcceptCheckpoint(ctx context.Context, c Checkpoint) error {
	r, ok := m.record(c.JobID)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateExecuting {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is not executing")
	}
	if r.assignment == nil {
		return runtimeerr.New(runtimeerr.InternalError, "jobmanager: executing job has no assignment")
	}
	if err := m.checkpoints.Record(c, r.assignment.Executor, m.pub); err != nil {
		return err
	}
	payload, err := EncodeCheckpoint(&c)
	if err != nil {
		return err
	}
	block, err := dag.NewBlock(payload, []ccid.CID{r.job.ID.CID}, r.job.Spec.RequiredTrustScope, m.clock.Now(), m.signer)
	if err != nil {
		return err
	}
	_, err = m.store.Put(block)
	return err
}

// AcceptPartialOutput anchors a signed intermediate output marker linked to
// the job, without a state transition.
func (m *Manager) AcceptPartialOutput(ctx context.Context, p PartialOutput) error {
	r, ok := m.record(p.JobID)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown job")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateExecuting {
		return runtimeerr.New(runtimeerr.PolicyDenied, "jobmanager: job is not executing")
	}
	if r.assignment == nil {
		return runtimeerr.New(runtimeerr.InternalError, "jobmanager: executing job has no assignment")
	}
	if err := VerifyPartialOutput(&p, r.assignment.Executor, m.pub); err != nil {
		return err
	}
	payload, err := EncodePartialOutput(&p)
	if err != nil {
		return err
	}
	block, err := dag.NewBlock(payload, []ccid.CID{r.job.ID.CID}, r.job.Spec.RequiredTrustScope, m.clock.Now(), m.signer)
	if err != nil {
		return err
	}
	_, err = m.store.Put(block)
	return err
}

// LatestCheckpoint reports the most recent accepted checkpoint for a job.
func (m *Manager) LatestCheckpoint(id JobID) (Checkpoint, bool) {
	return m.checkpoints.Latest(id)
}

// noopLatency reports no latency observations; nodes that want
// latency-weighted selection supply a real LatencySource fed from gossip
// round-trip measurements.
type noopLatency struct{}

func (noopLatency) LatencyMS(identity.Principal) (float64, bool) { return 0, false }
