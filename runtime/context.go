// Package runtime is the composition root of the cooperative compute
// node: it holds the identity, storage, ledger, reputation,
// network, job, sandbox, and governance services, exposes the host
// interface sandboxed policy modules call, drives the bidding/execution
// timers whose durations governance can retune, and enforces the
// cross-cutting economic and determinism invariants.
package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"icn-core/ccid"
	"icn-core/dag"
	"icn-core/gossip"
	"icn-core/governance"
	"icn-core/identity"
	"icn-core/jobmanager"
	"icn-core/mana"
	"icn-core/reputation"
	"icn-core/runtimeerr"
	"icn-core/sandbox"
)

// Environment selects the service-validation posture: stub services are legal only outside production.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
)

// Valid reports whether e names a recognized environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvProduction, EnvDevelopment, EnvTesting:
		return true
	default:
		return false
	}
}

// Clock abstracts time for the runtime's timers and module execution, so
// tests inject determinism.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Options bundles everything a Context composes over. Backend names are
// carried alongside the service handles so production-mode validation can
// reject in-memory backends without depending on their concrete types.
type Options struct {
	Environment Environment
	DAGBackend  string // "memory" | "leveldb" | "sql"
	ManaBackend string // "memory" | "leveldb" | "sql"

	Signer     identity.Signer
	Store      dag.Store
	Ledger     mana.Ledger
	Reputation reputation.Store
	Network    gossip.NetworkService
	Jobs       *jobmanager.Manager
	Governance *governance.Engine
	Params     *Params
	Resolver   dag.PubKeyResolver

	ModuleLimits sandbox.Limits
	Clock        Clock
}

// Context is the composition root value passed explicitly into every
// operation. It owns the per-job timers and
// the module execution pipeline.
type Context struct {
	env        Environment
	signer     identity.Signer
	store      dag.Store
	ledger     mana.Ledger
	reputation reputation.Store
	net        gossip.NetworkService
	jobs       *jobmanager.Manager
	governance *governance.Engine
	params     *Params
	resolver   dag.PubKeyResolver

	moduleLimits sandbox.Limits
	clock        Clock
	metrics      *runtimeMetrics
	tracer       trace.Tracer

	timersMu sync.Mutex
	timers   map[string][]*time.Timer
	closed   bool
}

// NewContext validates and assembles the runtime. In production mode,
// loopback networking, in-memory backends, and the unpersisted development
// signer are rejected outright.
func NewContext(opts Options) (*Context, error) {
	if !opts.Environment.Valid() {
		return nil, runtimeerr.New(runtimeerr.InvalidInput, "runtime: unknown environment")
	}
	if opts.Signer == nil || opts.Store == nil || opts.Ledger == nil || opts.Reputation == nil ||
		opts.Jobs == nil || opts.Governance == nil || opts.Params == nil {
		return nil, runtimeerr.New(runtimeerr.InvalidInput, "runtime: missing required service")
	}
	if opts.Environment == EnvProduction {
		if _, ok := opts.Network.(*gossip.Loopback); ok {
			return nil, runtimeerr.New(runtimeerr.PolicyDenied, "runtime: loopback network is not allowed in production")
		}
		if _, ok := opts.Signer.(*identity.MemorySigner); ok {
			return nil, runtimeerr.New(runtimeerr.PolicyDenied, "runtime: in-memory signer is not allowed in production")
		}
		if opts.DAGBackend == "memory" || opts.ManaBackend == "memory" {
			return nil, runtimeerr.New(runtimeerr.PolicyDenied, "runtime: in-memory backends are not allowed in production")
		}
	}
	limits := opts.ModuleLimits
	if limits == (sandbox.Limits{}) {
		limits = sandbox.DefaultLimits
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Context{
		env:          opts.Environment,
		signer:       opts.Signer,
		store:        opts.Store,
		ledger:       opts.Ledger,
		reputation:   opts.Reputation,
		net:          opts.Network,
		jobs:         opts.Jobs,
		governance:   opts.Governance,
		params:       opts.Params,
		resolver:     opts.Resolver,
		moduleLimits: limits,
		clock:        clock,
		metrics:      newRuntimeMetrics(),
		tracer:       otel.Tracer("icn-core/runtime"),
		timers:       make(map[string][]*time.Timer),
	}, nil
}

// Environment reports the mode the context was constructed in.
func (c *Context) Environment() Environment { return c.env }

// Principal returns the node's own principal.
func (c *Context) Principal() identity.Principal { return c.signer.Principal() }

// Params exposes the live tunable registry.
func (c *Context) Params() *Params { return c.params }

// Governance exposes the governance engine for operator surfaces.
func (c *Context) Governance() *governance.Engine { return c.governance }

// Jobs exposes the job manager for operator surfaces.
func (c *Context) Jobs() *jobmanager.Manager { return c.jobs }

// SubmitJob runs the submission pipeline: the
// manager charges the reputation-weighted price and persists the job;
// policy-module jobs then execute locally in the sandbox, while market
// jobs get a bidding timer armed from the current bidding_window_ms
// parameter.
func (c *Context) SubmitJob(ctx context.Context, job jobmanager.Job) (jobmanager.JobID, error) {
	ctx, span := c.tracer.Start(ctx, "runtime.SubmitJob",
		trace.WithAttributes(attribute.String("job.kind", job.Spec.Kind.Tag)))
	defer span.End()

	id, err := c.jobs.Submit(ctx, job)
	if err != nil {
		span.RecordError(err)
		return jobmanager.JobID{}, err
	}
	span.SetAttributes(attribute.String("job.id", id.String()))
	c.metrics.JobTransition("submitted")

	if job.Spec.Kind.Tag == jobmanager.JobKindPolicyModule {
		return id, c.runModule(ctx, id, job)
	}

	c.armBiddingTimer(id, job)
	return id, nil
}

// SubmitBid forwards an executor's bid into the open auction.
func (c *Context) SubmitBid(ctx context.Context, b jobmanager.Bid) error {
	return c.jobs.SubmitBid(ctx, b)
}

// SubmitReceipt settles an executing job against the executor's signed
// receipt, cancelling its execution timer on success.
func (c *Context) SubmitReceipt(ctx context.Context, r *jobmanager.ExecutionReceipt) error {
	ctx, span := c.tracer.Start(ctx, "runtime.SubmitReceipt",
		trace.WithAttributes(attribute.String("job.id", r.JobID.String())))
	defer span.End()

	if err := c.jobs.SubmitReceipt(ctx, r); err != nil {
		span.RecordError(err)
		if state, _, ok := c.jobs.State(r.JobID); ok && state.IsTerminal() {
			c.metrics.JobTransition("failed")
			c.cancelTimers(r.JobID)
		}
		return err
	}
	c.metrics.JobTransition("completed")
	c.cancelTimers(r.JobID)
	return nil
}

// RevertReceipt compensates a receipt anchored through the host interface
// when its invocation rolls back, returning the job to Executing with a
// fresh execution timer.
func (c *Context) RevertReceipt(ctx context.Context, id jobmanager.JobID) error {
	if err := c.jobs.RevertCompletion(ctx, id); err != nil {
		return err
	}
	c.metrics.JobTransition("executing")
	if job, ok := c.jobs.JobInfo(id); ok {
		c.armExecutionTimer(id, job)
	}
	return nil
}

// CancelJob cancels a pre-executing job and releases its timers.
func (c *Context) CancelJob(ctx context.Context, id jobmanager.JobID) error {
	if err := c.jobs.Cancel(ctx, id); err != nil {
		return err
	}
	c.metrics.JobTransition("cancelled")
	c.cancelTimers(id)
	return nil
}

// Close stops every outstanding timer; in-flight jobs are recovered from
// the DAG log on restart.
func (c *Context) Close() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	c.closed = true
	for _, timers := range c.timers {
		for _, t := range timers {
			t.Stop()
		}
	}
	c.timers = make(map[string][]*time.Timer)
}

func (c *Context) biddingWindow() time.Duration {
	ms, err := c.params.Get(ParamBiddingWindowMS)
	if err != nil || ms == 0 {
		return 10 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Context) executionTimeout(job jobmanager.Job) time.Duration {
	ms, err := c.params.Get(ParamExecutionTimeoutMS)
	if err != nil || ms == 0 {
		ms = 300_000
	}
	d := time.Duration(ms) * time.Millisecond
	if job.HasMaxWaitMS && job.MaxWaitMS > 0 {
		if w := time.Duration(job.MaxWaitMS) * time.Millisecond; w < d {
			d = w
		}
	}
	return d
}

func (c *Context) track(id jobmanager.JobID, t *time.Timer) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.closed {
		t.Stop()
		return
	}
	key := id.String()
	c.timers[key] = append(c.timers[key], t)
}

func (c *Context) cancelTimers(id jobmanager.JobID) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	key := id.String()
	for _, t := range c.timers[key] {
		t.Stop()
	}
	delete(c.timers, key)
}

// armBiddingTimer schedules CloseBidding at the current bidding window.
// The timer's fire path performs the same cleanup as the normal path.
func (c *Context) armBiddingTimer(id jobmanager.JobID, job jobmanager.Job) {
	window := c.biddingWindow()
	timer := time.AfterFunc(window, func() {
		if _, err := c.jobs.CloseBidding(context.Background(), id); err != nil {
			c.metrics.BiddingOutcome("no_bids")
			c.metrics.JobTransition("failed")
			c.cancelTimers(id)
			return
		}
		c.metrics.BiddingOutcome("assigned")
		c.metrics.JobTransition("assigned")
		c.armExecutionTimer(id, job)
	})
	c.track(id, timer)
}

// armExecutionTimer schedules the execution timeout for an assigned job.
func (c *Context) armExecutionTimer(id jobmanager.JobID, job jobmanager.Job) {
	timer := time.AfterFunc(c.executionTimeout(job), func() {
		if err := c.jobs.ExpireExecution(context.Background(), id); err == nil {
			c.metrics.JobTransition("failed")
		}
		c.cancelTimers(id)
	})
	c.track(id, timer)
}

// CloseBiddingNow force-closes a job's auction immediately, for operator
// surfaces and tests; the production path is the armed timer.
func (c *Context) CloseBiddingNow(ctx context.Context, id jobmanager.JobID) (*jobmanager.Assignment, error) {
	assignment, err := c.jobs.CloseBidding(ctx, id)
	if err != nil {
		c.metrics.BiddingOutcome("no_bids")
		c.cancelTimers(id)
		return nil, err
	}
	c.metrics.BiddingOutcome("assigned")
	return assignment, nil
}

// runModule executes a policy-module job in the sandbox.
// Host-call writes apply immediately and are staged in a WriteSet: a
// module that completes within limits commits, anything else runs the
// recorded compensations so no partial effect survives.
func (c *Context) runModule(ctx context.Context, id jobmanager.JobID, job jobmanager.Job) error {
	ctx, span := c.tracer.Start(ctx, "runtime.RunModule",
		trace.WithAttributes(attribute.String("job.id", id.String())))
	defer span.End()

	if err := c.jobs.StartLocal(ctx, id); err != nil {
		return err
	}
	c.metrics.JobTransition("executing")

	moduleBlock, ok, err := c.store.Get(job.Spec.Kind.ModuleCID)
	if err != nil {
		return err
	}
	if !ok {
		c.metrics.ModuleRun("missing")
		if failErr := c.jobs.Fail(ctx, id, jobmanager.FailureModuleError); failErr != nil {
			return failErr
		}
		return runtimeerr.New(runtimeerr.NotFound, "runtime: module bytecode not found in store")
	}

	ws := sandbox.NewWriteSet()
	env := sandbox.NewHostEnv(ws)
	bridge := &hostBridge{c: c, invoker: job.Creator}
	env.Balance = bridge
	env.Jobs = bridge
	env.Receipts = bridge
	env.Reputation = bridge
	env.Governance = bridge

	vm := sandbox.NewVM(c.moduleLimits, env)
	vm.SetClock(c.clock)
	result, runErr := vm.Run(sandbox.Module{Code: moduleBlock.Payload})
	if runErr != nil {
		span.RecordError(runErr)
		if rbErr := ws.Rollback(); rbErr != nil {
			return rbErr
		}
		reason := jobmanager.FailureModuleError
		if runtimeerr.KindOf(runErr) == runtimeerr.ResourceExceeded {
			reason = jobmanager.FailureResourceExceeded
		}
		c.metrics.ModuleRun("aborted")
		c.metrics.JobTransition("failed")
		if failErr := c.jobs.Fail(ctx, id, reason); failErr != nil {
			return failErr
		}
		return runErr
	}
	ws.Commit()
	c.metrics.ModuleRun("completed")

	// Anchor the module's result and settle the job through the same
	// receipt path remote executors use.
	payload := binary.LittleEndian.AppendUint64(nil, result)
	resultBlock, err := dag.NewBlock(payload, []ccid.CID{id.CID}, job.Spec.RequiredTrustScope, c.clock.Now(), c.signer)
	if err != nil {
		return err
	}
	resultCID, err := c.store.Put(resultBlock)
	if err != nil {
		return err
	}
	receipt := &jobmanager.ExecutionReceipt{JobID: id, ResultCID: resultCID}
	if err := jobmanager.SignReceipt(receipt, c.signer); err != nil {
		return err
	}
	if err := c.jobs.SubmitReceipt(ctx, receipt); err != nil {
		return err
	}
	c.metrics.JobTransition("completed")
	return nil
}

func formatProposalID(id uint64) string { return fmt.Sprintf("%d", id) }

func parseProposalID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, runtimeerr.Wrap(runtimeerr.InvalidInput, "runtime: malformed proposal id", err)
	}
	return id, nil
}

func voteChoice(s string) governance.VoteChoice { return governance.VoteChoice(s) }
