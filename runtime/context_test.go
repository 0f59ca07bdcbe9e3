package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"icn-core/ccid"
	"icn-core/crypto"
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

type keyRegistry struct {
	mu   sync.Mutex
	keys map[string]*crypto.PublicKey
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{keys: make(map[string]*crypto.PublicKey)}
}

func (r *keyRegistry) add(signer identity.Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signer.Principal().String()] = signer.PublicKey()
}

func (r *keyRegistry) PubKeyFor(p identity.Principal) (*crypto.PublicKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[p.String()]
	return k, ok
}

type nodeHarness struct {
	ctx      *Context
	keys     *keyRegistry
	store    dag.Store
	ledger   *mana.KVLedger
	rep      *reputation.KVStore
	nodeKey  identity.Signer
	alice    identity.Signer
	bob      identity.Signer
	carol    identity.Signer
	baseTime time.Time
}

func newNodeHarness(t *testing.T) *nodeHarness {
	t.Helper()
	keys := newKeyRegistry()

	nodeKey, err := identity.GenerateMemorySigner()
	require.NoError(t, err)
	alice, err := identity.GenerateMemorySigner()
	require.NoError(t, err)
	bob, err := identity.GenerateMemorySigner()
	require.NoError(t, err)
	carol, err := identity.GenerateMemorySigner()
	require.NoError(t, err)
	for _, s := range []identity.Signer{nodeKey, alice, bob, carol} {
		keys.add(s)
	}

	store := dag.NewMemStore(keys)
	ledger := mana.NewKVLedger(dag.NewMemKV(), new(uint256.Int), nil)
	rep := reputation.NewKVStore(dag.NewMemKV(), 1000)
	net := gossip.NewLoopback(gossip.PeerID(nodeKey.Principal().String()))

	base := time.Unix(1_700_000_000, 0).UTC()
	ledger.SetNowFunc(func() time.Time { return base })

	jobs := jobmanager.NewManager(jobmanager.Config{
		BiddingWindow:    time.Minute,
		ExecutionTimeout: time.Minute,
	}, store, ledger, rep, net, nodeKey, keys)

	gov, err := governance.NewEngine(dag.NewMemKV(), store, nodeKey, governance.EngineConfig{
		Quorum:         1,
		ThresholdBps:   1,
		VotingPeriod:   time.Hour,
		InitialMembers: []identity.Principal{alice.Principal()},
	})
	require.NoError(t, err)

	params := NewParams(nil)
	gov.SetParams(params)

	rc, err := NewContext(Options{
		Environment: EnvTesting,
		DAGBackend:  "memory",
		ManaBackend: "memory",
		Signer:      nodeKey,
		Store:       store,
		Ledger:      ledger,
		Reputation:  rep,
		Network:     net,
		Jobs:        jobs,
		Governance:  gov,
		Params:      params,
		Resolver:    keys,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	return &nodeHarness{
		ctx: rc, keys: keys, store: store, ledger: ledger, rep: rep,
		nodeKey: nodeKey, alice: alice, bob: bob, carol: carol, baseTime: base,
	}
}

func (h *nodeHarness) fund(t *testing.T, s identity.Signer, amount uint64) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(s.Principal(), uint256.NewInt(amount)))
}

func (h *nodeHarness) balance(t *testing.T, s identity.Signer) uint64 {
	t.Helper()
	bal, err := h.ledger.Balance(s.Principal())
	require.NoError(t, err)
	return bal.Uint64()
}

func echoJob(t *testing.T, creator identity.Signer, cost uint64) jobmanager.Job {
	t.Helper()
	j := jobmanager.Job{
		ManifestCID: ccid.Of(ccid.CodecRaw, []byte("manifest")),
		Spec: jobmanager.JobSpec{
			Kind:      jobmanager.JobKind{Tag: jobmanager.JobKindEcho, EchoPayload: []byte("hello")},
			Resources: jobmanager.ResourceRequirements{CPU: 1, MemMB: 64, StorageMB: 16},
		},
		CostCredits: cost,
	}
	require.NoError(t, jobmanager.SignJob(&j, creator))
	return j
}

func signedBid(t *testing.T, id jobmanager.JobID, executor identity.Signer, price uint64) jobmanager.Bid {
	t.Helper()
	b := jobmanager.Bid{
		JobID:        id,
		PriceCredits: price,
		Resources:    jobmanager.ResourceRequirements{CPU: 2, MemMB: 128, StorageMB: 32},
		Federations:  []string{executor.Principal().Method()},
		Timestamp:    time.Now().UnixNano(),
	}
	require.NoError(t, jobmanager.SignBid(&b, executor))
	return b
}

// Alice (1000 mana, reputation 0) submits an echo job at cost 100;
// effective price at reputation 0 is 100. Bob bids 80, Carol bids 60, both
// at reputation 0: the tie on reputation breaks toward the lower price, so
// Carol wins, executes, and is credited her bid.
func TestHappyPathSelectsCheaperOfEqualReputation(t *testing.T) {
	h := newNodeHarness(t)
	h.fund(t, h.alice, 1000)

	id, err := h.ctx.SubmitJob(context.Background(), echoJob(t, h.alice, 100))
	require.NoError(t, err)
	require.Equal(t, uint64(900), h.balance(t, h.alice))

	require.NoError(t, h.ctx.SubmitBid(context.Background(), signedBid(t, id, h.bob, 80)))
	require.NoError(t, h.ctx.SubmitBid(context.Background(), signedBid(t, id, h.carol, 60)))

	assignment, err := h.ctx.CloseBiddingNow(context.Background(), id)
	require.NoError(t, err)
	require.True(t, assignment.Executor.Equal(h.carol.Principal()))

	resultBlock, err := dag.NewBlock([]byte("echo: hello"), nil, "", h.baseTime, h.carol)
	require.NoError(t, err)
	resultCID, err := h.store.Put(resultBlock)
	require.NoError(t, err)

	receipt := &jobmanager.ExecutionReceipt{JobID: id, ResultCID: resultCID}
	require.NoError(t, jobmanager.SignReceipt(receipt, h.carol))
	require.NoError(t, h.ctx.SubmitReceipt(context.Background(), receipt))

	state, _, ok := h.ctx.Jobs().State(id)
	require.True(t, ok)
	require.Equal(t, jobmanager.StateCompleted, state)
	require.Equal(t, uint64(60), h.balance(t, h.carol))

	score, err := h.rep.Score(h.carol.Principal())
	require.NoError(t, err)
	require.Equal(t, uint64(1), score)
}

// Submission without funds fails with InsufficientCredit and persists
// nothing.
func TestSubmitWithoutFundsFails(t *testing.T) {
	h := newNodeHarness(t)
	h.fund(t, h.alice, 50)

	_, err := h.ctx.SubmitJob(context.Background(), echoJob(t, h.alice, 100))
	require.Equal(t, runtimeerr.InsufficientCredit, runtimeerr.KindOf(err))
	require.Equal(t, uint64(50), h.balance(t, h.alice))
}

// A policy-module job whose bytecode loops forever aborts on fuel
// exhaustion; the staged host writes roll back and Alice is refunded minus
// the penalty.
func TestModuleResourceExceededRefundsMinusPenalty(t *testing.T) {
	h := newNodeHarness(t)
	h.fund(t, h.alice, 1000)

	// jump 0: an unconditional infinite loop.
	code := []byte{byte(sandbox.OpJump), 0, 0, 0, 0}
	moduleBlock, err := dag.NewBlock(code, nil, "", h.baseTime, h.alice)
	require.NoError(t, err)
	moduleCID, err := h.store.Put(moduleBlock)
	require.NoError(t, err)

	j := jobmanager.Job{
		ManifestCID: ccid.Of(ccid.CodecRaw, []byte("module manifest")),
		Spec: jobmanager.JobSpec{
			Kind: jobmanager.JobKind{Tag: jobmanager.JobKindPolicyModule, ModuleCID: moduleCID},
		},
		CostCredits: 100,
	}
	require.NoError(t, jobmanager.SignJob(&j, h.alice))

	id, err := h.ctx.SubmitJob(context.Background(), j)
	require.Equal(t, runtimeerr.ResourceExceeded, runtimeerr.KindOf(err))

	state, reason, ok := h.ctx.Jobs().State(id)
	require.True(t, ok)
	require.Equal(t, jobmanager.StateFailed, state)
	require.Equal(t, jobmanager.FailureResourceExceeded, reason)

	// 1000 funded, 100 spent, half-fee penalty: refund 50.
	require.Equal(t, uint64(950), h.balance(t, h.alice))
}

// A well-formed module runs to completion and settles the job through the
// ordinary receipt path.
func TestModuleCompletionAnchorsReceipt(t *testing.T) {
	h := newNodeHarness(t)
	h.fund(t, h.alice, 1000)

	var code []byte
	code = append(code, byte(sandbox.OpPushI64))
	code = append(code, 42, 0, 0, 0, 0, 0, 0, 0)
	code = append(code, byte(sandbox.OpHalt))
	moduleBlock, err := dag.NewBlock(code, nil, "", h.baseTime, h.alice)
	require.NoError(t, err)
	moduleCID, err := h.store.Put(moduleBlock)
	require.NoError(t, err)

	j := jobmanager.Job{
		ManifestCID: ccid.Of(ccid.CodecRaw, []byte("module manifest")),
		Spec: jobmanager.JobSpec{
			Kind: jobmanager.JobKind{Tag: jobmanager.JobKindPolicyModule, ModuleCID: moduleCID},
		},
		CostCredits: 100,
	}
	require.NoError(t, jobmanager.SignJob(&j, h.alice))

	id, err := h.ctx.SubmitJob(context.Background(), j)
	require.NoError(t, err)

	state, _, ok := h.ctx.Jobs().State(id)
	require.True(t, ok)
	require.Equal(t, jobmanager.StateCompleted, state)
}

// An accepted parameter change retunes the bidding window the
// next job observes.
func TestParameterChangeRetunesBiddingWindow(t *testing.T) {
	h := newNodeHarness(t)

	require.Equal(t, 10*time.Second, h.ctx.biddingWindow())
	require.NoError(t, h.ctx.Params().Set(ParamBiddingWindowMS, 100_000))
	require.Equal(t, 100*time.Second, h.ctx.biddingWindow())
}

// Production mode refuses stub services.
func TestProductionModeRejectsStubs(t *testing.T) {
	h := newNodeHarness(t)

	opts := Options{
		Environment: EnvProduction,
		DAGBackend:  "leveldb",
		ManaBackend: "leveldb",
		Signer:      h.nodeKey,
		Store:       h.store,
		Ledger:      h.ledger,
		Reputation:  h.rep,
		Network:     gossip.NewLoopback("node"),
		Jobs:        h.ctx.jobs,
		Governance:  h.ctx.governance,
		Params:      h.ctx.params,
	}
	_, err := NewContext(opts)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	opts.Network = nil
	_, err = NewContext(opts)
	// The in-memory signer is still a stub.
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))

	opts.Environment = EnvDevelopment
	_, err = NewContext(opts)
	require.NoError(t, err)
}

// The delegated host bridge rejects a module spending a principal other
// than its invoker.
func TestHostBridgeSpendIsScopedToInvoker(t *testing.T) {
	h := newNodeHarness(t)
	h.fund(t, h.bob, 500)

	bridge := &hostBridge{c: h.ctx, invoker: h.alice.Principal()}
	err := bridge.Spend(h.bob.Principal().String(), 100)
	require.Equal(t, runtimeerr.PolicyDenied, runtimeerr.KindOf(err))
	require.Equal(t, uint64(500), h.balance(t, h.bob))
}
