package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"icn-core/ccid"
	"icn-core/cmd/internal/passphrase"
	"icn-core/config"
	"icn-core/dag"
	"icn-core/gossip"
	"icn-core/governance"
	"icn-core/identity"
	"icn-core/jobmanager"
	"icn-core/mana"
	"icn-core/observability/logging"
	obsotel "icn-core/observability/otel"
	"icn-core/reputation"
	"icn-core/runtime"
	"icn-core/sandbox"
)

const (
	keystorePassEnv = "ICN_KEYSTORE_PASS"
	otelEndpointEnv = "ICN_OTEL_ENDPOINT"
	otelInsecureEnv = "ICN_OTEL_INSECURE"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	federationFile := flag.String("federations", "", "Path to a YAML federation manifest")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupRotating("icnd", cfg.Environment, logging.RotationOptions{
		Path:       filepath.Join(cfg.DataDir, "logs", "icnd.log"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		Compress:   true,
	})

	if err := run(cfg, *federationFile, logger); err != nil {
		logger.Error("node exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, federationFile string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv(otelEndpointEnv); endpoint != "" {
		shutdown, err := obsotel.Init(ctx, obsotel.Config{
			ServiceName: "icnd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    os.Getenv(otelInsecureEnv) == "1",
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}
	logger.Info("node identity ready",
		"principal", signer.Principal().String(),
		logging.MaskField("keystore", cfg.KeystorePath))

	resolver := gossip.NewKeyDirectory()
	resolver.Add(signer.Principal(), signer.PublicKey())

	store, ledgerKV, repKV, closeStorage, err := openStorage(cfg, resolver)
	if err != nil {
		return err
	}
	defer closeStorage()

	var regenCap *uint256.Int
	if cfg.ManaCap > 0 {
		regenCap = uint256.NewInt(cfg.ManaCap)
	}
	baseLedger := mana.NewKVLedger(ledgerKV, uint256.NewInt(cfg.DefaultManaRegenRate), regenCap)
	var ledger mana.Ledger = baseLedger
	if cfg.MaxSpendPerOp > 0 {
		ledger = mana.NewPolicyLedger(baseLedger, uint256.NewInt(cfg.MaxSpendPerOp))
	}
	rep := reputation.NewKVStore(repKV, cfg.ReputationCeiling)

	federation := "icn"
	var members []identity.Principal
	if federationFile != "" {
		feds, err := config.LoadFederations(federationFile)
		if err != nil {
			return fmt.Errorf("load federations: %w", err)
		}
		if len(feds) > 0 {
			federation = feds[0].Name
			for _, m := range feds[0].Members {
				p, err := identity.ParseDID(m)
				if err != nil {
					return fmt.Errorf("federation member %q: %w", m, err)
				}
				members = append(members, p)
			}
			cfg.BootstrapPeers = append(cfg.BootstrapPeers, feds[0].Seeds...)
		}
	}
	if len(members) == 0 {
		members = []identity.Principal{signer.Principal()}
	}

	overlay := gossip.NewOverlayServer(gossip.OverlayConfig{
		ListenAddr: cfg.ListenAddress,
		Federation: federation,
		Signer:     signer,
		Keys:       resolver,
	})

	jobs := jobmanager.NewManager(jobmanager.Config{
		BiddingWindow:    time.Duration(cfg.BiddingWindowMS) * time.Millisecond,
		ExecutionTimeout: time.Duration(cfg.DefaultExecutionTimeoutMS) * time.Millisecond,
		SelectionWeights: jobmanager.SelectionWeights{
			Price:      cfg.SelectionWeights.Price,
			Reputation: cfg.SelectionWeights.Reputation,
			Resources:  cfg.SelectionWeights.Resources,
			Latency:    cfg.SelectionWeights.Latency,
		},
		MaxBidsPerJob:    int(cfg.MaxBidsPerJob),
		RefundPenaltyBps: cfg.RefundPenaltyBps,
	}, store, ledger, rep, overlay, signer, resolver)

	govKV, err := openKV(cfg.ManaBackend, cfg.DataDir, "governance")
	if err != nil {
		return err
	}
	defer govKV.Close()
	gov, err := governance.NewEngine(govKV, store, signer, governance.EngineConfig{
		Quorum:         cfg.Governance.Quorum,
		ThresholdBps:   cfg.Governance.ThresholdBps,
		VotingPeriod:   time.Duration(cfg.Governance.VotingPeriodSecs) * time.Second,
		InitialMembers: members,
	})
	if err != nil {
		return err
	}
	gov.SetLedger(ledger)
	gov.SetNetwork(overlay)

	params := runtime.NewParams(map[string]uint64{
		runtime.ParamBiddingWindowMS:    cfg.BiddingWindowMS,
		runtime.ParamExecutionTimeoutMS: cfg.DefaultExecutionTimeoutMS,
		runtime.ParamMaxSpendPerOp:      cfg.MaxSpendPerOp,
		runtime.ParamManaRegenRate:      cfg.DefaultManaRegenRate,
		runtime.ParamMaxBidsPerJob:      cfg.MaxBidsPerJob,
		runtime.ParamRefundPenaltyBps:   cfg.RefundPenaltyBps,
		runtime.ParamReputationCeiling:  cfg.ReputationCeiling,
	})
	gov.SetParams(params)

	rc, err := runtime.NewContext(runtime.Options{
		Environment: runtime.Environment(cfg.Environment),
		DAGBackend:  cfg.DAGBackend,
		ManaBackend: cfg.ManaBackend,
		Signer:      signer,
		Store:       store,
		Ledger:      ledger,
		Reputation:  rep,
		Network:     overlay,
		Jobs:        jobs,
		Governance:  gov,
		Params:      params,
		Resolver:    resolver,
		ModuleLimits: sandbox.Limits{
			WallTime:     time.Duration(cfg.ModuleLimits.WallMS) * time.Millisecond,
			Pages:        cfg.ModuleLimits.Pages,
			Fuel:         cfg.ModuleLimits.Fuel,
			StackDepth:   cfg.ModuleLimits.Stack,
			Globals:      cfg.ModuleLimits.Globals,
			Functions:    cfg.ModuleLimits.Functions,
			Tables:       cfg.ModuleLimits.Tables,
			TableEntries: cfg.ModuleLimits.TableEntries,
		},
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	go dispatchJobGossip(ctx, rc, overlay, logger)
	go dispatchGovernanceGossip(ctx, gov, overlay, logger)
	go dispatchFederationSync(ctx, store, overlay, logger)

	for _, seed := range cfg.DNSSeeds {
		addrs, err := gossip.ResolveDNSSeed(ctx, seed, "")
		if err != nil {
			logger.Warn("dns seed resolution failed", "seed", seed, "error", err)
			continue
		}
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, addrs...)
	}
	go func() {
		for _, addr := range cfg.BootstrapPeers {
			if err := overlay.Connect(addr); err != nil {
				logger.Warn("bootstrap connect failed", "peer", addr, "error", err)
			}
		}
	}()

	logger.Info("node listening", "address", cfg.ListenAddress, "environment", cfg.Environment)
	return overlay.ListenAndServe(ctx)
}

// dispatchJobGossip consumes the jobs topic and routes each payload into
// the runtime. Consumers reconcile against persisted DAG state, so a
// dropped or duplicated message only costs a retry.
func dispatchJobGossip(ctx context.Context, rc *runtime.Context, net gossip.NetworkService, logger *slog.Logger) {
	stream, err := net.Subscribe(ctx, gossip.TopicJobs)
	if err != nil {
		logger.Error("subscribe jobs topic", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.C:
			if !ok {
				return
			}
			switch msg.Type {
			case gossip.MsgBidSubmission:
				bid, err := jobmanager.DecodeBid(msg.Payload)
				if err != nil {
					logger.Warn("malformed bid", "error", err)
					continue
				}
				if err := rc.SubmitBid(ctx, *bid); err != nil {
					logger.Debug("bid rejected", "job", bid.JobID.String(), "error", err)
				}
			case gossip.MsgReceiptSubmission:
				receipt, err := jobmanager.DecodeReceipt(msg.Payload)
				if err != nil {
					logger.Warn("malformed receipt", "error", err)
					continue
				}
				if err := rc.SubmitReceipt(ctx, receipt); err != nil {
					logger.Debug("receipt rejected", "job", receipt.JobID.String(), "error", err)
				}
			case gossip.MsgCheckpoint:
				cp, err := jobmanager.DecodeCheckpoint(msg.Payload)
				if err != nil {
					logger.Warn("malformed checkpoint", "error", err)
					continue
				}
				if err := rc.Jobs().AcceptCheckpoint(ctx, *cp); err != nil {
					logger.Debug("checkpoint rejected", "job", cp.JobID.String(), "error", err)
				}
			case gossip.MsgPartialOutput:
				po, err := jobmanager.DecodePartialOutput(msg.Payload)
				if err != nil {
					logger.Warn("malformed partial output", "error", err)
					continue
				}
				if err := rc.Jobs().AcceptPartialOutput(ctx, *po); err != nil {
					logger.Debug("partial output rejected", "job", po.JobID.String(), "error", err)
				}
			}
		}
	}
}

// dispatchGovernanceGossip logs governance announcements. Votes and
// proposals from remote members are applied through federation sync rather
// than raw gossip, so announcements here only feed observability.
func dispatchGovernanceGossip(ctx context.Context, gov *governance.Engine, net gossip.NetworkService, logger *slog.Logger) {
	stream, err := net.Subscribe(ctx, gossip.TopicGovernance)
	if err != nil {
		logger.Error("subscribe governance topic", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.C:
			if !ok {
				return
			}
			switch msg.Type {
			case gossip.MsgProposalAnnouncement:
				logger.Info("proposal announced", "bytes", len(msg.Payload))
			case gossip.MsgVoteCast:
				logger.Info("vote announced", "bytes", len(msg.Payload))
			}
		}
	}
}

// syncBlockLimit bounds how many blocks one sync response may carry.
const syncBlockLimit = 512

// dispatchFederationSync answers federation sync requests with the block
// graph reachable from the requested CID, and stores blocks arriving in
// responses after the DAG layer re-verifies them.
func dispatchFederationSync(ctx context.Context, store dag.Store, net gossip.NetworkService, logger *slog.Logger) {
	stream, err := net.Subscribe(ctx, gossip.TopicFederation)
	if err != nil {
		logger.Error("subscribe federation topic", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.C:
			if !ok {
				return
			}
			switch msg.Type {
			case gossip.MsgFederationSyncRequest:
				var req gossip.FederationSyncRequest
				if err := json.Unmarshal(msg.Payload, &req); err != nil {
					continue
				}
				blocks, err := collectSyncBlocks(store, req.SinceCID)
				if err != nil {
					logger.Debug("sync collection failed", "error", err)
					continue
				}
				payload, err := json.Marshal(gossip.FederationSyncResponse{Blocks: blocks})
				if err != nil {
					continue
				}
				_ = net.SendDirect(ctx, gossip.PeerID(req.Peer), gossip.Message{
					Topic:   gossip.TopicFederation,
					Type:    gossip.MsgFederationSyncResponse,
					Payload: payload,
				})
			case gossip.MsgFederationSyncResponse:
				var resp gossip.FederationSyncResponse
				if err := json.Unmarshal(msg.Payload, &resp); err != nil {
					continue
				}
				for _, sb := range resp.Blocks {
					block, err := syncBlockToDAG(sb)
					if err != nil {
						continue
					}
					// Put re-verifies CID and signature; forged blocks are
					// rejected here, not trusted because they arrived via
					// sync.
					if _, err := store.Put(block); err != nil {
						logger.Debug("sync block rejected", "error", err)
					}
				}
			}
		}
	}
}

// collectSyncBlocks walks the link graph breadth-first from root,
// returning at most syncBlockLimit blocks.
func collectSyncBlocks(store dag.Store, root string) ([]gossip.SyncBlock, error) {
	rootCID, err := ccid.Parse(root)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{}
	queue := []ccid.CID{rootCID}
	var out []gossip.SyncBlock
	for len(queue) > 0 && len(out) < syncBlockLimit {
		next := queue[0]
		queue = queue[1:]
		key := next.String()
		if visited[key] {
			continue
		}
		visited[key] = true
		block, ok, err := store.Get(next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		links := make([]string, 0, len(block.Links))
		for _, l := range block.Links {
			links = append(links, l.String())
			queue = append(queue, l)
		}
		out = append(out, gossip.SyncBlock{
			CID:       block.CID.String(),
			Payload:   block.Payload,
			Links:     links,
			Author:    block.Author.String(),
			Timestamp: block.Timestamp,
			Signature: block.Signature,
			Scope:     block.Scope,
		})
	}
	return out, nil
}

func syncBlockToDAG(sb gossip.SyncBlock) (*dag.Block, error) {
	cid, err := ccid.Parse(sb.CID)
	if err != nil {
		return nil, err
	}
	author, err := identity.ParseDID(sb.Author)
	if err != nil {
		return nil, err
	}
	links := make([]ccid.CID, 0, len(sb.Links))
	for _, l := range sb.Links {
		c, err := ccid.Parse(l)
		if err != nil {
			return nil, err
		}
		links = append(links, c)
	}
	return &dag.Block{
		CID:       cid,
		Payload:   sb.Payload,
		Links:     links,
		Author:    author,
		Timestamp: sb.Timestamp,
		Signature: identity.Signature(sb.Signature),
		Scope:     sb.Scope,
	}, nil
}

func buildSigner(cfg *config.Config) (identity.Signer, error) {
	if cfg.KeystorePath != "" {
		pass, err := passphrase.NewSource(keystorePassEnv).Get()
		if err != nil {
			return nil, err
		}
		return identity.NewKeystoreSigner(cfg.KeystorePath, pass, identity.Principal{})
	}
	if cfg.Environment == "production" {
		return nil, fmt.Errorf("production nodes require KeystorePath")
	}
	return identity.GenerateMemorySigner()
}

func openKV(backend, dataDir, name string) (dag.KV, error) {
	switch backend {
	case "memory":
		return dag.NewMemKV(), nil
	case "leveldb":
		return dag.NewLevelKV(filepath.Join(dataDir, name))
	case "sql":
		return dag.NewSQLiteKV(filepath.Join(dataDir, name+".db"))
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func openStorage(cfg *config.Config, resolver dag.PubKeyResolver) (dag.Store, dag.KV, dag.KV, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var store dag.Store
	switch cfg.DAGBackend {
	case "memory":
		store = dag.NewMemStore(resolver)
	case "leveldb":
		s, err := dag.NewLevelStore(filepath.Join(cfg.DataDir, "dag"), resolver)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		store = s
	case "sql":
		kv, err := dag.NewSQLiteKV(filepath.Join(cfg.DataDir, "dag.db"))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closers = append(closers, func() { kv.Close() })
		store = dag.NewSQLStore(kv, resolver)
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown dag backend %q", cfg.DAGBackend)
	}

	ledgerKV, err := openKV(cfg.ManaBackend, cfg.DataDir, "mana")
	if err != nil {
		closeAll()
		return nil, nil, nil, nil, err
	}
	closers = append(closers, func() { ledgerKV.Close() })

	repKV, err := openKV(cfg.ManaBackend, cfg.DataDir, "reputation")
	if err != nil {
		closeAll()
		return nil, nil, nil, nil, err
	}
	closers = append(closers, func() { repKV.Close() })

	return store, ledgerKV, repKV, closeAll, nil
}
