package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/batchauction/params"
	"github.com/uhyunpark/batchauction/pkg/api"
	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchauction/pkg/app/core/pricing"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
	"github.com/uhyunpark/batchauction/pkg/app/core/validator"
	"github.com/uhyunpark/batchauction/pkg/app/solver"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/events"
	"github.com/uhyunpark/batchauction/pkg/execution"
	"github.com/uhyunpark/batchauction/pkg/metrics"
	"github.com/uhyunpark/batchauction/pkg/p2p"
	"github.com/uhyunpark/batchauction/pkg/storage"
	"github.com/uhyunpark/batchauction/pkg/util"
)

func main() {
	// Priority: ENV > .env > AUCTION_CONFIG_FILE > defaults
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(util.LogFile{Path: cfg.Node.LogFile, MaxBackups: 7, MaxAgeDays: 30})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "orders"))
	if err != nil {
		return fmt.Errorf("open order store: %w", err)
	}
	defer store.Close()

	archive, err := storage.NewCompetitionArchive(filepath.Join(cfg.Node.DataDir, "competition.db"))
	if err != nil {
		return fmt.Errorf("open competition archive: %w", err)
	}
	defer archive.Close()

	// ---- Observers ----
	m := metrics.Default()
	hub := api.NewHub(log.Named("ws"))

	// ---- Order book ----
	contract, err := optionalAddress("chain.settlement_contract", cfg.Chain.SettlementContract)
	if err != nil {
		return err
	}
	domain := crypto.DomainFor(cfg.Chain.ChainID, contract)
	banned, err := parseAddresses("orders.banned_owners", cfg.Orders.BannedOwners)
	if err != nil {
		return err
	}
	unsupported, err := parseAddresses("orders.unsupported_tokens", cfg.Orders.UnsupportedTokens)
	if err != nil {
		return err
	}
	bookOpts := []orderbook.Option{
		orderbook.WithLogger(log.Named("orders")),
		orderbook.WithObserver(hub.OrderUpdated),
		orderbook.WithObserver(m.OrderUpdated),
	}
	if cfg.Chain.RPCURL != "" && contract != (common.Address{}) {
		client, err := execution.Dial(cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("chain.rpc_url: %w", err)
		}
		defer client.Close()
		balances, err := execution.NewERC20Balances(client, contract)
		if err != nil {
			return err
		}
		bookOpts = append(bookOpts, orderbook.WithBalances(balances))
		log.Infow("balance_checks_enabled", "rpc", cfg.Chain.RPCURL, "spender", contract.Hex())
	}
	book := orderbook.NewManager(store, transaction.NewVerifier(domain), orderbook.Config{
		MinValidity:       cfg.Orders.MinValidity,
		MaxValidity:       cfg.Orders.MaxValidity,
		BannedOwners:      banned,
		UnsupportedTokens: unsupported,
	}, bookOpts...)

	// ---- Pricing & liquidity ----
	pools, err := parsePools(cfg.Pools)
	if err != nil {
		return err
	}
	static, err := parsePrices(cfg.Pricing.StaticPrices)
	if err != nil {
		return err
	}
	policy, err := pricing.PolicyByName(cfg.Pricing.Policy)
	if err != nil {
		return err
	}
	prices := pricing.NewAggregator(
		[]pricing.Estimator{pricing.NewStaticEstimator(static), pricing.NewPoolEstimator(pools)},
		pricing.WithPolicy(policy),
		pricing.WithTimeout(cfg.Pricing.EstimatorTimeout),
		pricing.WithMaxStaleness(cfg.Pricing.MaxStaleness),
		pricing.WithLogger(log.Named("pricing")),
	)

	// ---- Execution ----
	exec, err := newExecutor(cfg.Chain, contract, log.Named("execution"))
	if err != nil {
		return err
	}

	// ---- Coordinator ----
	native, err := parseAddress("auction.native_token", cfg.Auction.NativeToken)
	if err != nil {
		return err
	}
	opts := []auction.Option{
		auction.WithLogger(log.Named("auction")),
		auction.WithLiquidity(auction.StaticLiquidity(pools)),
		auction.WithArchive(archive),
		auction.WithObserver(hub),
		auction.WithObserver(m),
	}
	if cfg.Node.CertificateKey != "" {
		seed, err := hexutil.Decode(cfg.Node.CertificateKey)
		if err != nil {
			return fmt.Errorf("node.certificate_key: %w", err)
		}
		certifier, err := crypto.NewBLSSignerFromSeed(seed)
		if err != nil {
			return fmt.Errorf("node.certificate_key: %w", err)
		}
		opts = append(opts, auction.WithCertifier(certifier))
		log.Infow("round_certificates_enabled", "pubkey", hexutil.Encode(certifier.PubkeyBytes()))
	}

	var publisher *events.Publisher
	if len(cfg.Node.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Node.KafkaBrokers, cfg.Node.KafkaTopic, events.WithLogger(log.Named("events")))
		opts = append(opts, auction.WithObserver(publisher))
		log.Infow("kafka_publishing_enabled", "brokers", cfg.Node.KafkaBrokers, "topic", cfg.Node.KafkaTopic)
	}

	var gossip *p2p.Libp2pNet
	if cfg.Node.P2PListen != "" {
		registry, err := p2p.ParseSolverRegistry(cfg.Node.Solvers)
		if err != nil {
			return err
		}
		gossip, err = p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.Node.P2PListen,
			Bootstrap:  cfg.Node.Bootstrap,
			Solvers:    registry,
			Logger:     log.Named("p2p"),
		})
		if err != nil {
			return fmt.Errorf("libp2p: %w", err)
		}
		defer gossip.Close()
		opts = append(opts, auction.WithObserver(gossip))
		log.Infow("p2p_addrs", "addrs", gossip.Addrs())
	}

	builtin := &builtinSolver{ctx: ctx, log: log.Named("solver")}
	if cfg.Auction.BuiltinSolver != "" {
		opts = append(opts, auction.WithObserver(builtin))
	}

	coord := auction.New(auction.Config{
		Cadence:          cfg.Auction.Cadence,
		Duration:         cfg.Auction.Duration,
		Quorum:           cfg.Auction.Quorum,
		ExecutionTimeout: cfg.Auction.ExecutionTimeout,
		NativeToken:      native,
	}, book, validator.New(book, util.RealClock{}), prices, exec, store, opts...)

	if gossip != nil {
		gossip.AcceptProposals(coord)
	}
	if id := cfg.Auction.BuiltinSolver; id != "" {
		minVolume, err := parseRat("auction.min_solver_volume", cfg.Auction.MinSolverVolume)
		if err != nil {
			return err
		}
		engine := solver.MinVolumeFilter{Next: solver.NewEngine(id, solver.WithLogger(builtin.log)), Min: minVolume}
		builtin.driver = solver.NewDriver(engine, func(ctx context.Context, s *settlement.Settlement) error {
			_, err := coord.Propose(ctx, s.RoundID, id, s)
			return err
		}, solver.WithDriverLogger(builtin.log))
		log.Infow("builtin_solver_enabled", "id", id, "min_volume", cfg.Auction.MinSolverVolume)
	}

	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	// ---- API ----
	apiOpts := []api.Option{
		api.WithLogger(log.Named("api")),
		api.WithHub(hub),
		api.WithCompetition(archive),
		api.WithMetrics(m),
		api.WithRateLimit(api.NewOwnerLimiter(cfg.Orders.SubmitRate, cfg.Orders.SubmitBurst)),
	}
	if cfg.Node.SolverSecret != "" {
		auth, err := api.NewSolverAuth(cfg.Node.SolverSecret, cfg.Node.Solvers)
		if err != nil {
			return fmt.Errorf("solver registry: %w", err)
		}
		apiOpts = append(apiOpts, api.WithSolverAuth(auth))
	} else {
		log.Warn("solver_auth_disabled - proposals over HTTP are refused without node.solver_secret")
	}
	server := api.NewServer(book, coord, store, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, cfg.Node.APIAddr) })
	if cfg.Node.MetricsAddr != "" && cfg.Node.MetricsAddr != cfg.Node.APIAddr {
		g.Go(func() error { return serveMetrics(gctx, cfg.Node.MetricsAddr, m, log) })
	}
	if publisher != nil {
		g.Go(func() error {
			publisher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Infow("auction_loop_starting",
			"cadence", cfg.Auction.Cadence,
			"duration", cfg.Auction.Duration,
			"quorum", cfg.Auction.Quorum,
			"dry_run", cfg.Chain.DryRun)
		if err := coord.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()
	if publisher != nil {
		if cerr := publisher.Close(); cerr != nil {
			log.Warnw("publisher_close_failed", "err", cerr)
		}
	}
	return err
}

func optionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, s)
}

func newExecutor(cfg params.Chain, contract common.Address, log *zap.SugaredLogger) (execution.Executor, error) {
	if cfg.DryRun {
		log.Info("execution_dry_run")
		return execution.DryRun{Log: log}, nil
	}
	client, err := execution.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain.rpc_url: %w", err)
	}
	key, err := crypto.FromPrivateKeyHex(cfg.SubmitterKey)
	if err != nil {
		return nil, fmt.Errorf("chain.submitter_key: %w", err)
	}
	exec, err := execution.NewChainExecutor(client, contract, big.NewInt(cfg.ChainID), key.PrivateKey(), log)
	if err != nil {
		return nil, err
	}
	log.Infow("execution_on_chain", "rpc", cfg.RPCURL, "contract", contract.Hex(), "from", key.Address().Hex())
	return exec, nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infow("metrics_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// builtinSolver solves each round in the background as soon as it opens.
type builtinSolver struct {
	ctx    context.Context
	driver *solver.Driver
	log    *zap.SugaredLogger
}

func (b *builtinSolver) RoundOpened(a *settlement.Auction) {
	if b.driver == nil {
		return
	}
	go func() {
		if _, err := b.driver.Handle(b.ctx, a); err != nil {
			b.log.Warnw("builtin_solver_failed", "round", a.RoundID, "err", err)
		}
	}()
}

func (b *builtinSolver) RoundFinished(*auction.Summary) {}
