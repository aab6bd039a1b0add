package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/colordrop-pool/internal/config"
	"github.com/park285/colordrop-pool/internal/feed"
	"github.com/park285/colordrop-pool/internal/history"
	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/ledger/evmrpc"
	"github.com/park285/colordrop-pool/internal/ledger/memledger"
	"github.com/park285/colordrop-pool/internal/msgcat"
	"github.com/park285/colordrop-pool/internal/network"
	"github.com/park285/colordrop-pool/internal/obslog"
	"github.com/park285/colordrop-pool/internal/prizes"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/session"
	"github.com/park285/colordrop-pool/internal/txtrack"
	"github.com/park285/colordrop-pool/internal/verify"
)

// devIdentity is used with -dev when IDENTITY is unset.
var devIdentity = common.HexToAddress("0x000000000000000000000000000000000000c0de")

func main() {
	dev := flag.Bool("dev", false, "run against the in-memory ledger")
	flag.Parse()

	cfg, err := config.Load(*dev)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv("logs/colordrop.log"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obslog.L().Error("client_exit", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	lg := obslog.L()
	who := cfg.IdentityAddr()

	var (
		chain  ledger.Chain
		oracle verify.Oracle
	)
	if cfg.Dev {
		if who == ledger.NoIdentity {
			who = devIdentity
		}
		mem := memledger.New(memledger.Config{
			ChainID:             cfg.ChainID,
			PoolSize:            cfg.PoolSize,
			EntryFee:            cfg.EntryFee(),
			UnverifiedSlotLimit: cfg.UnverifiedSlotLimit,
			FinalizeTimeout:     cfg.FinalizeTimeout,
			AutoMine:            true,
		})
		chain, oracle = mem, devOracle{mem: mem}
		lg.Info("dev_ledger_ready", zap.String("identity", who.Hex()), zap.Uint64("chain_id", cfg.ChainID))
	} else {
		node := evmrpc.NewTransport(cfg.RPCURL)
		wallet := node
		if cfg.WalletRPCURL != "" {
			wallet = evmrpc.NewTransport(cfg.WalletRPCURL, evmrpc.WithRetry(0))
		}
		chain = evmrpc.New(node, wallet, cfg.Contract(), cfg.UnverifiedSlotLimit)
		oracle = verify.NewHTTPOracle(cfg.OracleURL)
	}

	results, closeResults, err := openResults(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeResults()

	var hist history.Repository
	if cfg.DatabaseURL != "" {
		repo, closeDB, err := history.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer func() { _ = closeDB() }()
		hist = repo
	} else {
		hist = history.NewMemoryRepository()
	}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}

	guard := network.NewGuard(chain, cfg.ChainID,
		network.WithChainName(cfg.ChainName),
		network.WithLogger(obslog.Named("network")),
	)
	tracker := txtrack.New(chain, chain, txtrack.Options{
		PollInterval:  cfg.ReceiptPollInterval,
		Confirmations: cfg.Confirmations,
		Preflight:     guard,
		Logger:        obslog.Named("txtrack"),
	})
	defer tracker.Close()

	reader := remote.New(chain, who, remote.Options{
		PoolSize: cfg.PoolSize,
		Interval: cfg.PollInterval,
		Logger:   obslog.Named("remote"),
	})

	var links *verify.LinkBuilder
	if cfg.SelfEndpoint != "" {
		links, err = verify.NewLinkBuilder(verify.LinkConfig{
			AppName:          cfg.SelfAppName,
			Scope:            cfg.SelfScope,
			Endpoint:         cfg.SelfEndpoint,
			DeeplinkCallback: cfg.SelfCallbackURL,
			DevMode:          cfg.Dev,
		})
		if err != nil {
			return fmt.Errorf("verification links: %w", err)
		}
	}
	gate := verify.NewGate(oracle, who, verify.Options{
		Interval:    cfg.VerifyPollInterval,
		MaxAttempts: cfg.VerifyMaxAttempts,
		Links:       links,
		Logger:      obslog.Named("verify"),
	})

	orch := session.New(reader, gate, tracker, session.Options{
		EntryFee:      cfg.EntryFee(),
		FID:           cfg.FID,
		RoundDuration: cfg.RoundDuration,
		Results:       results,
		History:       hist,
		Rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		Logger:        obslog.Named("session"),
	})
	defer orch.Close()

	desk := prizes.NewDesk(
		prizes.NewScanner(chain, prizes.Options{
			PoolSize:        cfg.PoolSize,
			FinalizeTimeout: cfg.FinalizeTimeout,
			Prizes:          cfg.Prizes(),
			Logger:          obslog.Named("prizes"),
		}),
		prizes.NewClaimer(tracker, who, obslog.Named("prizes")),
		cfg.PastPoolsLimit,
	)

	srv := feed.NewServer(orch, reader, feed.Options{
		Prizes:    desk,
		History:   hist,
		Catalog:   cat,
		ChainName: cfg.ChainName,
		Logger:    obslog.Named("feed"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reader.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.FeedAddr) })

	lg.Info("client_started",
		zap.String("feed", cfg.FeedAddr),
		zap.Bool("dev", cfg.Dev),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Int("pool_size", cfg.PoolSize),
	)
	err = g.Wait()
	lg.Info("client_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openResults picks Redis when REDIS_URL is set, memory otherwise.
func openResults(ctx context.Context, cfg *config.AppConfig) (session.ResultStore, func(), error) {
	if cfg.RedisURL == "" {
		return session.NewMemoryResultStore(), func() {}, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return session.NewRedisResultStore(rdb, cfg.ResultTTL), func() { _ = rdb.Close() }, nil
}

// devOracle passes every check and marks the identity verified on the in-memory ledger.
type devOracle struct {
	mem *memledger.Ledger
}

func (o devOracle) Check(_ context.Context, who ledger.Identity) (bool, error) {
	o.mem.SetVerified(who, true)
	return true, nil
}
