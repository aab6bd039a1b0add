package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/colordrop-pool/internal/config"
	"github.com/park285/colordrop-pool/internal/obslog"
	"github.com/park285/colordrop-pool/internal/verifyoracle"
)

func main() {
	cfg, err := config.LoadOracle()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv("logs/verify-oracle.log"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	lg := obslog.L()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	if cfg.Token == "" {
		lg.Warn("oracle_token_unset", zap.String("effect", "all verifier callbacks are rejected"))
	}

	store := verifyoracle.NewStore(rdb, cfg.VerificationTTL)
	srv := verifyoracle.NewServer(store, verifyoracle.TrustedRelay{Token: cfg.Token}, obslog.Named("oracle"))
	hs := &fasthttp.Server{
		Handler:      srv.Handler(),
		Name:         "verify-oracle",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe(cfg.Addr) }()
	lg.Info("oracle_listening", zap.String("addr", cfg.Addr), zap.Duration("ttl", cfg.VerificationTTL))

	select {
	case err := <-errCh:
		if err != nil {
			lg.Error("oracle_serve_failed", zap.Error(err))
		}
	case <-ctx.Done():
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := hs.ShutdownWithContext(sctx); err != nil {
			lg.Warn("oracle_shutdown_failed", zap.Error(err))
		}
	}
	lg.Info("oracle_stopped")
}
