package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"leasebank.org/internal/audit"
	"leasebank.org/internal/config"
	"leasebank.org/internal/httpapi"
	"leasebank.org/internal/keystore"
	"leasebank.org/internal/obs"
	"leasebank.org/internal/sealer"
	"leasebank.org/internal/store/pg"
	"leasebank.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	env := config.GetEnv()
	cfg := config.MustLoad(env)

	logger, err := obs.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	audit.SetLogger(logger)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	seal, err := sealer.NewFromHex(os.Getenv("LEASEBANK_SEAL_KEY"))
	if err != nil {
		logger.Fatal("sealing key", zap.Error(err))
	}

	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	keys := keystore.NewPG(store.DB(), seal)
	events := stream.New()

	api := httpapi.New(store, keys, seal, events, logger,
		httpapi.ReadyProbe{DB: store.DB()},
		httpapi.Options{
			Version:        version,
			DefaultGrant:   cfg.Lease.DefaultGrant,
			MaxGrant:       cfg.Lease.MaxGrant,
			LeaseTTL:       time.Duration(cfg.Lease.TTLSec) * time.Second,
			RateLimitRPS:   cfg.RateLimit.RPS,
			RateLimitBurst: cfg.RateLimit.Burst,
		})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.Handler(),
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting leasebank-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("env", env),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}
