package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"escrowflow/collateral"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROWFLOW_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	identitySvc := identity.NewService(identity.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	ledgerSvc := ledger.NewService(pool, nil, nil)
	opportunitySvc := ledger.NewOpportunityService(pool)
	collateralSvc := collateral.NewService(pool, nil)
	escrowSvc := escrow.NewService(pool, escrow.NewRepository(pool))

	publisher := outbox.NewRedisPublisher(redisClient, cfg.Redis.ChannelPrefix)
	dispatcher := outbox.NewDispatcher(pool, publisher, outbox.DispatcherConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}, logger.Named("outbox"))

	coordinator := settlement.NewCoordinator(pool, escrowSvc, logger.Named("coordinator"))
	coordinator.Register(dispatcher)

	sweeper := settlement.NewSweeper(pool, escrowSvc, logger.Named("sweep"))
	scheduler := cron.New()
	if _, err := sweeper.Schedule(scheduler, cfg.Sweep.Schedule); err != nil {
		logger.Fatal("schedule default sweep", zap.Error(err))
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	logger.Info("settlement engine running",
		zap.Bool("identity", identitySvc != nil),
		zap.Bool("ledger", ledgerSvc != nil && opportunitySvc != nil),
		zap.Bool("collateral", collateralSvc != nil),
		zap.String("sweep_schedule", cfg.Sweep.Schedule),
		zap.String("redis", cfg.Redis.Addr))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("settlement engine stopped", zap.Error(err))
	}
	logger.Info("shutting down")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
