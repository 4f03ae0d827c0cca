package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"phimarket/internal/config"
	"phimarket/internal/db"
	"phimarket/internal/exchange"
	"phimarket/internal/metrics"
	"phimarket/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 4})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("db migrate failed", "err", err)
		os.Exit(1)
	}

	svc := exchange.NewService(postgres.New(pool, logger), logger, exchange.Options{
		MaxTxAttempts:   cfg.Exchange.MaxTxAttempts,
		RetryDelay:      cfg.Exchange.TxRetryDelay,
		ChunkSize:       cfg.Exchange.BulkChunkSize,
		PublishDebounce: cfg.Exchange.PublishDebounce,
		Metrics:         metrics.Engine{},
	})
	defer svc.Close()

	w := &worker{svc: svc, log: logger}
	if cfg.RunOnce {
		if err := w.revalue(ctx); err != nil {
			logger.Error("revalue failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	sched, err := w.schedule(cfg.RevalueSchedule, cfg.RankSnapshotSchedule)
	if err != nil {
		logger.Error("schedule jobs failed", "err", err)
		os.Exit(1)
	}
	sched.Start()
	logger.Info("worker started", "revalue", cfg.RevalueSchedule, "rank_snapshot", cfg.RankSnapshotSchedule)

	<-ctx.Done()
	logger.Info("worker shutdown")
	<-sched.Stop().Done()
}
