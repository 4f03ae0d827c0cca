package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phimarket/internal/api"
	"phimarket/internal/auth"
	"phimarket/internal/catalog"
	"phimarket/internal/config"
	"phimarket/internal/db"
	"phimarket/internal/exchange"
	"phimarket/internal/metrics"
	"phimarket/internal/notify"
	"phimarket/internal/store/memory"
	"phimarket/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var store exchange.Store
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on exit")
		store = memory.New()
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			logger.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("db migrate failed", "err", err)
			os.Exit(1)
		}
		store = postgres.New(pool, logger)
	}

	svc := exchange.NewService(store, logger, exchange.Options{
		MaxTxAttempts:   cfg.Exchange.MaxTxAttempts,
		RetryDelay:      cfg.Exchange.TxRetryDelay,
		ChunkSize:       cfg.Exchange.BulkChunkSize,
		PublishDebounce: cfg.Exchange.PublishDebounce,
		Metrics:         metrics.Engine{},
	})
	defer svc.Close()

	if cfg.SeedCatalog {
		roster, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			logger.Error("catalog load failed", "err", err)
			os.Exit(1)
		}
		if _, err := svc.SeedCatalog(ctx, roster); err != nil {
			logger.Error("catalog seed failed", "err", err)
			os.Exit(1)
		}
	}

	if cfg.DiscordBotToken != "" {
		session, err := notify.NewDiscord(cfg.DiscordBotToken)
		if err != nil {
			logger.Error("discord session failed", "err", err)
			os.Exit(1)
		}
		announcer := notify.NewAnnouncer(svc, session, cfg.DiscordChannelID, logger)
		go func() {
			if err := announcer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("discord announcer stopped", "err", err)
			}
		}()
	}

	authClient := auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	server := api.New(cfg, logger, authClient, svc)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		// Profiles still waiting on their debounce are written before exit.
		svc.Publisher().Flush(shutdownCtx)
	}()

	logger.Info("phimarket api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	<-drained
	logger.Info("phimarket api stopped")
}
