package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"phimarket/internal/exchange"
	"phimarket/internal/metrics"
)

const jobTimeout = 5 * time.Minute

type worker struct {
	svc *exchange.Service
	log *slog.Logger
}

func (w *worker) revalue(ctx context.Context) error {
	start := time.Now()
	n, err := w.svc.RevalueAll(ctx)
	metrics.RecordJob("revalue", time.Since(start), err)
	if err != nil {
		return err
	}
	w.log.Info("profiles revalued", "job", "revalue", "accounts", n)
	return nil
}

func (w *worker) snapshotRanks(ctx context.Context) error {
	start := time.Now()
	res, err := w.svc.Bulk().SnapshotRanks(ctx, string(exchange.CategoryStrength))
	metrics.RecordJob("snapshot_strength", time.Since(start), err)
	if err != nil {
		return err
	}
	w.log.Info("strength ranks snapshotted", "job", "snapshot_strength", "updated", res.Updated)
	return nil
}

// schedule registers the jobs on a cron scheduler without starting it. An
// empty snapshot spec leaves that job out.
func (w *worker) schedule(revalueSpec, snapshotSpec string) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLogger(cronLogger{w.log}),
		cron.WithChain(cron.Recover(cronLogger{w.log}), cron.SkipIfStillRunning(cronLogger{w.log})),
	)
	if _, err := c.AddFunc(revalueSpec, w.job("revalue", w.revalue)); err != nil {
		return nil, fmt.Errorf("revalue schedule %q: %w", revalueSpec, err)
	}
	if snapshotSpec != "" {
		if _, err := c.AddFunc(snapshotSpec, w.job("snapshot_strength", w.snapshotRanks)); err != nil {
			return nil, fmt.Errorf("rank snapshot schedule %q: %w", snapshotSpec, err)
		}
	}
	return c, nil
}

func (w *worker) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			w.log.Error("job failed", "job", name, "err", err)
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
