package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phimarket/internal/exchange"
	"phimarket/internal/store/memory"
)

func newTestWorker(t *testing.T) *worker {
	t.Helper()
	svc := exchange.NewService(memory.New(), nil, exchange.Options{PublishDebounce: time.Hour})
	t.Cleanup(svc.Close)
	return &worker{svc: svc, log: slog.Default()}
}

func TestScheduleValidatesSpecs(t *testing.T) {
	w := newTestWorker(t)

	c, err := w.schedule("@every 1m", "0 0 * * *")
	require.NoError(t, err)
	require.Len(t, c.Entries(), 2)

	c, err = w.schedule("@every 1m", "")
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)

	_, err = w.schedule("every minute", "")
	require.ErrorContains(t, err, "revalue schedule")

	_, err = w.schedule("@every 1m", "61 * * * *")
	require.ErrorContains(t, err, "rank snapshot schedule")
}

func TestJobsRunAgainstService(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, err := w.svc.AddCharacter(ctx, exchange.CharacterInput{Name: "Gun Park", BasePrice: 10, Gender: exchange.GenderMale})
	require.NoError(t, err)
	_, err = w.svc.AddCharacter(ctx, exchange.CharacterInput{Name: "Goo Kim", BasePrice: 10, Gender: exchange.GenderMale})
	require.NoError(t, err)
	_, err = w.svc.SetVotingEnabled(ctx, "strength", true)
	require.NoError(t, err)
	_, err = w.svc.EnsureAccount(ctx, exchange.Principal{AccountID: "u1", Email: "u1@phi.test"})
	require.NoError(t, err)
	_, err = w.svc.CastVote(ctx, exchange.VoteInput{AccountID: "u1", CharacterID: "goo-kim", Category: "strength"})
	require.NoError(t, err)

	require.NoError(t, w.revalue(ctx))
	require.NoError(t, w.snapshotRanks(ctx))

	c, err := w.svc.MarketCharacter(ctx, "goo-kim")
	require.NoError(t, err)
	require.Equal(t, int64(1), c.PrevStrengthRank)
	c, err = w.svc.MarketCharacter(ctx, "gun-park")
	require.NoError(t, err)
	require.Equal(t, int64(2), c.PrevStrengthRank)
}
