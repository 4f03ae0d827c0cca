package exchange_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"phimarket/internal/exchange"
	"phimarket/internal/store/memory"
)

func TestComputeNetWorth(t *testing.T) {
	h := newHarness(t)
	h.addCharacter(t, "Gun Park", 300, exchange.GenderMale)
	h.account(t, "u1")
	ctx := context.Background()

	_, err := h.trade("u1", "daniel-park", "BUY", 10)
	require.NoError(t, err)
	_, err = h.trade("u1", "gun-park", "BUY", 2)
	require.NoError(t, err)

	nw, err := h.svc.ComputeNetWorth(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, exchange.NetWorth{Cash: 3400, HoldingsValue: 1600, NetWorth: 5000}, nw)

	again, err := h.svc.ComputeNetWorth(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, nw, again)

	_, err = h.svc.StartEvent(ctx, "Crash", "", 0.5)
	require.NoError(t, err)
	nw, err = h.svc.ComputeNetWorth(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(800), nw.HoldingsValue)

	require.NoError(t, h.svc.DeleteCharacter(ctx, "gun-park"))
	nw, err = h.svc.ComputeNetWorth(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(500), nw.HoldingsValue, "deleted characters are worth nothing")
}

func TestValueHoldingsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cash := rapid.Int64Range(0, 1_000_000).Draw(t, "cash")
		mult := rapid.SampledFrom([]float64{0, 0.25, 0.5, 1, 1.5, 2, 3.75}).Draw(t, "mult")
		ev := exchange.MarketEvent{Active: mult > 0, PriceMultiplier: mult}
		n := rapid.IntRange(0, 8).Draw(t, "n")

		characters := map[string]exchange.Character{}
		var holdings []exchange.Holding
		var want int64
		for i := range n {
			id := fmt.Sprintf("c%d", i)
			price := rapid.Int64Range(1, 10_000).Draw(t, "price-"+id)
			shares := rapid.Int64Range(0, 500).Draw(t, "shares-"+id)
			characters[id] = exchange.Character{ID: id, BasePrice: price}
			holdings = append(holdings, exchange.Holding{CharacterID: id, Shares: shares})
			eff, err := exchange.EffectivePrice(price, ev)
			require.NoError(t, err)
			want += eff * shares
		}
		holdings = append(holdings, exchange.Holding{CharacterID: "deleted", Shares: 99})

		got, err := exchange.ValueHoldings(cash, holdings, characters, ev)
		require.NoError(t, err)
		if got.HoldingsValue != want || got.NetWorth != cash+want {
			t.Fatalf("got %+v want holdings %d", got, want)
		}
		again, _ := exchange.ValueHoldings(cash, holdings, characters, ev)
		if again != got {
			t.Fatalf("valuation is not deterministic")
		}
	})
}

func TestPublisherFlush(t *testing.T) {
	h := newHarness(t)
	h.account(t, "u1")
	ctx := context.Background()

	_, err := h.trade("u1", "daniel-park", "BUY", 10)
	require.NoError(t, err)
	_, err = h.svc.SetPrice(ctx, "daniel-park", exchange.PriceSet, 150)
	require.NoError(t, err)

	p, ok, err := h.store.Profile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5000), p.NetWorth, "profile only moves when the publisher runs")

	h.svc.Publisher().Flush(ctx)
	require.Zero(t, h.svc.Publisher().Pending())

	p, _, err = h.store.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(5500), p.NetWorth)
	require.Equal(t, int64(4000), p.LiquidPhi)
	require.Equal(t, "u1", p.Username)
}

func TestPublisherDebounceLastValueWins(t *testing.T) {
	h := newHarnessWith(t, memory.New(), exchange.Options{PublishDebounce: 20 * time.Millisecond})
	h.addCharacter(t, "Daniel Park", 100, exchange.GenderMale)
	ctx := context.Background()
	_, err := h.svc.SetTradingEnabled(ctx, true)
	require.NoError(t, err)
	h.account(t, "u1")

	for range 5 {
		_, err := h.trade("u1", "daniel-park", "BUY", 1)
		require.NoError(t, err)
	}
	_, err = h.svc.AdjustCash(ctx, "u1", 1000)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, ok, err := h.store.Profile(ctx, "u1")
		return err == nil && ok && p.LiquidPhi == 5500 && p.NetWorth == 6000
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.svc.Publisher().Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRevalueAllAndLeaderboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "alice")
	h.account(t, "bob")
	h.account(t, "carol")

	_, err := h.trade("alice", "daniel-park", "BUY", 10)
	require.NoError(t, err)
	_, err = h.svc.SetPrice(ctx, "daniel-park", exchange.PriceDelta, 100)
	require.NoError(t, err)
	_, err = h.svc.SetBanned(ctx, "carol", true)
	require.NoError(t, err)

	n, err := h.svc.RevalueAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rows, err := h.svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "banned accounts are hidden")
	require.Equal(t, "alice", rows[0].AccountID)
	require.Equal(t, int64(6000), rows[0].NetWorth)
	require.Equal(t, int64(1), rows[0].Rank)
	require.Equal(t, "bob", rows[1].AccountID)
	require.Equal(t, int64(2), rows[1].Rank)
}

func TestLeaderboardTiesOrderByAccount(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"zed", "amy", "kim"} {
		h.account(t, id)
	}
	rows, err := h.svc.Leaderboard(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"amy", "kim", "zed"}, []string{rows[0].AccountID, rows[1].AccountID, rows[2].AccountID})
}
