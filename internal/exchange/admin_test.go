package exchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phimarket/internal/exchange"
)

func TestRoleCapabilities(t *testing.T) {
	tests := []struct {
		role exchange.Role
		cap  exchange.Capability
		want bool
	}{
		{exchange.RoleAdmin, exchange.CapManagePolicy, true},
		{exchange.RoleAdmin, exchange.CapViewAccounts, true},
		{exchange.RoleWorker, exchange.CapViewAccounts, true},
		{exchange.RoleWorker, exchange.CapManagePolicy, false},
		{exchange.RoleWorker, exchange.CapManageCatalog, false},
		{exchange.RoleNone, exchange.CapViewAccounts, false},
		{exchange.RoleNone, exchange.CapManageAccount, false},
	}
	for _, tc := range tests {
		if got := tc.role.Can(tc.cap); got != tc.want {
			t.Fatalf("role=%q cap=%s got=%v want=%v", tc.role, tc.cap, got, tc.want)
		}
	}
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "boss")
	h.account(t, "pleb")
	_, err := h.svc.SetRole(ctx, "boss", exchange.RoleAdmin)
	require.NoError(t, err)

	_, err = h.svc.Authorize(ctx, "boss", exchange.CapManagePolicy)
	require.NoError(t, err)
	_, err = h.svc.Authorize(ctx, "pleb", exchange.CapManagePolicy)
	require.ErrorIs(t, err, exchange.ErrForbidden)
	_, err = h.svc.Authorize(ctx, "ghost", exchange.CapViewAccounts)
	require.ErrorIs(t, err, exchange.ErrForbidden)

	_, err = h.svc.SetBanned(ctx, "boss", true)
	require.ErrorIs(t, err, exchange.ErrForbidden, "admins cannot be banned")
}

func TestPolicyMutators(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.SetMarketMessage(ctx, "  Welcome to Phi  ")
	require.NoError(t, err)
	require.Equal(t, "Welcome to Phi", st.MarketMessage)
	st, err = h.svc.SetTickerText(ctx, "GUN +5%")
	require.NoError(t, err)
	require.Equal(t, "GUN +5%", st.TickerText)
	st, err = h.svc.SetBannerImageURL(ctx, "https://img.example/banner.png")
	require.NoError(t, err)
	require.Equal(t, "Welcome to Phi", st.MarketMessage, "merges keep other fields")

	_, err = h.svc.SetCooldownSeconds(ctx, -1)
	require.ErrorIs(t, err, exchange.ErrInvalidInput)
	_, err = h.svc.SetMaxSharesPerUser(ctx, -5)
	require.ErrorIs(t, err, exchange.ErrInvalidInput)

	for _, m := range []float64{0, -1, 101} {
		_, err = h.svc.StartEvent(ctx, "Bad", "", m)
		require.ErrorIs(t, err, exchange.ErrInvalidInput, "multiplier %v", m)
	}
	st, err = h.svc.StartEvent(ctx, "Festival", "double prices", 2)
	require.NoError(t, err)
	require.True(t, st.Event.Active)
	st, err = h.svc.StopEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, exchange.MarketEvent{}, st.Event)
	require.Equal(t, 1.0, st.Event.Multiplier())
}

func TestFreezeLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ToggleFreeze(ctx, "nobody")
	require.ErrorIs(t, err, exchange.ErrAssetNotFound)

	frozen, err := h.svc.ToggleFreeze(ctx, "daniel-park")
	require.NoError(t, err)
	require.True(t, frozen)
	frozen, err = h.svc.ToggleFreeze(ctx, "daniel-park")
	require.NoError(t, err)
	require.False(t, frozen)

	_, err = h.svc.ToggleFreeze(ctx, "daniel-park")
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteCharacter(ctx, "daniel-park"))
	st, err := h.svc.Settings(ctx)
	require.NoError(t, err)
	require.Empty(t, st.FrozenCharacterIDs, "deleting a character unfreezes it")
}

func TestCatalogAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AddCharacter(ctx, exchange.CharacterInput{Name: "daniel  park", BasePrice: 5, Gender: exchange.GenderMale})
	require.ErrorIs(t, err, exchange.ErrCharacterExists)
	_, err = h.svc.AddCharacter(ctx, exchange.CharacterInput{Name: "Vasco", BasePrice: 0, Gender: exchange.GenderMale})
	require.ErrorIs(t, err, exchange.ErrInvalidPrice)

	c, err := h.svc.SetPrice(ctx, "daniel-park", exchange.PriceDelta, -40)
	require.NoError(t, err)
	require.Equal(t, int64(60), c.BasePrice)
	_, err = h.svc.SetPrice(ctx, "daniel-park", exchange.PriceDelta, -60)
	require.ErrorIs(t, err, exchange.ErrInvalidPrice)
	_, err = h.svc.SetPrice(ctx, "daniel-park", exchange.PriceSet, 0)
	require.ErrorIs(t, err, exchange.ErrInvalidPrice)
	c, err = h.svc.SetPrice(ctx, "daniel-park", exchange.PriceSet, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.BasePrice)

	crew := "Big Deal"
	c, err = h.svc.UpdateCharacterDetails(ctx, "daniel-park", exchange.CharacterDetails{Crew: &crew})
	require.NoError(t, err)
	require.Equal(t, "Big Deal", c.Crew)
	require.Equal(t, "Daniel Park", c.Name)

	require.NoError(t, h.svc.DeleteCharacter(ctx, "daniel-park"))
	require.ErrorIs(t, h.svc.DeleteCharacter(ctx, "daniel-park"), exchange.ErrAssetNotFound)
}

func TestSeedCatalogOnlyWhenEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roster := []exchange.CharacterInput{
		{Name: "Johan Seong", BasePrice: 900, Gender: exchange.GenderMale},
		{Name: "Mary Kim", BasePrice: 400, Gender: exchange.GenderFemale},
	}
	n, err := h.svc.SeedCatalog(ctx, roster)
	require.NoError(t, err)
	require.Zero(t, n, "catalog already has daniel-park")

	require.NoError(t, h.svc.DeleteCharacter(ctx, "daniel-park"))
	n, err = h.svc.SeedCatalog(ctx, roster)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	market, _, err := h.svc.Market(ctx)
	require.NoError(t, err)
	require.Len(t, market, 2)
	require.Equal(t, "johan-seong", market[0].ID)
}

func TestAccountAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "u1")
	require.Equal(t, exchange.StarterCash, a.Cash)

	again := h.account(t, "u1")
	require.Equal(t, a, again, "EnsureAccount is idempotent")

	_, err := h.svc.AdjustCash(ctx, "u1", -5001)
	require.ErrorIs(t, err, exchange.ErrInsufficientFunds)
	a, err = h.svc.AdjustCash(ctx, "u1", -5000)
	require.NoError(t, err)
	require.Zero(t, a.Cash)

	_, err = h.svc.AdjustCash(ctx, "ghost", 10)
	require.ErrorIs(t, err, exchange.ErrAccountNotFound)

	a, err = h.svc.SetBanned(ctx, "u1", true)
	require.NoError(t, err)
	require.True(t, a.Banned)
	p, ok, err := h.store.Profile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.Banned, "ban mirrors to the profile in the same transaction")

	_, err = h.svc.SetUsername(ctx, "u1", "x")
	require.ErrorIs(t, err, exchange.ErrInvalidInput)
	a, err = h.svc.SetUsername(ctx, "u1", "  gapryong ")
	require.NoError(t, err)
	require.Equal(t, "gapryong", a.Username)

	detail, err := h.svc.AccountDetail(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "gapryong", detail.Account.Username)

	accounts, err := h.svc.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
}

func TestPortfolio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "u1")
	_, err := h.svc.SetCooldownSeconds(ctx, 60)
	require.NoError(t, err)
	r, err := h.trade("u1", "daniel-park", "BUY", 3)
	require.NoError(t, err)

	pf, err := h.svc.Portfolio(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(4700), pf.Cash)
	require.Equal(t, int64(300), pf.HoldingsValue)
	require.Equal(t, int64(5000), pf.NetWorth)
	require.Len(t, pf.Positions, 1)
	require.Equal(t, "Daniel Park", pf.Positions[0].Name)
	require.Equal(t, r.ExecutedAt.Add(60*time.Second), pf.NextTradeAt)
}
