package exchange_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phimarket/internal/exchange"
	"phimarket/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *exchange.Service
	store exchange.Store
	clock *fakeClock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarnessWith(t testing.TB, store exchange.Store, opts exchange.Options) *harness {
	t.Helper()
	clock := newClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.PublishDebounce == 0 {
		opts.PublishDebounce = time.Hour
	}
	svc := exchange.NewService(store, quietLogger(), opts)
	t.Cleanup(svc.Close)
	return &harness{svc: svc, store: store, clock: clock}
}

// newHarness returns a service over an empty memory store with one open
// market and the character "daniel-park" priced at 100.
func newHarness(t testing.TB) *harness {
	t.Helper()
	h := newHarnessWith(t, memory.New(), exchange.Options{})
	h.addCharacter(t, "Daniel Park", 100, exchange.GenderMale)
	_, err := h.svc.SetTradingEnabled(context.Background(), true)
	require.NoError(t, err)
	return h
}

func (h *harness) addCharacter(t testing.TB, name string, price int64, gender exchange.Gender) exchange.Character {
	t.Helper()
	c, err := h.svc.AddCharacter(context.Background(), exchange.CharacterInput{
		Name:      name,
		BasePrice: price,
		Crew:      "Allied",
		Rarity:    "Legendary",
		Gender:    gender,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) account(t testing.TB, id string) exchange.Account {
	t.Helper()
	a, err := h.svc.EnsureAccount(context.Background(), exchange.Principal{AccountID: id, Email: id + "@phi.test"})
	require.NoError(t, err)
	return a
}

func (h *harness) accountWithCash(t testing.TB, id string, cash int64) exchange.Account {
	t.Helper()
	a := h.account(t, id)
	a, err := h.svc.AdjustCash(context.Background(), id, cash-a.Cash)
	require.NoError(t, err)
	return a
}

func (h *harness) trade(id, character, side string, qty int64) (exchange.TradeReceipt, error) {
	return h.svc.ExecuteTrade(context.Background(), exchange.OrderInput{
		AccountID:   id,
		CharacterID: character,
		Side:        side,
		Qty:         qty,
	})
}

func (h *harness) cash(t testing.TB, id string) int64 {
	t.Helper()
	a, err := h.svc.Account(context.Background(), id)
	require.NoError(t, err)
	return a.Cash
}

func (h *harness) shares(t testing.TB, id, character string) int64 {
	t.Helper()
	hs, err := h.store.Holdings(context.Background(), id)
	require.NoError(t, err)
	for _, x := range hs {
		if x.CharacterID == character {
			return x.Shares
		}
	}
	return 0
}

// flakyStore injects write conflicts into transactions and failures into
// selected PatchCharacters calls.
type flakyStore struct {
	exchange.Store
	conflicts   atomic.Int64
	txCalls     atomic.Int64
	patchCalls  atomic.Int64
	failPatchOn map[int64]bool
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx exchange.Tx) error) error {
	f.txCalls.Add(1)
	if f.conflicts.Load() != 0 {
		if f.conflicts.Add(-1) >= 0 {
			return exchange.ErrWriteConflict
		}
		f.conflicts.Store(0)
	}
	return f.Store.InTx(ctx, fn)
}

var errChunkDown = errors.New("chunk backend unavailable")

func (f *flakyStore) PatchCharacters(ctx context.Context, patches []exchange.CharacterPatch) (int, error) {
	n := f.patchCalls.Add(1)
	if f.failPatchOn[n] {
		return 0, errChunkDown
	}
	return f.Store.PatchCharacters(ctx, patches)
}
