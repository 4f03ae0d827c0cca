package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ValueHoldings prices a position set at the event-adjusted price. Holdings
// of characters missing from the catalog are worth nothing.
func ValueHoldings(cash int64, holdings []Holding, characters map[string]Character, ev MarketEvent) (NetWorth, error) {
	out := NetWorth{Cash: cash}
	for _, h := range holdings {
		if h.Shares <= 0 {
			continue
		}
		c, ok := characters[h.CharacterID]
		if !ok {
			continue
		}
		price, err := EffectivePrice(c.BasePrice, ev)
		if err != nil {
			return NetWorth{}, err
		}
		v, err := notional(price, h.Shares)
		if err != nil {
			return NetWorth{}, err
		}
		if out.HoldingsValue, err = sum(out.HoldingsValue, v); err != nil {
			return NetWorth{}, err
		}
	}
	var err error
	if out.NetWorth, err = sum(out.Cash, out.HoldingsValue); err != nil {
		return NetWorth{}, err
	}
	return out, nil
}

// ComputeNetWorth reads the account's ledger and prices it. The read is not
// transactional with trades; callers that need a consistent view use the
// trade receipt.
func (s *Service) ComputeNetWorth(ctx context.Context, accountID string) (NetWorth, error) {
	acct, ok, err := s.store.Account(ctx, accountID)
	if err != nil {
		return NetWorth{}, err
	}
	if !ok {
		return NetWorth{}, ErrAccountNotFound
	}
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return NetWorth{}, err
	}
	holdings, err := s.store.Holdings(ctx, accountID)
	if err != nil {
		return NetWorth{}, err
	}
	characters := make(map[string]Character, len(holdings))
	for _, h := range holdings {
		c, ok, err := s.store.Character(ctx, h.CharacterID)
		if err != nil {
			return NetWorth{}, err
		}
		if ok {
			characters[c.ID] = c
		}
	}
	return ValueHoldings(acct.Cash, holdings, characters, settings.Event)
}

func (s *Service) publishProfile(ctx context.Context, accountID string, prices func(ctx context.Context, acct Account) (NetWorth, error)) error {
	acct, ok, err := s.store.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	nw, err := prices(ctx, acct)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.UpsertProfile(ctx, PublicProfile{
		AccountID: acct.ID,
		Username:  acct.Username,
		NetWorth:  nw.NetWorth,
		LiquidPhi: acct.Cash,
		Banned:    acct.Banned,
		UpdatedAt: s.now(),
	})
}

func (s *Service) PublishProfile(ctx context.Context, accountID string) error {
	err := s.publishProfile(ctx, accountID, func(ctx context.Context, acct Account) (NetWorth, error) {
		return s.ComputeNetWorth(ctx, acct.ID)
	})
	s.metrics.ProfilePublished(err)
	return err
}

// RevalueAll republishes every account's profile against current prices.
// Price edits and events move net worth without touching the ledger, so the
// worker runs this on a schedule.
func (s *Service) RevalueAll(ctx context.Context) (int, error) {
	ids, err := s.store.AccountIDs(ctx)
	if err != nil {
		return 0, err
	}
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return 0, err
	}
	catalog, err := s.store.Characters(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]Character, len(catalog))
	for _, c := range catalog {
		byID[c.ID] = c
	}
	prices := func(ctx context.Context, acct Account) (NetWorth, error) {
		holdings, err := s.store.Holdings(ctx, acct.ID)
		if err != nil {
			return NetWorth{}, err
		}
		return ValueHoldings(acct.Cash, holdings, byID, settings.Event)
	}

	var errs []error
	published := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := s.publishProfile(ctx, id, prices)
		s.metrics.ProfilePublished(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("revalue %s: %w", id, err))
			continue
		}
		published++
	}
	s.log.Info("revalued profiles", "job", "revalue", "published", published, "accounts", len(ids))
	return published, errors.Join(errs...)
}

func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	profiles, err := s.store.Profiles(ctx, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]LeaderboardRow, 0, len(profiles))
	for i, p := range profiles {
		rows = append(rows, LeaderboardRow{
			Rank:      int64(i + 1),
			AccountID: p.AccountID,
			Username:  p.Username,
			NetWorth:  p.NetWorth,
			LiquidPhi: p.LiquidPhi,
		})
	}
	return rows, nil
}

// Publisher debounces profile publishes per account. A newer schedule for the
// same account replaces the pending one and cancels any publish in flight,
// so the last ledger state wins.
type Publisher struct {
	svc      *Service
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPublish
	gen     uint64
	closed  bool
	wg      sync.WaitGroup
}

type pendingPublish struct {
	gen    uint64
	timer  *time.Timer
	cancel context.CancelFunc
}

func newPublisher(svc *Service, debounce time.Duration) *Publisher {
	return &Publisher{
		svc:      svc,
		debounce: debounce,
		pending:  make(map[string]*pendingPublish),
	}
}

func (p *Publisher) Schedule(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if prev, ok := p.pending[accountID]; ok {
		prev.timer.Stop()
		if prev.cancel != nil {
			prev.cancel()
		}
	}
	p.gen++
	gen := p.gen
	entry := &pendingPublish{gen: gen}
	entry.timer = time.AfterFunc(p.debounce, func() { p.fire(accountID, gen) })
	p.pending[accountID] = entry
}

// Pending reports how many accounts wait for a publish.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) fire(accountID string, gen uint64) {
	p.mu.Lock()
	entry, ok := p.pending[accountID]
	if !ok || entry.gen != gen || p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	entry.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()
	defer cancel()
	p.run(ctx, accountID)

	p.mu.Lock()
	if cur, ok := p.pending[accountID]; ok && cur.gen == gen {
		delete(p.pending, accountID)
	}
	p.mu.Unlock()
}

func (p *Publisher) run(ctx context.Context, accountID string) {
	err := p.svc.PublishProfile(ctx, accountID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		p.svc.log.Debug("profile publish superseded", "account_id", accountID)
	default:
		p.svc.log.Warn("profile publish failed", "account_id", accountID, "err", err)
	}
}

// Flush publishes every pending account now instead of waiting for its timer.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.pending))
	for id, entry := range p.pending {
		if entry.timer.Stop() {
			ids = append(ids, id)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.run(ctx, id)
	}
}

// Close drops pending publishes, cancels in-flight ones and waits for them.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	for id, entry := range p.pending {
		entry.timer.Stop()
		if entry.cancel != nil {
			entry.cancel()
		}
		delete(p.pending, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
