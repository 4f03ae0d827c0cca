package exchange

import (
	"context"
	"strings"
)

// EnsureAccount creates the ledger account for a principal on first sight
// with the starter balance. Existing accounts are returned unchanged.
func (s *Service) EnsureAccount(ctx context.Context, p Principal) (Account, error) {
	if strings.TrimSpace(p.AccountID) == "" {
		return Account{}, ErrAccountNotFound
	}
	if acct, ok, err := s.store.Account(ctx, p.AccountID); err != nil {
		return Account{}, err
	} else if ok {
		return acct, nil
	}

	var out Account
	created := false
	err := s.runTx(ctx, "ensure_account", func(ctx context.Context, tx Tx) error {
		acct, ok, err := tx.Account(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if ok {
			out, created = acct, false
			return nil
		}
		now := s.now()
		acct = Account{
			ID:        p.AccountID,
			Email:     strings.TrimSpace(p.Email),
			Username:  usernameFromEmail(p.Email),
			Cash:      s.opts.StarterCash,
			CreatedAt: now,
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, PublicProfile{
			AccountID: acct.ID,
			Username:  acct.Username,
			NetWorth:  acct.Cash,
			LiquidPhi: acct.Cash,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		out, created = acct, true
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if created {
		s.log.Info("account created", "account_id", out.ID)
		s.changes.Publish(ChangeAccount, out.ID, out.ID)
	}
	return out, nil
}

func (s *Service) Account(ctx context.Context, accountID string) (Account, error) {
	acct, ok, err := s.store.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (s *Service) SetUsername(ctx context.Context, accountID, username string) (Account, error) {
	clean, err := ValidateUsername(username)
	if err != nil {
		return Account{}, err
	}
	return s.mutateAccount(ctx, "set_username", accountID, func(_ context.Context, _ Tx, a *Account) error {
		a.Username = clean
		return nil
	})
}

func (s *Service) Portfolio(ctx context.Context, accountID string) (Portfolio, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return Portfolio{}, err
	}
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return Portfolio{}, err
	}
	holdings, err := s.store.Holdings(ctx, accountID)
	if err != nil {
		return Portfolio{}, err
	}
	out := Portfolio{
		AccountID:   acct.ID,
		Username:    acct.Username,
		Role:        acct.Role,
		Cash:        acct.Cash,
		Positions:   make([]PositionView, 0, len(holdings)),
		NextTradeAt: NextTradeAt(acct.LastTradeAt, settings.CooldownSeconds),
	}
	characters := make(map[string]Character, len(holdings))
	for _, h := range holdings {
		c, ok, err := s.store.Character(ctx, h.CharacterID)
		if err != nil {
			return Portfolio{}, err
		}
		view := PositionView{CharacterID: h.CharacterID, Name: h.CharacterID, Shares: h.Shares}
		if ok {
			characters[c.ID] = c
			price, err := EffectivePrice(c.BasePrice, settings.Event)
			if err != nil {
				return Portfolio{}, err
			}
			view.Name = c.Name
			view.EffectivePrice = price
			view.Value, err = notional(price, h.Shares)
			if err != nil {
				return Portfolio{}, err
			}
			view.Frozen = settings.IsFrozen(c.ID)
		}
		out.Positions = append(out.Positions, view)
	}
	nw, err := ValueHoldings(acct.Cash, holdings, characters, settings.Event)
	if err != nil {
		return Portfolio{}, err
	}
	out.HoldingsValue = nw.HoldingsValue
	out.NetWorth = nw.NetWorth
	return out, nil
}

// Market lists the catalog with event-adjusted prices.
func (s *Service) Market(ctx context.Context) ([]MarketView, Settings, error) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return nil, Settings{}, err
	}
	catalog, err := s.store.Characters(ctx)
	if err != nil {
		return nil, Settings{}, err
	}
	out := make([]MarketView, 0, len(catalog))
	for _, c := range catalog {
		price, err := EffectivePrice(c.BasePrice, settings.Event)
		if err != nil {
			return nil, Settings{}, err
		}
		out = append(out, MarketView{Character: c, EffectivePrice: price, Frozen: settings.IsFrozen(c.ID)})
	}
	return out, settings, nil
}

func (s *Service) MarketCharacter(ctx context.Context, id string) (MarketView, error) {
	c, ok, err := s.store.Character(ctx, id)
	if err != nil {
		return MarketView{}, err
	}
	if !ok {
		return MarketView{}, ErrAssetNotFound
	}
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return MarketView{}, err
	}
	price, err := EffectivePrice(c.BasePrice, settings.Event)
	if err != nil {
		return MarketView{}, err
	}
	return MarketView{Character: c, EffectivePrice: price, Frozen: settings.IsFrozen(c.ID)}, nil
}

func (s *Service) Trades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	return s.store.Trades(ctx, f)
}
