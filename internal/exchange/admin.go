package exchange

import (
	"context"
	"fmt"
	"math"
	"strings"
)

type Capability string

const (
	CapManagePolicy  Capability = "manage_policy"
	CapManageCatalog Capability = "manage_catalog"
	CapManageAccount Capability = "manage_accounts"
	CapViewAccounts  Capability = "view_accounts"
)

func (r Role) Can(c Capability) bool {
	switch c {
	case CapManagePolicy, CapManageCatalog, CapManageAccount:
		return r == RoleAdmin
	case CapViewAccounts:
		return r == RoleAdmin || r == RoleWorker
	}
	return false
}

func ParseRole(v string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleNone, "user":
		return RoleNone, nil
	case RoleWorker:
		return RoleWorker, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, v)
}

// Authorize checks that the account holds cap. Banned accounts hold nothing.
func (s *Service) Authorize(ctx context.Context, accountID string, cap Capability) (Account, error) {
	acct, ok, err := s.store.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if !ok || acct.Banned || !acct.Role.Can(cap) {
		return Account{}, ErrForbidden
	}
	return acct, nil
}

func (s *Service) updateSettings(ctx context.Context, op string, fn func(tx Tx, st *Settings) error) (Settings, error) {
	var out Settings
	err := s.runTx(ctx, op, func(ctx context.Context, tx Tx) error {
		st, err := tx.Settings(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx, &st); err != nil {
			return err
		}
		st.UpdatedAt = s.now()
		if err := tx.PutSettings(ctx, st); err != nil {
			return err
		}
		out = st.Clone()
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	s.log.Info("settings updated", "op", op)
	s.changes.Publish(ChangeSettings, "settings", "")
	return out, nil
}

func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.store.Settings(ctx)
}

func (s *Service) SetTradingEnabled(ctx context.Context, enabled bool) (Settings, error) {
	return s.updateSettings(ctx, "set_trading", func(_ Tx, st *Settings) error {
		st.TradingEnabled = enabled
		return nil
	})
}

func (s *Service) SetMarketMessage(ctx context.Context, msg string) (Settings, error) {
	return s.updateSettings(ctx, "set_market_message", func(_ Tx, st *Settings) error {
		st.MarketMessage = strings.TrimSpace(msg)
		return nil
	})
}

func (s *Service) SetTickerText(ctx context.Context, text string) (Settings, error) {
	return s.updateSettings(ctx, "set_ticker", func(_ Tx, st *Settings) error {
		st.TickerText = strings.TrimSpace(text)
		return nil
	})
}

func (s *Service) SetBannerImageURL(ctx context.Context, url string) (Settings, error) {
	return s.updateSettings(ctx, "set_banner", func(_ Tx, st *Settings) error {
		st.BannerImageURL = strings.TrimSpace(url)
		return nil
	})
}

func (s *Service) SetCooldownSeconds(ctx context.Context, seconds int64) (Settings, error) {
	if seconds < 0 || seconds > MaxCooldownSeconds {
		return Settings{}, fmt.Errorf("%w: cooldown must be in [0, %d] seconds", ErrInvalidInput, MaxCooldownSeconds)
	}
	return s.updateSettings(ctx, "set_cooldown", func(_ Tx, st *Settings) error {
		st.CooldownSeconds = seconds
		return nil
	})
}

func (s *Service) SetMaxSharesPerUser(ctx context.Context, limit int64) (Settings, error) {
	if limit < 0 {
		return Settings{}, fmt.Errorf("%w: share limit must be >= 0", ErrInvalidInput)
	}
	return s.updateSettings(ctx, "set_share_limit", func(_ Tx, st *Settings) error {
		st.MaxSharesPerUser = limit
		return nil
	})
}

func (s *Service) SetVotingEnabled(ctx context.Context, category string, enabled bool) (Settings, error) {
	cat, err := NormalizeCategory(category)
	if err != nil {
		return Settings{}, err
	}
	return s.updateSettings(ctx, "set_voting", func(_ Tx, st *Settings) error {
		if cat == CategoryPopularity {
			st.PopularityVotingEnabled = enabled
		} else {
			st.StrongestVotingEnabled = enabled
		}
		return nil
	})
}

// ToggleFreeze flips the frozen flag of a catalog character and reports the
// new state.
func (s *Service) ToggleFreeze(ctx context.Context, characterID string) (bool, error) {
	var frozen bool
	_, err := s.updateSettings(ctx, "toggle_freeze", func(tx Tx, st *Settings) error {
		if _, ok, err := tx.Character(ctx, characterID); err != nil {
			return err
		} else if !ok {
			return ErrAssetNotFound
		}
		frozen = !st.IsFrozen(characterID)
		st.setFrozen(characterID, frozen)
		return nil
	})
	if err != nil {
		return false, err
	}
	s.log.Info("freeze toggled", "character_id", characterID, "frozen", frozen)
	return frozen, nil
}

func (s *Service) StartEvent(ctx context.Context, name, description string, multiplier float64) (Settings, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Settings{}, fmt.Errorf("%w: event name is required", ErrInvalidInput)
	}
	if math.IsNaN(multiplier) || multiplier <= 0 || multiplier > MaxEventMultiplier {
		return Settings{}, fmt.Errorf("%w: multiplier must be in (0, %g]", ErrInvalidInput, MaxEventMultiplier)
	}
	return s.updateSettings(ctx, "start_event", func(_ Tx, st *Settings) error {
		st.Event = MarketEvent{
			Active:          true,
			Name:            name,
			Description:     strings.TrimSpace(description),
			PriceMultiplier: multiplier,
		}
		return nil
	})
}

func (s *Service) StopEvent(ctx context.Context) (Settings, error) {
	return s.updateSettings(ctx, "stop_event", func(_ Tx, st *Settings) error {
		st.Event = MarketEvent{}
		return nil
	})
}

// CharacterDetails edits descriptive fields. Nil fields are left alone.
type CharacterDetails struct {
	Name     *string `json:"name"`
	Crew     *string `json:"crew"`
	Rarity   *string `json:"rarity"`
	Gender   *Gender `json:"gender"`
	IsWaifu  *bool   `json:"is_waifu"`
	ImageURL *string `json:"image_url"`
}

func (s *Service) AddCharacter(ctx context.Context, in CharacterInput) (Character, error) {
	if err := validateCharacterInput(in); err != nil {
		return Character{}, err
	}
	c := Character{
		ID:        Slugify(in.Name),
		Name:      strings.TrimSpace(in.Name),
		BasePrice: in.BasePrice,
		Crew:      strings.TrimSpace(in.Crew),
		Rarity:    strings.TrimSpace(in.Rarity),
		Gender:    in.Gender,
		IsWaifu:   in.IsWaifu,
		ImageURL:  strings.TrimSpace(in.ImageURL),
	}
	err := s.runTx(ctx, "add_character", func(ctx context.Context, tx Tx) error {
		if _, ok, err := tx.Character(ctx, c.ID); err != nil {
			return err
		} else if ok {
			return ErrCharacterExists
		}
		c.UpdatedAt = s.now()
		return tx.PutCharacter(ctx, c)
	})
	if err != nil {
		return Character{}, err
	}
	s.log.Info("character added", "character_id", c.ID)
	s.changes.Publish(ChangeCharacter, c.ID, "")
	return c, nil
}

func (s *Service) UpdateCharacterDetails(ctx context.Context, id string, d CharacterDetails) (Character, error) {
	if d.Gender != nil && *d.Gender != GenderMale && *d.Gender != GenderFemale {
		return Character{}, fmt.Errorf("%w: gender must be male or female", ErrInvalidInput)
	}
	if d.Name != nil && strings.TrimSpace(*d.Name) == "" {
		return Character{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return s.mutateCharacter(ctx, "update_character", id, func(c *Character) error {
		if d.Name != nil {
			c.Name = strings.TrimSpace(*d.Name)
		}
		if d.Crew != nil {
			c.Crew = strings.TrimSpace(*d.Crew)
		}
		if d.Rarity != nil {
			c.Rarity = strings.TrimSpace(*d.Rarity)
		}
		if d.Gender != nil {
			c.Gender = *d.Gender
		}
		if d.IsWaifu != nil {
			c.IsWaifu = *d.IsWaifu
		}
		if d.ImageURL != nil {
			c.ImageURL = strings.TrimSpace(*d.ImageURL)
		}
		return nil
	})
}

// SetPrice replaces or shifts a base price. The result must stay >= 1.
func (s *Service) SetPrice(ctx context.Context, id string, mode PriceMode, value int64) (Character, error) {
	return s.mutateCharacter(ctx, "set_price", id, func(c *Character) error {
		next := value
		switch mode {
		case PriceSet:
		case PriceDelta:
			if (value > 0 && c.BasePrice > math.MaxInt64-value) || (value < 0 && c.BasePrice < math.MinInt64-value) {
				return ErrInvalidPrice
			}
			next = c.BasePrice + value
		default:
			return fmt.Errorf("%w: price mode must be set or delta", ErrInvalidInput)
		}
		if next < 1 {
			return ErrInvalidPrice
		}
		c.BasePrice = next
		return nil
	})
}

func (s *Service) mutateCharacter(ctx context.Context, op, id string, fn func(c *Character) error) (Character, error) {
	var out Character
	err := s.runTx(ctx, op, func(ctx context.Context, tx Tx) error {
		c, ok, err := tx.Character(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAssetNotFound
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		if err := tx.PutCharacter(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Character{}, err
	}
	s.log.Info("character updated", "op", op, "character_id", id)
	s.changes.Publish(ChangeCharacter, id, "")
	return out, nil
}

// DeleteCharacter removes a character and unfreezes it in the same
// transaction. Holdings stay in the ledger and are valued at zero.
func (s *Service) DeleteCharacter(ctx context.Context, id string) error {
	err := s.runTx(ctx, "delete_character", func(ctx context.Context, tx Tx) error {
		if _, ok, err := tx.Character(ctx, id); err != nil {
			return err
		} else if !ok {
			return ErrAssetNotFound
		}
		st, err := tx.Settings(ctx)
		if err != nil {
			return err
		}
		if st.IsFrozen(id) {
			st.setFrozen(id, false)
			st.UpdatedAt = s.now()
			if err := tx.PutSettings(ctx, st); err != nil {
				return err
			}
		}
		return tx.DeleteCharacter(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.Info("character deleted", "character_id", id)
	s.changes.Publish(ChangeCharacter, id, "")
	s.changes.Publish(ChangeSettings, "settings", "")
	return nil
}

// SeedCatalog loads a roster into an empty catalog and reports how many
// characters it created. A non-empty catalog is left untouched.
func (s *Service) SeedCatalog(ctx context.Context, roster []CharacterInput) (int, error) {
	existing, err := s.store.Characters(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for _, in := range roster {
		if err := validateCharacterInput(in); err != nil {
			return 0, fmt.Errorf("seed %q: %w", in.Name, err)
		}
	}
	created := 0
	err = s.runTx(ctx, "seed_catalog", func(ctx context.Context, tx Tx) error {
		created = 0
		now := s.now()
		for _, in := range roster {
			id := Slugify(in.Name)
			if _, ok, err := tx.Character(ctx, id); err != nil {
				return err
			} else if ok {
				continue
			}
			if err := tx.PutCharacter(ctx, Character{
				ID:        id,
				Name:      strings.TrimSpace(in.Name),
				BasePrice: in.BasePrice,
				Crew:      in.Crew,
				Rarity:    in.Rarity,
				Gender:    in.Gender,
				IsWaifu:   in.IsWaifu,
				ImageURL:  in.ImageURL,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("catalog seeded", "characters", created)
	return created, nil
}

// AdjustCash credits or debits an account. Balances never go negative.
func (s *Service) AdjustCash(ctx context.Context, accountID string, delta int64) (Account, error) {
	acct, err := s.mutateAccount(ctx, "adjust_cash", accountID, func(_ context.Context, _ Tx, a *Account) error {
		if (delta > 0 && a.Cash > math.MaxInt64-delta) || a.Cash+delta < 0 {
			return ErrInsufficientFunds
		}
		a.Cash += delta
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.log.Info("cash adjusted", "account_id", accountID, "delta", delta, "cash", acct.Cash)
	return acct, nil
}

// SetBanned toggles a ban and mirrors it to the public profile. Admin
// accounts cannot be banned.
func (s *Service) SetBanned(ctx context.Context, accountID string, banned bool) (Account, error) {
	return s.mutateAccount(ctx, "set_banned", accountID, func(ctx context.Context, tx Tx, a *Account) error {
		if banned && a.Role == RoleAdmin {
			return fmt.Errorf("%w: admins cannot be banned", ErrForbidden)
		}
		a.Banned = banned
		p, ok, err := tx.Profile(ctx, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			p = PublicProfile{AccountID: a.ID, Username: a.Username, NetWorth: a.Cash, LiquidPhi: a.Cash}
		}
		p.Banned = banned
		p.UpdatedAt = s.now()
		return tx.PutProfile(ctx, p)
	})
}

func (s *Service) SetRole(ctx context.Context, accountID string, role Role) (Account, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Account{}, err
	}
	return s.mutateAccount(ctx, "set_role", accountID, func(_ context.Context, _ Tx, a *Account) error {
		if role == RoleAdmin && a.Banned {
			return fmt.Errorf("%w: banned accounts cannot be promoted", ErrForbidden)
		}
		a.Role = role
		return nil
	})
}

func (s *Service) mutateAccount(ctx context.Context, op, accountID string, fn func(ctx context.Context, tx Tx, a *Account) error) (Account, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	var out Account
	err := s.runTx(ctx, op, func(ctx context.Context, tx Tx) error {
		a, ok, err := tx.Account(ctx, accountID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		if err := fn(ctx, tx, &a); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.changes.Publish(ChangeAccount, accountID, accountID)
	s.pub.Schedule(accountID)
	return out, nil
}

type AccountDetail struct {
	Account  Account   `json:"account"`
	Holdings []Holding `json:"holdings"`
	NetWorth NetWorth  `json:"net_worth"`
}

func (s *Service) AccountDetail(ctx context.Context, accountID string) (AccountDetail, error) {
	acct, ok, err := s.store.Account(ctx, accountID)
	if err != nil {
		return AccountDetail{}, err
	}
	if !ok {
		return AccountDetail{}, ErrAccountNotFound
	}
	holdings, err := s.store.Holdings(ctx, accountID)
	if err != nil {
		return AccountDetail{}, err
	}
	nw, err := s.ComputeNetWorth(ctx, accountID)
	if err != nil {
		return AccountDetail{}, err
	}
	return AccountDetail{Account: acct, Holdings: holdings, NetWorth: nw}, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	ids, err := s.store.AccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		a, ok, err := s.store.Account(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}
