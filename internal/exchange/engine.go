package exchange

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecuteTrade fills a market order at the current effective price. Every
// guard and the ledger mutation run inside one store transaction.
func (s *Service) ExecuteTrade(ctx context.Context, in OrderInput) (TradeReceipt, error) {
	var out TradeReceipt
	in.CharacterID = strings.TrimSpace(in.CharacterID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.Qty <= 0 {
		s.metrics.TradeRejected(ErrInvalidQuantity.Code)
		return out, ErrInvalidQuantity
	}
	side, err := NormalizeSide(in.Side)
	if err != nil {
		s.metrics.TradeRejected(CodeOf(err))
		return out, err
	}

	unlock := s.locks.Lock(in.AccountID)
	defer unlock()

	var character Character
	var username string
	err = s.runTx(ctx, "trade", func(ctx context.Context, tx Tx) error {
		out = TradeReceipt{}
		c, ok, err := tx.Character(ctx, in.CharacterID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAssetNotFound
		}
		character = c

		settings, err := tx.Settings(ctx)
		if err != nil {
			return err
		}
		if !settings.TradingEnabled {
			return ErrMarketClosed
		}
		if settings.IsFrozen(c.ID) {
			return ErrAssetFrozen
		}

		acct, ok, err := tx.Account(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		if acct.Banned {
			return ErrAccountBanned
		}
		username = acct.Username

		now := s.now()
		if cooldownActive(acct.LastTradeAt, now, settings.CooldownSeconds) {
			return ErrCooldownActive
		}

		price, err := EffectivePrice(c.BasePrice, settings.Event)
		if err != nil {
			return err
		}
		total, err := notional(price, in.Qty)
		if err != nil {
			return err
		}

		shares, err := tx.Holding(ctx, acct.ID, c.ID)
		if err != nil {
			return err
		}
		switch side {
		case SideBuy:
			if acct.Cash < total {
				return ErrInsufficientFunds
			}
			if settings.MaxSharesPerUser > 0 && shares+in.Qty > settings.MaxSharesPerUser {
				return ErrPositionLimitExceeded
			}
			acct.Cash -= total
			shares += in.Qty
		case SideSell:
			if shares < in.Qty {
				return ErrInsufficientHoldings
			}
			acct.Cash += total
			shares -= in.Qty
		}

		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotency(ctx, acct.ID, in.IdempotencyKey, "trade"); err != nil {
				return err
			}
		}

		acct.LastTradeAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.PutHolding(ctx, Holding{AccountID: acct.ID, CharacterID: c.ID, Shares: shares}); err != nil {
			return err
		}
		trade := Trade{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			Username:      acct.Username,
			CharacterID:   c.ID,
			CharacterName: c.Name,
			Crew:          c.Crew,
			Side:          side,
			Qty:           in.Qty,
			Price:         price,
			Total:         total,
			CreatedAt:     now,
		}
		if err := tx.AppendTrade(ctx, trade); err != nil {
			return err
		}

		out = TradeReceipt{
			TradeID:     trade.ID,
			CharacterID: c.ID,
			Side:        side,
			Qty:         in.Qty,
			Price:       price,
			Total:       total,
			Cash:        acct.Cash,
			Shares:      shares,
			ExecutedAt:  now,
		}
		return nil
	})
	if err != nil {
		s.metrics.TradeRejected(CodeOf(err))
		if !errors.As(err, new(*Error)) {
			s.log.Error("trade failed", "account_id", in.AccountID, "character_id", in.CharacterID, "err", err)
		}
		return TradeReceipt{}, err
	}

	s.metrics.TradeExecuted(side, out.Qty, out.Total)
	s.log.Info("trade executed",
		"account_id", in.AccountID,
		"username", username,
		"character_id", character.ID,
		"side", side,
		"qty", out.Qty,
		"price", out.Price,
	)
	s.changes.Publish(ChangeAccount, in.AccountID, in.AccountID)
	s.changes.Publish(ChangeHolding, character.ID, in.AccountID)
	s.changes.Publish(ChangeTrade, out.TradeID, in.AccountID)
	s.pub.Schedule(in.AccountID)
	return out, nil
}

// cooldownActive compares in milliseconds so stored values of any size
// keep the guard on.
func cooldownActive(last, now time.Time, cooldownSeconds int64) bool {
	if last.IsZero() || cooldownSeconds <= 0 {
		return false
	}
	return now.Sub(last).Milliseconds() < cooldownMillis(cooldownSeconds)
}

// cooldownMillis saturates at math.MaxInt64.
func cooldownMillis(seconds int64) int64 {
	if seconds > math.MaxInt64/1000 {
		return math.MaxInt64
	}
	return seconds * 1000
}

// NextTradeAt is when the account's cooldown expires. Zero means now.
func NextTradeAt(last time.Time, cooldownSeconds int64) time.Time {
	if last.IsZero() || cooldownSeconds <= 0 {
		return time.Time{}
	}
	const day = int64(24 * 60 * 60)
	days, rest := cooldownSeconds/day, cooldownSeconds%day
	return last.AddDate(0, 0, int(days)).Add(time.Duration(rest) * time.Second)
}
