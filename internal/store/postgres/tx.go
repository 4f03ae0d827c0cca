package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"phimarket/internal/exchange"
)

type pgTx struct {
	q querier
}

var _ exchange.Tx = (*pgTx)(nil)

func (t *pgTx) Settings(ctx context.Context) (exchange.Settings, error) {
	return loadSettings(ctx, t.q)
}

func (t *pgTx) PutSettings(ctx context.Context, st exchange.Settings) error {
	frozen := st.FrozenCharacterIDs
	if frozen == nil {
		frozen = []string{}
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO exchange.settings (id, `+settingsColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE
		SET trading_enabled = EXCLUDED.trading_enabled,
		    market_message = EXCLUDED.market_message,
		    ticker_text = EXCLUDED.ticker_text,
		    banner_image_url = EXCLUDED.banner_image_url,
		    cooldown_seconds = EXCLUDED.cooldown_seconds,
		    max_shares_per_user = EXCLUDED.max_shares_per_user,
		    frozen_character_ids = EXCLUDED.frozen_character_ids,
		    popularity_voting_enabled = EXCLUDED.popularity_voting_enabled,
		    strongest_voting_enabled = EXCLUDED.strongest_voting_enabled,
		    event_active = EXCLUDED.event_active,
		    event_name = EXCLUDED.event_name,
		    event_description = EXCLUDED.event_description,
		    event_multiplier = EXCLUDED.event_multiplier,
		    updated_at = EXCLUDED.updated_at
	`, st.TradingEnabled, st.MarketMessage, st.TickerText, st.BannerImageURL,
		st.CooldownSeconds, st.MaxSharesPerUser, frozen,
		st.PopularityVotingEnabled, st.StrongestVotingEnabled,
		st.Event.Active, st.Event.Name, st.Event.Description, st.Event.PriceMultiplier, st.UpdatedAt)
	return err
}

func (t *pgTx) Account(ctx context.Context, id string) (exchange.Account, bool, error) {
	return loadAccount(ctx, t.q, id, true)
}

func (t *pgTx) PutAccount(ctx context.Context, a exchange.Account) error {
	var lastTrade *time.Time
	if !a.LastTradeAt.IsZero() {
		lastTrade = &a.LastTradeAt
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO exchange.accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
		    username = EXCLUDED.username,
		    cash = EXCLUDED.cash,
		    role = EXCLUDED.role,
		    banned = EXCLUDED.banned,
		    last_trade_at = EXCLUDED.last_trade_at
	`, a.ID, a.Email, a.Username, a.Cash, string(a.Role), a.Banned, lastTrade, a.CreatedAt)
	return err
}

func (t *pgTx) Character(ctx context.Context, id string) (exchange.Character, bool, error) {
	return loadCharacter(ctx, t.q, id)
}

func (t *pgTx) PutCharacter(ctx context.Context, c exchange.Character) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO exchange.characters (`+characterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    base_price = EXCLUDED.base_price,
		    crew = EXCLUDED.crew,
		    rarity = EXCLUDED.rarity,
		    gender = EXCLUDED.gender,
		    is_waifu = EXCLUDED.is_waifu,
		    image_url = EXCLUDED.image_url,
		    popularity_votes = EXCLUDED.popularity_votes,
		    strength_votes = EXCLUDED.strength_votes,
		    prev_popularity_rank = EXCLUDED.prev_popularity_rank,
		    prev_strength_rank = EXCLUDED.prev_strength_rank,
		    updated_at = EXCLUDED.updated_at
	`, c.ID, c.Name, c.BasePrice, c.Crew, c.Rarity, string(c.Gender), c.IsWaifu, c.ImageURL,
		c.PopularityVotes, c.StrengthVotes, c.PrevPopularityRank, c.PrevStrengthRank, c.UpdatedAt)
	return err
}

func (t *pgTx) DeleteCharacter(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM exchange.characters WHERE id = $1`, id)
	return err
}

func (t *pgTx) Holding(ctx context.Context, accountID, characterID string) (int64, error) {
	var shares int64
	err := t.q.QueryRow(ctx, `
		SELECT shares
		FROM exchange.holdings
		WHERE account_id = $1 AND character_id = $2
		FOR UPDATE
	`, accountID, characterID).Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return shares, err
}

func (t *pgTx) PutHolding(ctx context.Context, h exchange.Holding) error {
	if h.Shares == 0 {
		_, err := t.q.Exec(ctx, `
			DELETE FROM exchange.holdings
			WHERE account_id = $1 AND character_id = $2
		`, h.AccountID, h.CharacterID)
		return err
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO exchange.holdings (account_id, character_id, shares)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, character_id) DO UPDATE
		SET shares = EXCLUDED.shares
	`, h.AccountID, h.CharacterID, h.Shares)
	return err
}

func (t *pgTx) AppendTrade(ctx context.Context, tr exchange.Trade) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO exchange.trades (id, account_id, username, character_id, character_name, crew, side, qty, price, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.AccountID, tr.Username, tr.CharacterID, tr.CharacterName, tr.Crew,
		string(tr.Side), tr.Qty, tr.Price, tr.Total, tr.CreatedAt)
	return err
}

func (t *pgTx) CreateVoteMarker(ctx context.Context, m exchange.VoteMarker) error {
	cmd, err := t.q.Exec(ctx, `
		INSERT INTO exchange.vote_markers (id, day, account_id, bucket, character_id, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, m.ID, m.Day, m.AccountID, m.Bucket, m.CharacterID, string(m.Category), m.CreatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return exchange.ErrAlreadyVoted
	}
	return nil
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, accountID, key, action string) error {
	key = strings.TrimSpace(key)
	cmd, err := t.q.Exec(ctx, `
		INSERT INTO exchange.idempotency_keys (account_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, key) DO NOTHING
	`, accountID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return exchange.ErrDuplicateRequest
	}
	return nil
}

func (t *pgTx) Profile(ctx context.Context, accountID string) (exchange.PublicProfile, bool, error) {
	return loadProfile(ctx, t.q, accountID, true)
}

func (t *pgTx) PutProfile(ctx context.Context, p exchange.PublicProfile) error {
	return upsertProfile(ctx, t.q, p)
}
