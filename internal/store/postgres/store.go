// Package postgres stores the exchange ledger in Postgres. Transactions run
// at SERIALIZABLE isolation and lock only the account and holding rows they
// read. Settings and characters are shared by every trade, so they are read
// without a row lock and trades on disjoint accounts never queue behind each
// other; a concurrent write to them still fails one side with a
// serialization error. Serialization failures and deadlocks are reported as
// exchange.ErrWriteConflict for the engine to retry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"phimarket/internal/exchange"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

var _ exchange.Store = (*Store)(nil)

func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx exchange.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// classify maps serialization failures and deadlocks to ErrWriteConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %w", exchange.ErrWriteConflict, err)
	}
	return err
}

const settingsColumns = `trading_enabled, market_message, ticker_text, banner_image_url,
	cooldown_seconds, max_shares_per_user, frozen_character_ids,
	popularity_voting_enabled, strongest_voting_enabled,
	event_active, event_name, event_description, event_multiplier, updated_at`

func loadSettings(ctx context.Context, q querier) (exchange.Settings, error) {
	var st exchange.Settings
	err := q.QueryRow(ctx, `SELECT `+settingsColumns+` FROM exchange.settings WHERE id = 1`).Scan(
		&st.TradingEnabled, &st.MarketMessage, &st.TickerText, &st.BannerImageURL,
		&st.CooldownSeconds, &st.MaxSharesPerUser, &st.FrozenCharacterIDs,
		&st.PopularityVotingEnabled, &st.StrongestVotingEnabled,
		&st.Event.Active, &st.Event.Name, &st.Event.Description, &st.Event.PriceMultiplier, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.Settings{}, nil
	}
	return st, err
}

const accountColumns = `id, email, username, cash, role, banned, last_trade_at, created_at`

func scanAccount(row pgx.Row) (exchange.Account, bool, error) {
	var a exchange.Account
	var role string
	var lastTrade *time.Time
	err := row.Scan(&a.ID, &a.Email, &a.Username, &a.Cash, &role, &a.Banned, &lastTrade, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.Account{}, false, nil
	}
	if err != nil {
		return exchange.Account{}, false, err
	}
	a.Role = exchange.Role(role)
	if lastTrade != nil {
		a.LastTradeAt = lastTrade.UTC()
	}
	return a, true, nil
}

func loadAccount(ctx context.Context, q querier, id string, lock bool) (exchange.Account, bool, error) {
	sql := `SELECT ` + accountColumns + ` FROM exchange.accounts WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	return scanAccount(q.QueryRow(ctx, sql, id))
}

const characterColumns = `id, name, base_price, crew, rarity, gender, is_waifu, image_url,
	popularity_votes, strength_votes, prev_popularity_rank, prev_strength_rank, updated_at`

func scanCharacter(row pgx.Row) (exchange.Character, error) {
	var c exchange.Character
	var gender string
	err := row.Scan(&c.ID, &c.Name, &c.BasePrice, &c.Crew, &c.Rarity, &gender, &c.IsWaifu, &c.ImageURL,
		&c.PopularityVotes, &c.StrengthVotes, &c.PrevPopularityRank, &c.PrevStrengthRank, &c.UpdatedAt)
	c.Gender = exchange.Gender(gender)
	return c, err
}

func loadCharacter(ctx context.Context, q querier, id string) (exchange.Character, bool, error) {
	c, err := scanCharacter(q.QueryRow(ctx, `SELECT `+characterColumns+` FROM exchange.characters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.Character{}, false, nil
	}
	if err != nil {
		return exchange.Character{}, false, err
	}
	return c, true, nil
}

func loadProfile(ctx context.Context, q querier, accountID string, lock bool) (exchange.PublicProfile, bool, error) {
	sql := `SELECT account_id, username, net_worth, liquid_phi, banned, updated_at
		FROM exchange.public_profiles WHERE account_id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var p exchange.PublicProfile
	err := q.QueryRow(ctx, sql, accountID).Scan(&p.AccountID, &p.Username, &p.NetWorth, &p.LiquidPhi, &p.Banned, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.PublicProfile{}, false, nil
	}
	if err != nil {
		return exchange.PublicProfile{}, false, err
	}
	return p, true, nil
}

func upsertProfile(ctx context.Context, q querier, p exchange.PublicProfile) error {
	_, err := q.Exec(ctx, `
		INSERT INTO exchange.public_profiles (account_id, username, net_worth, liquid_phi, banned, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE
		SET username = EXCLUDED.username,
		    net_worth = EXCLUDED.net_worth,
		    liquid_phi = EXCLUDED.liquid_phi,
		    banned = EXCLUDED.banned,
		    updated_at = EXCLUDED.updated_at
	`, p.AccountID, p.Username, p.NetWorth, p.LiquidPhi, p.Banned, p.UpdatedAt)
	return err
}

func (s *Store) Settings(ctx context.Context) (exchange.Settings, error) {
	return loadSettings(ctx, s.db)
}

func (s *Store) Character(ctx context.Context, id string) (exchange.Character, bool, error) {
	return loadCharacter(ctx, s.db, id)
}

func (s *Store) Characters(ctx context.Context) ([]exchange.Character, error) {
	rows, err := s.db.Query(ctx, `SELECT `+characterColumns+` FROM exchange.characters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]exchange.Character, 0)
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Account(ctx context.Context, id string) (exchange.Account, bool, error) {
	return loadAccount(ctx, s.db, id, false)
}

func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM exchange.accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Holdings(ctx context.Context, accountID string) ([]exchange.Holding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, character_id, shares
		FROM exchange.holdings
		WHERE account_id = $1 AND shares > 0
		ORDER BY character_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]exchange.Holding, 0)
	for rows.Next() {
		var h exchange.Holding
		if err := rows.Scan(&h.AccountID, &h.CharacterID, &h.Shares); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Profile(ctx context.Context, accountID string) (exchange.PublicProfile, bool, error) {
	return loadProfile(ctx, s.db, accountID, false)
}

func (s *Store) Profiles(ctx context.Context, limit int) ([]exchange.PublicProfile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, username, net_worth, liquid_phi, banned, updated_at
		FROM exchange.public_profiles
		WHERE NOT banned
		ORDER BY net_worth DESC, account_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]exchange.PublicProfile, 0, limit)
	for rows.Next() {
		var p exchange.PublicProfile
		if err := rows.Scan(&p.AccountID, &p.Username, &p.NetWorth, &p.LiquidPhi, &p.Banned, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Trades(ctx context.Context, f exchange.TradeFilter) ([]exchange.Trade, error) {
	var where []string
	var args []any
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.CharacterID != "" {
		args = append(args, f.CharacterID)
		where = append(where, fmt.Sprintf("character_id = $%d", len(args)))
	}
	sql := `SELECT id::text, account_id, username, character_id, character_name, crew, side, qty, price, total, created_at
		FROM exchange.trades`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]exchange.Trade, 0)
	for rows.Next() {
		var t exchange.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Username, &t.CharacterID, &t.CharacterName, &t.Crew,
			&side, &t.Qty, &t.Price, &t.Total, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = exchange.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PatchCharacters sends one chunk as a pgx batch inside a single
// transaction. NULL arguments keep the current column value.
func (s *Store) PatchCharacters(ctx context.Context, patches []exchange.CharacterPatch) (int, error) {
	if len(patches) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range patches {
		batch.Queue(`
			UPDATE exchange.characters
			SET popularity_votes = COALESCE($2, popularity_votes),
			    strength_votes = COALESCE($3, strength_votes),
			    prev_popularity_rank = COALESCE($4, prev_popularity_rank),
			    prev_strength_rank = COALESCE($5, prev_strength_rank),
			    updated_at = now()
			WHERE id = $1
		`, p.ID, p.PopularityVotes, p.StrengthVotes, p.PrevPopularityRank, p.PrevStrengthRank)
	}

	results := tx.SendBatch(ctx, batch)
	updated := 0
	for range patches {
		ct, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, err
		}
		updated += int(ct.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.log.Debug("patched characters", "count", updated, "batch", len(patches))
	return updated, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p exchange.PublicProfile) error {
	return upsertProfile(ctx, s.db, p)
}
