package exchange

import (
	"slices"
	"time"
)

type Role string

const (
	RoleNone   Role = ""
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

type VoteCategory string

const (
	CategoryPopularity VoteCategory = "popularity"
	CategoryStrength   VoteCategory = "strength"
)

// Vote buckets partition the daily quota. Popularity votes use the
// character's gender; strength votes share one bucket.
const (
	BucketMale      = "male"
	BucketFemale    = "female"
	BucketStrongest = "strongest"
)

type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	Cash        int64     `json:"cash"`
	Role        Role      `json:"role"`
	Banned      bool      `json:"banned"`
	LastTradeAt time.Time `json:"last_trade_at"`
	CreatedAt   time.Time `json:"created_at"`
}

type Holding struct {
	AccountID   string `json:"account_id"`
	CharacterID string `json:"character_id"`
	Shares      int64  `json:"shares"`
}

type Character struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	BasePrice          int64     `json:"base_price"`
	Crew               string    `json:"crew"`
	Rarity             string    `json:"rarity"`
	Gender             Gender    `json:"gender"`
	IsWaifu            bool      `json:"is_waifu"`
	ImageURL           string    `json:"image_url,omitempty"`
	PopularityVotes    int64     `json:"popularity_votes"`
	StrengthVotes      int64     `json:"strength_votes"`
	PrevPopularityRank int64     `json:"prev_popularity_rank"`
	PrevStrengthRank   int64     `json:"prev_strength_rank"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// VoteBucket is the popularity bucket of c. Waifus always count as female.
func (c Character) VoteBucket() string {
	if c.IsWaifu || c.Gender == GenderFemale {
		return BucketFemale
	}
	return BucketMale
}

type MarketEvent struct {
	Active          bool    `json:"active"`
	Name            string  `json:"name,omitempty"`
	Description     string  `json:"description,omitempty"`
	PriceMultiplier float64 `json:"price_multiplier,omitempty"`
}

// Multiplier is the factor applied to every base price while the event runs.
func (e MarketEvent) Multiplier() float64 {
	if !e.Active || e.PriceMultiplier <= 0 {
		return 1
	}
	return e.PriceMultiplier
}

type Settings struct {
	TradingEnabled          bool        `json:"trading_enabled"`
	MarketMessage           string      `json:"market_message"`
	TickerText              string      `json:"ticker_text"`
	BannerImageURL          string      `json:"banner_image_url"`
	CooldownSeconds         int64       `json:"cooldown_seconds"`
	MaxSharesPerUser        int64       `json:"max_shares_per_user"`
	FrozenCharacterIDs      []string    `json:"frozen_character_ids"`
	PopularityVotingEnabled bool        `json:"popularity_voting_enabled"`
	StrongestVotingEnabled  bool        `json:"strongest_voting_enabled"`
	Event                   MarketEvent `json:"event"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

func (s Settings) IsFrozen(characterID string) bool {
	_, found := slices.BinarySearch(s.FrozenCharacterIDs, characterID)
	return found
}

// Clone returns a copy that shares no memory with s.
func (s Settings) Clone() Settings {
	s.FrozenCharacterIDs = slices.Clone(s.FrozenCharacterIDs)
	return s
}

func (s *Settings) setFrozen(characterID string, frozen bool) {
	idx, found := slices.BinarySearch(s.FrozenCharacterIDs, characterID)
	switch {
	case frozen && !found:
		s.FrozenCharacterIDs = slices.Insert(s.FrozenCharacterIDs, idx, characterID)
	case !frozen && found:
		s.FrozenCharacterIDs = slices.Delete(s.FrozenCharacterIDs, idx, idx+1)
	}
}

type Trade struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Username      string    `json:"username"`
	CharacterID   string    `json:"character_id"`
	CharacterName string    `json:"character_name"`
	Crew          string    `json:"crew"`
	Side          Side      `json:"side"`
	Qty           int64     `json:"qty"`
	Price         int64     `json:"price"`
	Total         int64     `json:"total"`
	CreatedAt     time.Time `json:"created_at"`
}

type TradeFilter struct {
	AccountID   string
	CharacterID string
	Limit       int
}

type VoteMarker struct {
	ID          string       `json:"id"`
	Day         string       `json:"day"`
	AccountID   string       `json:"account_id"`
	Bucket      string       `json:"bucket"`
	CharacterID string       `json:"character_id"`
	Category    VoteCategory `json:"category"`
	CreatedAt   time.Time    `json:"created_at"`
}

// PublicProfile is the display projection used by the leaderboard. It is a
// cache of the ledger and never an input to trading decisions.
type PublicProfile struct {
	AccountID string    `json:"account_id"`
	Username  string    `json:"username"`
	NetWorth  int64     `json:"net_worth"`
	LiquidPhi int64     `json:"liquid_phi"`
	Banned    bool      `json:"banned"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CharacterPatch overwrites the non-nil fields of one character.
type CharacterPatch struct {
	ID                 string
	PopularityVotes    *int64
	StrengthVotes      *int64
	PrevPopularityRank *int64
	PrevStrengthRank   *int64
}

type Principal struct {
	AccountID string
	Email     string
}

type OrderInput struct {
	AccountID      string
	CharacterID    string
	Side           string
	Qty            int64
	IdempotencyKey string
}

type TradeReceipt struct {
	TradeID     string    `json:"trade_id"`
	CharacterID string    `json:"character_id"`
	Side        Side      `json:"side"`
	Qty         int64     `json:"qty"`
	Price       int64     `json:"price"`
	Total       int64     `json:"total"`
	Cash        int64     `json:"cash"`
	Shares      int64     `json:"shares"`
	ExecutedAt  time.Time `json:"executed_at"`
}

type VoteInput struct {
	AccountID   string
	CharacterID string
	Bucket      string
	Category    string
}

type VoteReceipt struct {
	CharacterID string       `json:"character_id"`
	Category    VoteCategory `json:"category"`
	Bucket      string       `json:"bucket"`
	Day         string       `json:"day"`
	Votes       int64        `json:"votes"`
}

type NetWorth struct {
	Cash          int64 `json:"cash"`
	HoldingsValue int64 `json:"holdings_value"`
	NetWorth      int64 `json:"net_worth"`
}

type PositionView struct {
	CharacterID    string `json:"character_id"`
	Name           string `json:"name"`
	Shares         int64  `json:"shares"`
	EffectivePrice int64  `json:"effective_price"`
	Value          int64  `json:"value"`
	Frozen         bool   `json:"frozen"`
}

type Portfolio struct {
	AccountID     string         `json:"account_id"`
	Username      string         `json:"username"`
	Role          Role           `json:"role"`
	Cash          int64          `json:"cash"`
	HoldingsValue int64          `json:"holdings_value"`
	NetWorth      int64          `json:"net_worth"`
	Positions     []PositionView `json:"positions"`
	NextTradeAt   time.Time      `json:"next_trade_at"`
}

type MarketView struct {
	Character
	EffectivePrice int64 `json:"effective_price"`
	Frozen         bool  `json:"frozen"`
}

type LeaderboardRow struct {
	Rank      int64  `json:"rank"`
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	NetWorth  int64  `json:"net_worth"`
	LiquidPhi int64  `json:"liquid_phi"`
}

type CharacterInput struct {
	Name      string `json:"name" yaml:"name"`
	BasePrice int64  `json:"base_price" yaml:"price"`
	Crew      string `json:"crew" yaml:"crew"`
	Rarity    string `json:"rarity" yaml:"rarity"`
	Gender    Gender `json:"gender" yaml:"gender"`
	IsWaifu   bool   `json:"is_waifu" yaml:"waifu"`
	ImageURL  string `json:"image_url" yaml:"image_url"`
}

type PriceMode string

const (
	PriceSet   PriceMode = "set"
	PriceDelta PriceMode = "delta"
)
