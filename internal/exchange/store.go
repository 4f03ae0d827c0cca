package exchange

import "context"

// Store is the persistent ledger. Implementations must give InTx snapshot
// isolation or stronger and report a lost race as ErrWriteConflict. A Store
// never retries on its own.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Settings(ctx context.Context) (Settings, error)
	Character(ctx context.Context, id string) (Character, bool, error)
	// Characters returns the whole catalog sorted by id.
	Characters(ctx context.Context) ([]Character, error)
	Account(ctx context.Context, id string) (Account, bool, error)
	AccountIDs(ctx context.Context) ([]string, error)
	// Holdings returns the nonzero positions of an account.
	Holdings(ctx context.Context, accountID string) ([]Holding, error)
	Profile(ctx context.Context, accountID string) (PublicProfile, bool, error)
	// Profiles returns non-banned profiles ordered by net worth desc, then id.
	Profiles(ctx context.Context, limit int) ([]PublicProfile, error)
	Trades(ctx context.Context, f TradeFilter) ([]Trade, error)

	// PatchCharacters applies one bounded batch atomically and reports how
	// many characters it touched. Ids that no longer exist are skipped.
	PatchCharacters(ctx context.Context, patches []CharacterPatch) (int, error)
	UpsertProfile(ctx context.Context, p PublicProfile) error
}

// Tx is the view of the store inside one transaction. Reads observe the
// transaction's own writes.
type Tx interface {
	Settings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	Account(ctx context.Context, id string) (Account, bool, error)
	PutAccount(ctx context.Context, a Account) error

	Character(ctx context.Context, id string) (Character, bool, error)
	PutCharacter(ctx context.Context, c Character) error
	DeleteCharacter(ctx context.Context, id string) error

	// Holding returns 0 for an absent position.
	Holding(ctx context.Context, accountID, characterID string) (int64, error)
	// PutHolding deletes the position when shares is 0.
	PutHolding(ctx context.Context, h Holding) error

	AppendTrade(ctx context.Context, t Trade) error
	// CreateVoteMarker fails with ErrAlreadyVoted when the id exists.
	CreateVoteMarker(ctx context.Context, m VoteMarker) error
	// ClaimIdempotency fails with ErrDuplicateRequest when the key was used.
	ClaimIdempotency(ctx context.Context, accountID, key, action string) error

	Profile(ctx context.Context, accountID string) (PublicProfile, bool, error)
	PutProfile(ctx context.Context, p PublicProfile) error
}
