// Package memory is an in-process exchange.Store with optimistic
// concurrency. Every record carries the commit version that last wrote it;
// a transaction remembers the version of everything it read and commit fails
// with exchange.ErrWriteConflict if any of them moved.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"phimarket/internal/exchange"
)

const (
	prefixAccount   = "account/"
	prefixCharacter = "character/"
	prefixHolding   = "holding/"
	prefixMarker    = "marker/"
	prefixIdem      = "idem/"
	prefixProfile   = "profile/"
	keySettings     = "settings"
)

type record struct {
	version uint64
	value   any // nil marks a deleted record
}

type Store struct {
	mu      sync.Mutex
	clock   uint64
	records map[string]*record
	trades  []exchange.Trade
}

var _ exchange.Store = (*Store)(nil)

func New() *Store {
	return &Store{records: make(map[string]*record)}
}

func accountKey(id string) string { return prefixAccount + id }
func characterKey(id string) string { return prefixCharacter + id }
func holdingKey(acct, char string) string { return prefixHolding + acct + "/" + char }
func markerKey(id string) string { return prefixMarker + id }
func idemKey(acct, key string) string { return prefixIdem + acct + "/" + key }
func profileKey(accountID string) string { return prefixProfile + accountID }
func holdingPrefix(accountID string) string { return prefixHolding + accountID + "/" }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx exchange.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &txn{
		store:  s,
		reads:  make(map[string]uint64),
		writes: make(map[string]any),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

// load returns the current value and version of key. Caller holds s.mu.
func (s *Store) load(key string) (any, uint64) {
	rec, ok := s.records[key]
	if !ok {
		return nil, 0
	}
	return rec.value, rec.version
}

// put writes a record at a fresh version. Caller holds s.mu.
func (s *Store) put(key string, value any) {
	s.clock++
	s.records[key] = &record{version: s.clock, value: value}
}

func (s *Store) get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.load(key)
	return v
}

// scan returns live values under prefix ordered by key.
func (s *Store) scan(prefix string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for k, rec := range s.records {
		if rec.value != nil && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k].value)
	}
	return out
}

func (s *Store) Settings(_ context.Context) (exchange.Settings, error) {
	if v, ok := s.get(keySettings).(exchange.Settings); ok {
		return v.Clone(), nil
	}
	return exchange.Settings{}, nil
}

func (s *Store) Character(_ context.Context, id string) (exchange.Character, bool, error) {
	v, ok := s.get(characterKey(id)).(exchange.Character)
	return v, ok, nil
}

func (s *Store) Characters(_ context.Context) ([]exchange.Character, error) {
	vals := s.scan(prefixCharacter)
	out := make([]exchange.Character, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(exchange.Character))
	}
	return out, nil
}

func (s *Store) Account(_ context.Context, id string) (exchange.Account, bool, error) {
	v, ok := s.get(accountKey(id)).(exchange.Account)
	return v, ok, nil
}

func (s *Store) AccountIDs(_ context.Context) ([]string, error) {
	vals := s.scan(prefixAccount)
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(exchange.Account).ID)
	}
	return out, nil
}

func (s *Store) Holdings(_ context.Context, accountID string) ([]exchange.Holding, error) {
	vals := s.scan(holdingPrefix(accountID))
	out := make([]exchange.Holding, 0, len(vals))
	for _, v := range vals {
		if h := v.(exchange.Holding); h.Shares > 0 {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) Profile(_ context.Context, accountID string) (exchange.PublicProfile, bool, error) {
	v, ok := s.get(profileKey(accountID)).(exchange.PublicProfile)
	return v, ok, nil
}

func (s *Store) Profiles(_ context.Context, limit int) ([]exchange.PublicProfile, error) {
	vals := s.scan(prefixProfile)
	out := make([]exchange.PublicProfile, 0, len(vals))
	for _, v := range vals {
		if p := v.(exchange.PublicProfile); !p.Banned {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b exchange.PublicProfile) int {
		if a.NetWorth != b.NetWorth {
			if a.NetWorth > b.NetWorth {
				return -1
			}
			return 1
		}
		return strings.Compare(a.AccountID, b.AccountID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Trades returns matching trades newest first.
func (s *Store) Trades(_ context.Context, f exchange.TradeFilter) ([]exchange.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.Trade, 0)
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if f.AccountID != "" && t.AccountID != f.AccountID {
			continue
		}
		if f.CharacterID != "" && t.CharacterID != f.CharacterID {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PatchCharacters(ctx context.Context, patches []exchange.CharacterPatch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, p := range patches {
		v, _ := s.load(characterKey(p.ID))
		c, ok := v.(exchange.Character)
		if !ok {
			continue
		}
		if p.PopularityVotes != nil {
			c.PopularityVotes = *p.PopularityVotes
		}
		if p.StrengthVotes != nil {
			c.StrengthVotes = *p.StrengthVotes
		}
		if p.PrevPopularityRank != nil {
			c.PrevPopularityRank = *p.PrevPopularityRank
		}
		if p.PrevStrengthRank != nil {
			c.PrevStrengthRank = *p.PrevStrengthRank
		}
		s.put(characterKey(p.ID), c)
		updated++
	}
	return updated, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p exchange.PublicProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(profileKey(p.AccountID), p)
	return nil
}
