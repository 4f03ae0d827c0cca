package memory

import (
	"context"

	"phimarket/internal/exchange"
)

type txn struct {
	store  *Store
	reads  map[string]uint64
	writes map[string]any
	trades []exchange.Trade
}

var _ exchange.Tx = (*txn)(nil)

func (t *txn) read(key string) any {
	if v, ok := t.writes[key]; ok {
		return v
	}
	t.store.mu.Lock()
	v, version := t.store.load(key)
	t.store.mu.Unlock()
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
	return v
}

func (t *txn) write(key string, value any) {
	t.writes[key] = value
}

func (t *txn) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, version := range t.reads {
		if _, cur := s.load(key); cur != version {
			return exchange.ErrWriteConflict
		}
	}
	for key, value := range t.writes {
		s.put(key, value)
	}
	s.trades = append(s.trades, t.trades...)
	return nil
}

func (t *txn) Settings(_ context.Context) (exchange.Settings, error) {
	if v, ok := t.read(keySettings).(exchange.Settings); ok {
		return v.Clone(), nil
	}
	return exchange.Settings{}, nil
}

func (t *txn) PutSettings(_ context.Context, st exchange.Settings) error {
	t.write(keySettings, st.Clone())
	return nil
}

func (t *txn) Account(_ context.Context, id string) (exchange.Account, bool, error) {
	v, ok := t.read(accountKey(id)).(exchange.Account)
	return v, ok, nil
}

func (t *txn) PutAccount(_ context.Context, a exchange.Account) error {
	t.write(accountKey(a.ID), a)
	return nil
}

func (t *txn) Character(_ context.Context, id string) (exchange.Character, bool, error) {
	v, ok := t.read(characterKey(id)).(exchange.Character)
	return v, ok, nil
}

func (t *txn) PutCharacter(_ context.Context, c exchange.Character) error {
	t.write(characterKey(c.ID), c)
	return nil
}

func (t *txn) DeleteCharacter(_ context.Context, id string) error {
	t.write(characterKey(id), nil)
	return nil
}

func (t *txn) Holding(_ context.Context, accountID, characterID string) (int64, error) {
	if h, ok := t.read(holdingKey(accountID, characterID)).(exchange.Holding); ok {
		return h.Shares, nil
	}
	return 0, nil
}

func (t *txn) PutHolding(_ context.Context, h exchange.Holding) error {
	key := holdingKey(h.AccountID, h.CharacterID)
	if h.Shares == 0 {
		t.write(key, nil)
		return nil
	}
	t.write(key, h)
	return nil
}

func (t *txn) AppendTrade(_ context.Context, tr exchange.Trade) error {
	t.trades = append(t.trades, tr)
	return nil
}

func (t *txn) CreateVoteMarker(_ context.Context, m exchange.VoteMarker) error {
	key := markerKey(m.ID)
	if t.read(key) != nil {
		return exchange.ErrAlreadyVoted
	}
	t.write(key, m)
	return nil
}

func (t *txn) ClaimIdempotency(_ context.Context, accountID, key, action string) error {
	k := idemKey(accountID, key)
	if t.read(k) != nil {
		return exchange.ErrDuplicateRequest
	}
	t.write(k, action)
	return nil
}

func (t *txn) Profile(_ context.Context, accountID string) (exchange.PublicProfile, bool, error) {
	v, ok := t.read(profileKey(accountID)).(exchange.PublicProfile)
	return v, ok, nil
}

func (t *txn) PutProfile(_ context.Context, p exchange.PublicProfile) error {
	t.write(profileKey(p.AccountID), p)
	return nil
}
