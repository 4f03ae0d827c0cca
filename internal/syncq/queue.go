// Package syncq persists orders that phx could not deliver so `phx sync` can
// replay them later under their original idempotency keys.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Order struct {
	IdempotencyKey string    `json:"idempotency_key"`
	CharacterID    string    `json:"character_id"`
	Side           string    `json:"side"`
	Qty            int64     `json:"qty"`
	QueuedAt       time.Time `json:"queued_at"`
}

type Queue struct {
	mu   sync.Mutex
	path string
}

// Open returns the queue stored under dir, creating dir if needed.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

func (q *Queue) Load() ([]Order, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *Queue) load() ([]Order, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Order{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Order{}, nil
	}
	var out []Order
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Save(orders []Order) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(orders)
}

func (q *Queue) save(orders []Order) error {
	if len(orders) == 0 {
		if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	raw, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Push appends an order. Re-queueing an existing key is a no-op.
func (q *Queue) Push(o Order) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	orders, err := q.load()
	if err != nil {
		return err
	}
	for _, existing := range orders {
		if existing.IdempotencyKey == o.IdempotencyKey {
			return nil
		}
	}
	return q.save(append(orders, o))
}

// Drop removes the orders whose keys are listed and keeps the rest in order.
func (q *Queue) Drop(keys ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	orders, err := q.load()
	if err != nil {
		return err
	}
	gone := make(map[string]bool, len(keys))
	for _, k := range keys {
		gone[k] = true
	}
	kept := orders[:0]
	for _, o := range orders {
		if !gone[o.IdempotencyKey] {
			kept = append(kept, o)
		}
	}
	return q.save(kept)
}
