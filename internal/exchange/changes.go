package exchange

import (
	"context"
	"sync"
	"time"
)

type ChangeKind string

const (
	ChangeAccount   ChangeKind = "account"
	ChangeHolding   ChangeKind = "holding"
	ChangeCharacter ChangeKind = "character"
	ChangeSettings  ChangeKind = "settings"
	ChangeTrade     ChangeKind = "trade"
	ChangeVote      ChangeKind = "vote"
)

const defaultChangeBuffer = 1024

// Change tells observers that an entity moved. It carries ids, not state;
// observers re-read what they need.
type Change struct {
	Seq       uint64     `json:"seq"`
	Kind      ChangeKind `json:"kind"`
	ID        string     `json:"id"`
	AccountID string     `json:"account_id,omitempty"`
	At        time.Time  `json:"at"`
}

// Changes is an in-process change feed. It keeps the most recent events in a
// ring for polling and fans out to subscribers without ever blocking a
// publisher.
type Changes struct {
	mu   sync.Mutex
	seq  uint64
	ring []Change
	next int
	full bool
	subs map[chan Change]struct{}
}

func NewChanges(size int) *Changes {
	if size <= 0 {
		size = defaultChangeBuffer
	}
	return &Changes{
		ring: make([]Change, size),
		subs: make(map[chan Change]struct{}),
	}
}

func (c *Changes) Publish(kind ChangeKind, id, accountID string) Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ev := Change{Seq: c.seq, Kind: kind, ID: id, AccountID: accountID, At: time.Now().UTC()}
	c.ring[c.next] = ev
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Since returns buffered events with Seq > seq, oldest first, and the latest
// sequence number. Events older than the ring are lost.
func (c *Changes) Since(seq uint64) ([]Change, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ordered []Change
	if c.full {
		ordered = append(ordered, c.ring[c.next:]...)
	}
	ordered = append(ordered, c.ring[:c.next]...)
	out := make([]Change, 0, len(ordered))
	for _, ev := range ordered {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, c.seq
}

// Subscribe streams new events until ctx is done. A subscriber that falls
// behind misses events.
func (c *Changes) Subscribe(ctx context.Context, buffer int) <-chan Change {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
		close(ch)
	}()
	return ch
}
