package exchange

import (
	"context"
	"testing"
	"time"
)

func TestChangesSince(t *testing.T) {
	c := NewChanges(4)
	for i := range 6 {
		c.Publish(ChangeTrade, string(rune('a'+i)), "u1")
	}
	evs, latest := c.Since(0)
	if latest != 6 {
		t.Fatalf("latest = %d", latest)
	}
	if len(evs) != 4 || evs[0].Seq != 3 || evs[3].Seq != 6 {
		t.Fatalf("unexpected ring contents %+v", evs)
	}
	evs, _ = c.Since(5)
	if len(evs) != 1 || evs[0].ID != "f" {
		t.Fatalf("unexpected tail %+v", evs)
	}
}

func TestChangesSubscribe(t *testing.T) {
	c := NewChanges(8)
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Subscribe(ctx, 1)

	c.Publish(ChangeSettings, "settings", "")
	c.Publish(ChangeSettings, "settings", "") // dropped, subscriber buffer is full

	select {
	case ev := <-ch:
		if ev.Seq != 1 {
			t.Fatalf("seq = %d", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription not closed")
		}
	}
}
