package events

import (
	"sync"
	"testing"
)

type captureSink struct {
	mu   sync.Mutex
	seen []Event
}

func (c *captureSink) Deliver(ev Event) {
	c.mu.Lock()
	c.seen = append(c.seen, ev)
	c.mu.Unlock()
}

func TestPublishDeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	bus := NewBus(a, b)

	bus.Publish(Event{Name: ThreadCreated, ThreadID: "t1"})
	bus.Publish(Event{Name: MessageCreated, ThreadID: "t1",
		Payload: map[string]interface{}{"message_id": "m1"}})
	bus.Close()

	for _, s := range []*captureSink{a, b} {
		if len(s.seen) != 2 {
			t.Fatalf("sink got %d events, want 2", len(s.seen))
		}
		if s.seen[0].Name != ThreadCreated || s.seen[1].Name != MessageCreated {
			t.Fatalf("events = %+v", s.seen)
		}
		if s.seen[0].TS == 0 {
			t.Fatal("timestamp not stamped")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(&captureSink{})
	bus.Publish(Event{Name: TurnFailed})
	bus.Close()
	bus.Close()
}
