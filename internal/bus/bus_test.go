package bus

import (
	"testing"

	"github.com/parleyhq/parley/pkg/protocol"
)

func TestEmit_OrderAndKinds(t *testing.T) {
	b := New()

	var seen []string
	b.Subscribe(protocol.EventMessageIncoming, func(ev Event) {
		seen = append(seen, "incoming-1")
	})
	b.Subscribe(protocol.EventMessageIncoming, func(ev Event) {
		seen = append(seen, "incoming-2")
	})
	b.Subscribe(protocol.EventMessageOutgoing, func(ev Event) {
		seen = append(seen, "outgoing")
	})
	b.SubscribeAll(func(ev Event) {
		seen = append(seen, "all:"+ev.Kind)
	})

	b.Emit(Event{Kind: protocol.EventMessageIncoming})
	b.Emit(Event{Kind: protocol.EventMessageOutgoing})

	want := []string{
		"incoming-1", "incoming-2", "all:" + protocol.EventMessageIncoming,
		"outgoing", "all:" + protocol.EventMessageOutgoing,
	}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestEmit_SubscriberPanicDoesNotPropagate(t *testing.T) {
	b := New()
	b.Subscribe("x", func(Event) { panic("boom") })

	delivered := false
	b.Subscribe("x", func(Event) { delivered = true })

	b.Emit(Event{Kind: "x"}) // must not panic
	if !delivered {
		t.Error("panicking subscriber blocked later subscribers")
	}
}

func TestEmit_SetsTimestamp(t *testing.T) {
	b := New()
	b.Subscribe("x", func(ev Event) {
		if ev.At.IsZero() {
			t.Error("event timestamp not set")
		}
	})
	b.Emit(Event{Kind: "x"})
}
