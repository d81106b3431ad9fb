package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted})
	b.Publish(Event{Kind: KindStreamConnected})

	select {
	case evt := <-ch:
		if evt.Kind != KindStreamConnected {
			t.Errorf("got kind %q, want %q", evt.Kind, KindStreamConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The message event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("unread.", 10)
	unsub()

	b.Publish(Event{Kind: KindUnreadChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("remote.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindRemoteInsert})
	// Dropped: publish never blocks on a full subscriber.
	b.Publish(Event{Kind: KindRemoteUpdate})

	evt := <-ch
	if evt.Kind != KindRemoteInsert {
		t.Errorf("got %q, want %q", evt.Kind, KindRemoteInsert)
	}
}
