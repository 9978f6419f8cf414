package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("chat.", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: "chat.message_upserted", Timestamp: time.Now()})

	select {
	case evt := <-sub.Events():
		if evt.Kind != "chat.message_upserted" {
			t.Errorf("kind = %q, want chat.message_upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.", 10)
	defer sub.Cancel()

	b.Publish(Event{Kind: "chat.message_upserted"})
	b.Publish(Event{Kind: "session.signed_out"})

	select {
	case evt := <-sub.Events():
		if evt.Kind != "session.signed_out" {
			t.Errorf("kind = %q, want session.signed_out", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-sub.Events():
		t.Errorf("unexpected second event %q", evt.Kind)
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 10)
	sub.Cancel()
	sub.Cancel() // idempotent

	b.Publish(Event{Kind: "chat.message_upserted"})

	select {
	case evt := <-sub.Events():
		t.Errorf("received %q after cancel", evt.Kind)
	default:
	}
}

func TestPublishOrderWithinSubscription(t *testing.T) {
	b := New()
	sub := b.Subscribe("chat.", 16)
	defer sub.Cancel()

	kinds := []string{"chat.a", "chat.b", "chat.c"}
	for _, k := range kinds {
		b.Publish(Event{Kind: k})
	}
	for _, want := range kinds {
		select {
		case evt := <-sub.Events():
			if evt.Kind != want {
				t.Fatalf("kind = %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 1)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: "chat.a"})
		b.Publish(Event{Kind: "chat.b"}) // dropped, buffer full
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
}
