package notify

import (
	"testing"
	"time"
)

func TestPublishReachesOnlyThatUser(t *testing.T) {
	bus := New()
	alice := bus.Subscribe("alice", 4)
	bob := bus.Subscribe("bob", 4)

	bus.Publish("alice", KindMemoriesChanged, map[string]any{"created": 1})

	select {
	case ev := <-alice:
		if ev.Kind != KindMemoriesChanged || ev.UserID != "alice" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Data["created"] != 1 {
			t.Errorf("data = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("alice never received the event")
	}

	select {
	case ev := <-bob:
		t.Errorf("bob received %+v", ev)
	default:
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := New()
	ch := bus.Subscribe("u1", 1)

	bus.Publish("u1", KindMemoriesChanged, nil)
	bus.Publish("u1", KindMemoriesChanged, nil) // dropped, buffer full

	if got := len(ch); got != 1 {
		t.Errorf("buffered %d events, want 1", got)
	}
}

func TestPublishNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish("u1", KindMemoriesChanged, nil)
	if bus.SubscriberCount("u1") != 0 {
		t.Error("nil bus reported subscribers")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	ch := bus.Subscribe("u1", 4)
	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch) // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	if bus.SubscriberCount("u1") != 0 {
		t.Errorf("count = %d", bus.SubscriberCount("u1"))
	}
}
