package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventKillSwitch, 1)
	defer unsub()

	alert := Alert{Topic: EventKillSwitch, Severity: SeverityCritical, Message: "down", At: time.Now()}
	if n := bus.Publish(EventKillSwitch, alert); n != 1 {
		t.Fatalf("delivered=%d", n)
	}
	got := (<-ch).(Alert)
	if got.Message != "down" {
		t.Fatalf("payload=%+v", got)
	}

	if n := bus.Publish(EventLiquidated, alert); n != 0 {
		t.Fatalf("unrelated topic delivered to %d", n)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventConnectivity, 1)
	defer unsub()

	if n := bus.Publish(EventConnectivity, 1); n != 1 {
		t.Fatalf("first publish delivered=%d", n)
	}
	if n := bus.Publish(EventConnectivity, 2); n != 0 {
		t.Fatalf("full subscriber should drop, delivered=%d", n)
	}
}

func TestBusSubscribeMany(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeMany([]Event{EventKillSwitch, EventLegFailure}, 4)

	bus.Publish(EventKillSwitch, "a")
	bus.Publish(EventLegFailure, "b")
	if got := []any{<-ch, <-ch}; got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}

	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := bus.Publish(EventKillSwitch, "c"); n != 0 {
		t.Fatalf("delivered after unsubscribe: %d", n)
	}
}
