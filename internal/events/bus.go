package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "arb",
	Subsystem: "bus",
	Name:      "dropped_total",
	Help:      "Events not delivered because a subscriber buffer was full",
}, []string{"topic"})

// Bus is a lightweight pub/sub broker using channels. Publishing never blocks the
// caller; a slow subscriber loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)
	b.mu.Lock()
	b.subs[e] = append(b.subs[e], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeLocked(e, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// SubscribeMany registers one channel on several topics.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)
	b.mu.Lock()
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				b.removeLocked(e, ch)
			}
			close(ch)
		})
	}
	return ch, unsub
}

func (b *Bus) removeLocked(e Event, ch chan any) {
	subs := b.subs[e]
	for i, c := range subs {
		if c == ch {
			b.subs[e] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fans the payload out to subscribers without blocking. It returns the
// number of subscribers that received it.
func (b *Bus) Publish(e Event, payload any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
			delivered++
		default:
			droppedEvents.WithLabelValues(string(e)).Inc()
		}
	}
	return delivered
}
