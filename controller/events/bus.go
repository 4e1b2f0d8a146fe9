// Package events carries notifications from workers to the coordinating loop.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	DispenseStarted   Kind = "dispense.started"
	DispenseProgress  Kind = "dispense.progress"
	DispenseCompleted Kind = "dispense.completed"
	DispenseError     Kind = "dispense.error"

	SensorReading Kind = "sensor.reading"

	PaymentPending   Kind = "payment.pending"
	PaymentSucceeded Kind = "payment.succeeded"
	PaymentFailed    Kind = "payment.failed"
	PaymentClosed    Kind = "payment.closed"
)

type Event struct {
	Kind    Kind        `json:"kind"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(kind Kind, payload interface{})
}

// Bus fans every published event out to all subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(kind Kind, payload interface{}) {
	e := Event{Kind: kind, Time: time.Now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			log.Println("events: subscriber", id, "is full, dropping", kind)
		}
	}
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe returns a channel receiving subsequent events and a function
// that unsubscribes and closes it.
func (b *Bus) Subscribe(size int) (<-chan Event, func()) {
	ch := make(chan Event, size)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
