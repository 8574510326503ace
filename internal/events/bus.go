// Package events provides the process-wide status event bus.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers receive on buffered channels; a slow subscriber drops
//     events instead of stalling publishers (best-effort, at-most-once).
//   - Events for one session are delivered in publish order.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/relay/internal/domain"
)

// Kind classifies an event for the push layer.
type Kind string

const (
	KindStatus Kind = "status"
	KindQR     Kind = "qr"
	KindLog    Kind = "log"
)

// Event is a status transition, a rendered login code or a free-text log
// line for one session.
type Event struct {
	SessionID string
	Kind      Kind
	Status    domain.Status
	QR        string // base64 PNG
	Line      string
	Time      time.Time
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Bus is an in-memory fan-out bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

// NewBus returns an empty bus. It owns no goroutines.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock for delivery so unsubscribe cannot close a channel
	// mid-send. Sends are non-blocking, so the lock is held briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
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

// StatusChanged builds a status transition event.
func StatusChanged(id string, status domain.Status) Event {
	return Event{SessionID: id, Kind: KindStatus, Status: status}
}

// LogLine builds a free-text log event.
func LogLine(id, line string) Event {
	return Event{SessionID: id, Kind: KindLog, Line: line}
}

// LoginCode builds a rendered login code event.
func LoginCode(id, png string) Event {
	return Event{SessionID: id, Kind: KindQR, QR: png}
}
