// Package events fans out lifecycle events (context opened, closed, done,
// retried, dead-lettered) to connected ops clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	TypeContextOpened = "context.opened"
	TypeContextClosed = "context.closed"
	TypeContextDone   = "context.done"
	TypeJobRetry      = "job.retry"
	TypeDeadLetter    = "job.dead_letter"
	TypeSweep         = "window.sweep"
	TypeSweepError    = "sweep.error"
	TypeError         = "error"
)

// Event is a single event broadcast to subscribers.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"` // "info", "warn", "error"
	TS      string `json:"ts"`
}

// Marshal serializes an event to JSON, stamping it if needed.
func (e Event) Marshal() []byte {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans out events to every subscriber. Subscribers that fall behind
// miss events; they can catch up from Recent.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// NewBus creates a bus that keeps the last keep events for new clients.
func NewBus(keep int) *Bus {
	if keep <= 0 {
		keep = 200
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   keep,
	}
}

// Publish sends e to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Level == "" {
		e.Level = levelOf(e.Type)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Emit is Publish in the shape of the component OnEvent hooks.
func (b *Bus) Emit(typ, message string) {
	b.Publish(Event{Type: typ, Message: message})
}

// Subscribe registers a subscriber. The caller must Unsubscribe with the
// returned done channel.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns up to the last n events, oldest first. n <= 0 means all.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func levelOf(typ string) string {
	switch typ {
	case TypeDeadLetter, TypeError, TypeSweepError:
		return "error"
	case TypeJobRetry:
		return "warn"
	}
	return "info"
}
