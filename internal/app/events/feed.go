// Package events fans committed engine events out to in-process listeners
// and keeps the most recent ones in memory.
package events

import (
	"sync"

	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/chain"
)

// Handler processes events as they are published.
type Handler func(session.Event)

// Filter decides whether a handler sees an event.
type Filter func(session.Event) bool

// Feed is a thread-safe circular buffer of events with subscribers.
type Feed struct {
	mu       sync.RWMutex
	events   []session.Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewFeed creates a feed retaining up to size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 1000
	}
	return &Feed{
		events: make([]session.Event, size),
		size:   size,
	}
}

// Publish records events and notifies handlers outside the lock.
func (f *Feed) Publish(events ...session.Event) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	for _, evt := range events {
		f.events[f.head] = evt.Clone()
		f.head = (f.head + 1) % f.size
		if f.count < f.size {
			f.count++
		}
	}
	handlers := make([]handlerEntry, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()

	for _, evt := range events {
		for _, h := range handlers {
			if h.filter == nil || h.filter(evt) {
				h.handler(evt.Clone())
			}
		}
	}
}

// Subscribe registers a handler for all events.
func (f *Feed) Subscribe(handler Handler) func() {
	return f.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter. The returned function
// unsubscribes.
func (f *Feed) SubscribeFiltered(filter Filter, handler Handler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers = append(f.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, h := range f.handlers {
			if h.id == id {
				f.handlers = append(f.handlers[:i], f.handlers[i+1:]...)
				return
			}
		}
	}
}

// Stream delivers matching events on a buffered channel. Events are dropped
// for a stream whose buffer is full. Cancel closes the channel.
func (f *Feed) Stream(buffer int, filter Filter) (<-chan session.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan session.Event, buffer)
	var once sync.Once
	var closeMu sync.Mutex
	closed := false

	unsubscribe := f.SubscribeFiltered(filter, func(evt session.Event) {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- evt:
		default:
		}
	})
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			closeMu.Lock()
			closed = true
			close(ch)
			closeMu.Unlock()
		})
	}
	return ch, cancel
}

// Recent returns up to n events, newest first.
func (f *Feed) Recent(n int) []session.Event {
	return f.recent(n, nil)
}

// RecentByType returns up to n events of type t, newest first.
func (f *Feed) RecentByType(t session.EventType, n int) []session.Event {
	return f.recent(n, func(e session.Event) bool { return e.Type == t })
}

// RecentByRequest returns up to n events for one session, newest first.
func (f *Feed) RecentByRequest(id chain.Hash, n int) []session.Event {
	return f.recent(n, func(e session.Event) bool { return e.RequestID == id })
}

func (f *Feed) recent(n int, match Filter) []session.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || f.count == 0 {
		return nil
	}
	var result []session.Event
	for i := 0; i < f.count && len(result) < n; i++ {
		idx := (f.head - 1 - i + f.size) % f.size
		if match == nil || match(f.events[idx]) {
			result = append(result, f.events[idx].Clone())
		}
	}
	return result
}

// Count returns the number of buffered events.
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}
