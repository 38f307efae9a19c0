package events

import (
	"context"
	"sync"
	"time"
)

// defaultBuffer is the per-subscriber channel depth. Lifecycle events are
// rare, so a small buffer absorbs any realistic burst.
const defaultBuffer = 16

// Bus fans events out to dynamically registered subscribers.
//
// Emit never blocks: when a subscriber's buffer is full the event is dropped
// for that subscriber and counted. A subscriber that cannot keep up with a
// handful of lifecycle events per minute is broken anyway.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	buffer  int
	dropped uint64
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{} // nil means all kinds
}

func (s *subscriber) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), buffer: defaultBuffer}
}

// Emit delivers evt to every matching subscriber without blocking.
func (b *Bus) Emit(_ context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers a consumer for the given kinds, or for all kinds when
// none are given. The returned cancel func removes the subscription and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
