package events

import (
	"sync"
	"sync/atomic"

	"github.com/phpack/phpack/internal/types"
)

// Broker fans build events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
// Events reach each subscriber in publish order.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]chan BuildEvent
	nextID  uint64
	closed  bool
	dropped atomic.Int64
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]chan BuildEvent)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel; calling it twice is safe.
func (b *Broker) Subscribe(buffer int) (<-chan BuildEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan BuildEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber with buffer room
func (b *Broker) Publish(e BuildEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Sequencer numbers events per platform
type Sequencer struct {
	mu   sync.Mutex
	next map[types.Platform]uint64
}

// NewSequencer creates a sequencer starting every platform at 1
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[types.Platform]uint64)}
}

// Stamp assigns the next sequence number of e's platform
func (s *Sequencer) Stamp(e *BuildEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[e.Platform]++
	e.Seq = s.next[e.Platform]
}
