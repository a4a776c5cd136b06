package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal decoupling the pipeline from its observers
// (the log loop, metrics). Types follow "component.what" ("cycle.end",
// "source.fetch_error", "notifier.dropped").
//
// Publish never blocks: a subscriber that stops draining its buffer loses
// events rather than stalling a cycle. Data stays small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeTypes delivers only events whose Type matches one of the given
	// prefixes ("notifier." matches "notifier.sent"). Exact types work too.
	SubscribeTypes(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &fanoutBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if typ == p || strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type fanoutBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *fanoutBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver against a snapshot; sends must not happen under the lock.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e.Type) {
			s.deliver(e)
		}
	}
}

// deliver drops the event when the buffer is full. A concurrent unsubscribe
// can close the channel mid-send; the recover absorbs that race.
func (s *subscriber) deliver(e Event) {
	defer func() { _ = recover() }()
	select {
	case s.ch <- e:
	default:
	}
}

func (b *fanoutBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeTypes(buffer)
}

func (b *fanoutBus) SubscribeTypes(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// deliver tolerates the close, so draining goroutines can use
			// range on the channel.
			close(s.ch)
		})
	}
	return s.ch, unsub
}
