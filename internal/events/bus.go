package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/relayshell/internal/metrics"
)

// Publisher accepts messages for fan-out.
type Publisher interface {
	Publish(m Message)
}

// Bus fans messages out by topic. Channel subscriptions never block the publisher
// and drop messages for slow consumers; handlers run synchronously in the
// publishing goroutine and therefore see every message in order.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	handlers map[uint64]handlerEntry
	nextID   uint64
	now      func() time.Time
}

type handlerEntry struct {
	topics map[Topic]bool
	fn     func(Message)
}

// Subscription is a buffered channel subscription created by Bus.Subscribe.
type Subscription struct {
	C <-chan Message

	ch      chan Message
	topics  map[Topic]bool
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

func NewBus() *Bus {
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		handlers: make(map[uint64]handlerEntry),
		now:      time.Now,
	}
}

func topicSet(topics []Topic) map[Topic]bool {
	if len(topics) == 0 {
		return nil
	}
	m := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		m[t] = true
	}
	return m
}

func wants(set map[Topic]bool, t Topic) bool {
	return set == nil || set[t]
}

// Subscribe returns a subscription for the given topics (all topics when none given).
// The caller must Close it when done.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	s := &Subscription{C: ch, ch: ch, topics: topicSet(topics), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Dropped reports how many messages were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Handle registers fn for the given topics and returns a function removing it.
func (b *Bus) Handle(fn func(Message), topics ...Topic) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handlerEntry{topics: topicSet(topics), fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers m to matching handlers and subscriptions.
func (b *Bus) Publish(m Message) {
	if m.Topic == "" && m.Event != nil {
		m.Topic = m.Event.Topic()
	}
	if m.At.IsZero() {
		m.At = b.now()
	}
	metrics.IncEvent(string(m.Topic))

	b.mu.RLock()
	fns := make([]func(Message), 0, len(b.handlers))
	for _, h := range b.handlers {
		if wants(h.topics, m.Topic) {
			fns = append(fns, h.fn)
		}
	}
	for s := range b.subs {
		if !wants(s.topics, m.Topic) {
			continue
		}
		select {
		case s.ch <- m:
		default:
			s.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	// handlers may publish themselves, so they run outside the lock
	for _, fn := range fns {
		fn(m)
	}
}

// Emit publishes ev with the topic it declares.
func (b *Bus) Emit(gen uint64, ev Event) {
	b.Publish(Message{Topic: ev.Topic(), Gen: gen, Event: ev})
}
