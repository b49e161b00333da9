package events

import (
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// subscription pairs a pattern with its handler. The id makes unsubscribe
// exact even when the same handler is registered twice.
type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Match reports whether a subscription pattern matches a topic. Patterns use
// glob syntax over dot-separated topic names: "trust.*" matches every topic
// under "trust.", "*" matches all topics.
func Match(pattern, topic string) bool {
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

// SyncBus delivers events inline with the publisher, in subscription order.
// The subscriber list is copy-on-write: Publish snapshots it without holding
// the lock during delivery, so handlers may subscribe or unsubscribe freely.
type SyncBus struct {
	mu     sync.Mutex
	subs   atomic.Pointer[[]subscription]
	nextID uint64
	now    func() time.Time
	log    *zap.Logger
}

// NewSyncBus returns an empty synchronous bus.
func NewSyncBus(log *zap.Logger) *SyncBus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &SyncBus{now: time.Now, log: log}
	empty := []subscription{}
	b.subs.Store(&empty)
	return b
}

// SetNowFunc overrides the event timestamp source. Tests only.
func (b *SyncBus) SetNowFunc(now func() time.Time) { b.now = now }

func (b *SyncBus) Subscribe(pattern string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	cur := *b.subs.Load()
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscription{id: id, pattern: pattern, handler: h})
	b.subs.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *SyncBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
}

func (b *SyncBus) Publish(topic string, payload map[string]any) {
	b.deliver(Event{Topic: topic, At: b.now().UTC(), Payload: payload})
}

// publishFrom stamps the event with an origin so relays can break loops.
func (b *SyncBus) publishFrom(source, topic string, payload map[string]any) {
	b.deliver(Event{Topic: topic, Source: source, At: b.now().UTC(), Payload: payload})
}

// snapshot returns the current subscriber list without locking; the slice is
// immutable once stored.
func (b *SyncBus) snapshot() []subscription {
	return *b.subs.Load()
}

// deliver runs every matching handler inline. A panicking handler is
// recovered and logged so one subscriber cannot take down the publisher.
func (b *SyncBus) deliver(e Event) {
	for _, s := range *b.subs.Load() {
		if !Match(s.pattern, e.Topic) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked",
						zap.String("topic", e.Topic),
						zap.Any("panic", r))
				}
			}()
			s.handler(e)
		}()
	}
}
