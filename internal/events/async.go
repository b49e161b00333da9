package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultQueueSize bounds the async delivery queue.
	DefaultQueueSize = 10000
	// DefaultHandlerTimeout caps how long the drain loop waits on one
	// handler before moving on.
	DefaultHandlerTimeout = 5 * time.Second
)

// AsyncBus decouples publishers from subscribers through a bounded queue
// drained by a single goroutine. When the queue is full the oldest event is
// dropped and counted; Publish never blocks the caller.
type AsyncBus struct {
	inner          *SyncBus
	queue          chan Event
	handlerTimeout time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	closed  bool
	dropped uint64
	done    chan struct{}
}

// AsyncOption tunes an AsyncBus.
type AsyncOption func(*AsyncBus)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) AsyncOption {
	return func(b *AsyncBus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithHandlerTimeout overrides DefaultHandlerTimeout.
func WithHandlerTimeout(d time.Duration) AsyncOption {
	return func(b *AsyncBus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// NewAsyncBus starts the drain goroutine. Close releases it.
func NewAsyncBus(log *zap.Logger, opts ...AsyncOption) *AsyncBus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &AsyncBus{
		inner:          NewSyncBus(log),
		queue:          make(chan Event, DefaultQueueSize),
		handlerTimeout: DefaultHandlerTimeout,
		log:            log,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.drain()
	return b
}

func (b *AsyncBus) Subscribe(pattern string, h Handler) func() {
	return b.inner.Subscribe(pattern, h)
}

// Publish enqueues the event. Under overflow the oldest queued event is
// dropped so recent events win.
func (b *AsyncBus) Publish(topic string, payload map[string]any) {
	b.publishFrom("", topic, payload)
}

func (b *AsyncBus) publishFrom(source, topic string, payload map[string]any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	e := Event{Topic: topic, Source: source, At: b.inner.now().UTC(), Payload: payload}
	for {
		select {
		case b.queue <- e:
			b.mu.Unlock()
			return
		default:
		}
		select {
		case old := <-b.queue:
			b.dropped++
			b.log.Warn("event queue full, dropped oldest",
				zap.String("dropped_topic", old.Topic),
				zap.Uint64("total_dropped", b.dropped))
		default:
		}
	}
}

// Dropped reports how many events were discarded under overflow.
func (b *AsyncBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops accepting events, drains the queue, and waits for the drain
// goroutine to exit.
func (b *AsyncBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.queue)
	<-b.done
}

// Flush blocks until every event published before the call has been
// delivered. Tests only.
func (b *AsyncBus) Flush() {
	fence := make(chan struct{})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue <- Event{Topic: "\x00flush", Payload: map[string]any{"fence": fence}}
	b.mu.Unlock()
	<-fence
}

func (b *AsyncBus) drain() {
	defer close(b.done)
	for e := range b.queue {
		if e.Topic == "\x00flush" {
			if fence, ok := e.Payload["fence"].(chan struct{}); ok {
				close(fence)
			}
			continue
		}
		b.deliverWithTimeout(e)
	}
}

// deliverWithTimeout runs each matching handler with its own deadline. An
// abandoned handler keeps running in the background; the drain loop is what
// must not stall.
func (b *AsyncBus) deliverWithTimeout(e Event) {
	for _, s := range b.inner.snapshot() {
		if !Match(s.pattern, e.Topic) {
			continue
		}
		finished := make(chan struct{})
		go func(h Handler) {
			defer close(finished)
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked",
						zap.String("topic", e.Topic),
						zap.Any("panic", r))
				}
			}()
			h(e)
		}(s.handler)

		timer := time.NewTimer(b.handlerTimeout)
		select {
		case <-finished:
		case <-timer.C:
			b.log.Warn("event handler timed out",
				zap.String("topic", e.Topic),
				zap.Duration("timeout", b.handlerTimeout))
		}
		timer.Stop()
	}
}
