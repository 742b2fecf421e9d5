package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the default channel buffer size for subscribers.
const DefaultBufferSize = 100

// dropLogEvery throttles drop warnings for a subscriber that stays behind.
const dropLogEvery = 100

type subscription struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Router fans events out from one producer, a build run, to any number of
// subscribers. Delivery is non-blocking: a subscriber that falls behind
// loses events instead of stalling the run. Events reach each subscriber in
// Emit order.
type Router struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// NewRouter returns a router whose Subscribe channels hold bufferSize
// events, or DefaultBufferSize when bufferSize is not positive.
func NewRouter(bufferSize int) *Router {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Router{bufferSize: bufferSize}
}

// Emit delivers event to every subscriber with room for it. It is safe for
// concurrent use and a no-op after Close.
func (r *Router) Emit(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, sub := range r.subs {
		select {
		case sub.ch <- event:
		default:
			r.drop(sub, event)
		}
	}
}

func (r *Router) drop(sub *subscription, event Event) {
	r.dropped.Add(1)
	n := sub.dropped.Add(1)
	if n == 1 || n%dropLogEvery == 0 {
		slog.Warn("event dropped: subscriber channel full",
			"event_type", event.Type(),
			"run_id", event.RunID(),
			"seq", event.Sequence(),
			"subscriber_dropped", n,
		)
	}
}

// Dropped returns how many deliveries were lost to full subscribers.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

// Subscribe returns a channel with the router's buffer size. It is closed
// by Unsubscribe or Close.
func (r *Router) Subscribe() <-chan Event {
	return r.SubscribeBuffered(r.bufferSize)
}

// SubscribeBuffered is Subscribe with an explicit buffer, for consumers
// such as the journal that must not miss events. After Close it returns a
// closed channel.
func (r *Router) SubscribeBuffered(size int) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, max(size, 0))
	if r.closed {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, &subscription{ch: ch})
	return ch
}

// Unsubscribe closes ch and stops delivery to it. Unknown channels are
// ignored.
func (r *Router) Unsubscribe(ch <-chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.subs, func(s *subscription) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(r.subs[i].ch)
	r.subs = slices.Delete(r.subs, i, i+1)
}

// Subscribers returns the number of live subscriptions.
func (r *Router) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close closes every subscriber channel. Later Emits are dropped silently
// and later subscriptions get closed channels. Close is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, sub := range r.subs {
		close(sub.ch)
	}
	r.subs = nil
}
