// Package broadcast fans session snapshots out to live subscribers and keeps
// an external presence indicator in step with the fleet.
package broadcast

import (
	"context"
	"log"
	"sync"

	"github.com/zulandar/botfleet/internal/session"
)

// defaultBuffer is how many snapshots a subscriber may lag before it is
// dropped.
const defaultBuffer = 64

// Counter reports how many sessions are online out of all known ones.
type Counter interface {
	Counts() (online, total int)
}

// PresenceSetter updates an external "N of M online" indicator.
type PresenceSetter interface {
	SetPresence(ctx context.Context, online, total int) error
}

// Subscription is one subscriber's feed. C is closed when the subscriber is
// dropped for falling behind or unsubscribes.
type Subscription struct {
	C    <-chan session.Snapshot
	ch   chan session.Snapshot
	once sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub implements session.Publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int

	counter  Counter
	presence PresenceSetter
	poke     chan struct{}
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	Buffer   int            // per-subscriber queue, defaults to 64
	Counter  Counter        // required when Presence is set
	Presence PresenceSetter // optional
}

// NewHub creates a Hub. Call Run to drive presence updates.
func NewHub(opts HubOpts) *Hub {
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	return &Hub{
		subs:     make(map[*Subscription]struct{}),
		buffer:   buf,
		counter:  opts.Counter,
		presence: opts.Presence,
		poke:     make(chan struct{}, 1),
	}
}

// Subscribe registers a new subscriber. It receives only snapshots published
// after this call.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan session.Snapshot, h.buffer)
	sub := &Subscription{C: ch, ch: ch}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers s to every subscriber without blocking. A subscriber whose
// queue is full is disconnected.
func (h *Hub) Publish(s session.Snapshot) {
	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.subs {
		select {
		case sub.ch <- s:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		log.Printf("broadcast: subscriber too slow, disconnecting")
		h.Unsubscribe(sub)
	}

	select {
	case h.poke <- struct{}{}:
	default:
	}
}

// Run refreshes the presence indicator whenever a snapshot was published,
// coalescing bursts into one update. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.presence == nil || h.counter == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.poke:
			online, total := h.counter.Counts()
			if err := h.presence.SetPresence(ctx, online, total); err != nil {
				log.Printf("broadcast: set presence: %v", err)
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}
