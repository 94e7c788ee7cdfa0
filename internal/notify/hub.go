package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("notify: broker closed")

// Hub is an in-process Broker.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan Event]struct{}
	all     map[chan Event]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

var _ Broker = (*Hub)(nil)

// NewHub returns a hub whose subscribers buffer up to buffer events. A
// non-positive buffer uses DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[chan Event]struct{}),
		all:    make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	h.deliver(ctx, h.subs[e.Partition], e)
	h.deliver(ctx, h.all, e)
	return nil
}

func (h *Hub) deliver(ctx context.Context, set map[chan Event]struct{}, e Event) {
	for ch := range set {
		if !Offer(ch, e) {
			h.dropped.Add(1)
			slog.WarnContext(ctx, "Dropped change event for slow subscriber",
				"component", "notify",
				"partition", e.Partition,
				"kind", e.Kind)
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, partition string) (*Subscription, error) {
	return h.subscribe(ctx, Only(partition))
}

func (h *Hub) SubscribeAll(ctx context.Context) (*Subscription, error) {
	return h.subscribe(ctx, Everything())
}

func (h *Hub) subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, h.buffer)
	set := h.all
	if !f.All() {
		set = h.subs[f.Partition()]
		if set == nil {
			set = make(map[chan Event]struct{})
			h.subs[f.Partition()] = set
		}
	}
	set[ch] = struct{}{}

	return NewSubscription(ctx, ch, func() { h.remove(f, ch) }), nil
}

func (h *Hub) remove(f Filter, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.all
	if !f.All() {
		set = h.subs[f.Partition()]
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if !f.All() && len(set) == 0 {
		delete(h.subs, f.Partition())
	}
	close(ch)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.all)
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later calls to Publish and Subscribe fail
// with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for partition, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, partition)
	}
	for ch := range h.all {
		close(ch)
		delete(h.all, ch)
	}
	return nil
}
