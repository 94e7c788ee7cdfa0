// Package notify carries change events between writers of a partition and
// the components that react to them (event streams, the sheets mirror).
//
// Delivery is best-effort and at-most-once: an event published while a
// subscriber's buffer is full is dropped for that subscriber, and events
// published before a subscription exists are never replayed.
package notify

import (
	"context"
	"sync"
	"time"
)

// Kind is the mutation that produced an event.
type Kind string

const (
	KindAdded   Kind = "added"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

type Event struct {
	Partition string    `json:"partition"`
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindAdded || k == KindUpdated || k == KindDeleted
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Subscriber interface {
	// Subscribe starts receiving the events of exactly one partition. No
	// partition name is special. The subscription ends when ctx is done or
	// Close is called.
	Subscribe(ctx context.Context, partition string) (*Subscription, error)

	// SubscribeAll starts receiving the events of every partition.
	SubscribeAll(ctx context.Context) (*Subscription, error)
}

// Broker is both ends of a notification channel.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription is a live stream of events. C is closed once the
// subscription ends.
type Subscription struct {
	C <-chan Event

	once    sync.Once
	done    chan struct{}
	release func()
}

// NewSubscription ties a delivery channel to its release function. release
// runs exactly once, either on Close or when ctx is done, and must cause c
// to be closed.
func NewSubscription(ctx context.Context, c <-chan Event, release func()) *Subscription {
	s := &Subscription{C: c, done: make(chan struct{}), release: release}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.release()
	})
}

// Offer is a non-blocking send. It reports false when the event had to be
// dropped.
func Offer(ch chan<- Event, e Event) bool {
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

// Filter selects the events of one subscription.
type Filter struct {
	partition string
	all       bool
}

// Only matches the events of partition and nothing else.
func Only(partition string) Filter { return Filter{partition: partition} }

// Everything matches the events of every partition.
func Everything() Filter { return Filter{all: true} }

func (f Filter) Matches(partition string) bool {
	return f.all || f.partition == partition
}

func (f Filter) All() bool { return f.all }

// Partition is the matched partition; empty for Everything.
func (f Filter) Partition() string { return f.partition }

func (f Filter) String() string {
	if f.all {
		return "all partitions"
	}
	return f.partition
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
