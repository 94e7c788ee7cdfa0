// Package redis implements notify.Broker on Redis pub/sub. Every partition
// has its own channel, so a subscriber only receives what it asked for.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"cashflow/internal/notify"
)

// ChannelPrefix is prepended to the partition to form the pub/sub channel.
const ChannelPrefix = "cashflow:changes:"

type Broker struct {
	client *goredis.Client
	buffer int
}

var _ notify.Broker = (*Broker)(nil)

// New returns a broker sharing client. The client is not closed by Close.
func New(client *goredis.Client, buffer int) *Broker {
	if buffer <= 0 {
		buffer = notify.DefaultBuffer
	}
	return &Broker{client: client, buffer: buffer}
}

// Channel returns the pub/sub channel of partition.
func Channel(partition string) string {
	return ChannelPrefix + partition
}

func (b *Broker) Publish(ctx context.Context, e notify.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(e.Partition), body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, partition string) (*notify.Subscription, error) {
	return b.subscribe(ctx, notify.Only(partition))
}

func (b *Broker) SubscribeAll(ctx context.Context) (*notify.Subscription, error) {
	return b.subscribe(ctx, notify.Everything())
}

func (b *Broker) subscribe(ctx context.Context, f notify.Filter) (*notify.Subscription, error) {
	var ps *goredis.PubSub
	if f.All() {
		ps = b.client.PSubscribe(ctx, escapeGlob(ChannelPrefix)+"*")
	} else {
		ps = b.client.Subscribe(ctx, Channel(f.Partition()))
	}

	// Wait for the server to confirm so no event published after Subscribe
	// returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f, err)
	}

	out := make(chan notify.Event, b.buffer)
	go b.forward(ps, f, out)

	return notify.NewSubscription(ctx, out, func() { ps.Close() }), nil
}

func (b *Broker) forward(ps *goredis.PubSub, f notify.Filter, out chan<- notify.Event) {
	defer close(out)
	for msg := range ps.Channel() {
		var e notify.Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			slog.Warn("Discarding malformed change event",
				"component", "notify",
				"channel", msg.Channel,
				"error", err)
			continue
		}
		if !f.Matches(e.Partition) {
			continue
		}
		if !notify.Offer(out, e) {
			slog.Warn("Dropped change event for slow subscriber",
				"component", "notify",
				"partition", e.Partition,
				"kind", e.Kind)
		}
	}
}

// Close is a no-op: subscriptions own their PubSub connections and the
// client belongs to the caller.
func (b *Broker) Close() error {
	return nil
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
