// Package amqp implements notify.Broker on a RabbitMQ topic exchange. Events
// are published under a routing key derived from the partition; each
// subscriber owns an exclusive auto-delete queue bound to one partition's key,
// or to every partition for SubscribeAll.
package amqp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"cashflow/internal/notify"
)

const DefaultExchange = "cashflow.changes"

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

type Client struct {
	url          string
	exchangeName string
	buffer       int

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	lastFailure  time.Time
	cbMu         sync.Mutex
}

var _ notify.Broker = (*Client)(nil)

// Dial connects and declares the exchange, trying up to attempts times
// with exponential backoff in between.
func Dial(ctx context.Context, url, exchangeName string, buffer, attempts int) (*Client, error) {
	c := newClient(url, exchangeName, buffer)
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = c.connect(); err == nil {
			return c, nil
		}
		if attempt == attempts-1 {
			break
		}
		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP connection failed, retrying",
			"component", "amqp",
			"attempt", attempt+1,
			"wait", wait,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect AMQP after %d attempts: %w", attempts, err)
}

func newClient(url, exchangeName string, buffer int) *Client {
	if exchangeName == "" {
		exchangeName = DefaultExchange
	}
	if buffer <= 0 {
		buffer = notify.DefaultBuffer
	}
	return &Client{url: url, exchangeName: exchangeName, buffer: buffer}
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		c.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	c.conn, c.channel = conn, channel
	return nil
}

// publishChannel returns the shared publishing channel, reconnecting when
// the connection was lost.
func (c *Client) publishChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() || c.channel == nil || c.channel.IsClosed() {
		c.closeLocked()
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}
	return c.channel, nil
}

func (c *Client) connection() (*amqp091.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		c.closeLocked()
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}
	return c.conn, nil
}

// Publish sends e with the partition as routing key. Messages are transient:
// a change event is a hint, the partition itself is the source of truth.
func (c *Client) Publish(ctx context.Context, e notify.Event) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish event: circuit breaker is open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel, err := c.publishChannel()
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName,          // exchange
		RoutingKey(e.Partition), // routing key
		false,                   // mandatory
		false,                   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			Timestamp:    time.Now(),
			Type:         string(e.Kind),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.mu.Lock()
			c.closeLocked()
			c.mu.Unlock()
		}
		return fmt.Errorf("publish event: %w", err)
	}

	c.recordSuccess()
	slog.DebugContext(ctx, "Published change event",
		"component", "amqp",
		"partition", e.Partition,
		"kind", e.Kind,
		"exchange", c.exchangeName)
	return nil
}

// Subscribe declares a server-named exclusive queue bound to partition and
// consumes it with auto-ack, so each event is delivered at most once.
func (c *Client) Subscribe(ctx context.Context, partition string) (*notify.Subscription, error) {
	return c.subscribe(ctx, notify.Only(partition))
}

// SubscribeAll is Subscribe for every partition.
func (c *Client) SubscribeAll(ctx context.Context) (*notify.Subscription, error) {
	return c.subscribe(ctx, notify.Everything())
}

func (c *Client) subscribe(ctx context.Context, f notify.Filter) (*notify.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.connection()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := channel.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := channel.QueueBind(q.Name, BindingKey(f), c.exchangeName, false, nil); err != nil {
		channel.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := channel.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Subscribed to change events",
		"component", "amqp",
		"partition", f.String(),
		"queue", q.Name)

	out := make(chan notify.Event, c.buffer)
	go forward(deliveries, f, out)

	return notify.NewSubscription(ctx, out, func() { channel.Close() }), nil
}

func forward(deliveries <-chan amqp091.Delivery, f notify.Filter, out chan<- notify.Event) {
	defer close(out)
	for d := range deliveries {
		e, err := decodeEvent(d.Body)
		if err != nil {
			slog.Warn("Discarding malformed change event",
				"component", "amqp",
				"routing_key", d.RoutingKey,
				"error", err)
			continue
		}
		// Routing keys are digests, so re-check the partition carried in the
		// body.
		if !f.Matches(e.Partition) {
			continue
		}
		if !notify.Offer(out, e) {
			slog.Warn("Dropped change event for slow subscriber",
				"component", "amqp",
				"partition", e.Partition,
				"kind", e.Kind)
		}
	}
}

// routingPrefix is the first word of every routing key.
const routingPrefix = "partition."

// RoutingKey is the routing key events of partition are published with. The
// partition is hashed so the key is one fixed-length word of hex digits:
// characters that are wildcards or separators in binding keys never reach
// the exchange.
func RoutingKey(partition string) string {
	sum := sha256.Sum256([]byte(partition))
	return routingPrefix + hex.EncodeToString(sum[:])
}

// BindingKey is the binding key a subscription with filter f uses.
func BindingKey(f notify.Filter) string {
	if f.All() {
		return routingPrefix + "*"
	}
	return RoutingKey(f.Partition())
}

func (c *Client) isCircuitOpen() bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	if time.Since(c.lastFailure) > openTimeout {
		atomic.StoreInt32(&c.state, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.cbMu.Lock()
	c.lastFailure = time.Now()
	c.cbMu.Unlock()

	// A failure while half-open reopens immediately.
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

// exponentialBackoff returns 1s, 2s, 4s ... capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection closed", "EOF", "broken pipe", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close closes the connection, which ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
