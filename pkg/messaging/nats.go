package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher sends domain events. Services depend on this rather than on a
// live connection.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(ctx context.Context, subject string, data interface{}) error { return nil }

// Client wraps a NATS connection
type Client struct {
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	mu         sync.Mutex
	reconnects atomic.Int64
	connected  atomic.Bool
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
	client.connected.Store(true)

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.reconnects.Add(1)
		client.connected.Store(true)
	})
	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		client.connected.Store(false)
	})

	return client, nil
}

// Publish JSON-encodes data and publishes it, honouring ctx cancellation
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs[subject] = sub
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn.IsConnected()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains subscriptions and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, key)
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.connected.Store(false)
	return nil
}
