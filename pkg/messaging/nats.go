package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/pkg/circuit"
)

// Client wraps a NATS connection. Publishing goes through a circuit breaker.
type Client struct {
	conn    *nats.Conn
	breaker *circuit.Breaker
	source  string
	log     logrus.FieldLogger

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	nextSub int

	reconnects int64
	connected  atomic.Bool
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	Breaker        circuit.Config
}

// NewClient creates a new NATS client
func NewClient(cfg Config, log logrus.FieldLogger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	client := &Client{
		source: cfg.Name,
		log:    log.WithField("component", "nats"),
		subs:   make(map[string]*nats.Subscription),
	}

	opts = append(opts,
		nats.ReconnectHandler(func(nc *nats.Conn) {
			atomic.AddInt64(&client.reconnects, 1)
			client.connected.Store(true)
			client.log.WithField("url", nc.ConnectedUrl()).Info("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			client.connected.Store(false)
			if err != nil {
				client.log.WithError(err).Warn("disconnected from NATS")
			}
		}),
	)

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "nats-publish"
	}
	client.conn = conn
	client.breaker = circuit.NewBreaker(breakerCfg)
	client.connected.Store(true)

	return client, nil
}

// Publish wraps data in an Event and publishes it to subject
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c.conn == nil {
		return errors.New("not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event, err := NewEvent(subject, data, EventMetadata{Source: c.source})
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return c.breaker.Execute(ctx, func() error {
		return c.conn.Publish(subject, payload)
	})
}

// Subscribe delivers decoded events on subject to handler. Messages that
// are not valid events are dropped with a warning.
func (c *Client) Subscribe(subject string, handler func(*Event)) (func() error, error) {
	cb := func(msg *nats.Msg) {
		event, err := DecodeEvent(msg.Data)
		if err != nil {
			c.log.WithError(err).WithField("subject", msg.Subject).Warn("dropping malformed event")
			return
		}
		handler(event)
	}

	sub, err := c.conn.Subscribe(subject, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.nextSub++
	key := fmt.Sprintf("%s#%d", subject, c.nextSub)
	c.subs[key] = sub
	c.mu.Unlock()

	unsubscribe := func() error {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
		return sub.Unsubscribe()
	}
	return unsubscribe, nil
}

// DecodeEvent parses a raw message body into an Event
func DecodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Subject == "" {
		return nil, errors.New("failed to decode event: missing subject")
	}
	return &event, nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && c.conn.IsConnected()
}

// BreakerState reports the publish breaker state
func (c *Client) BreakerState() circuit.State {
	return c.breaker.State()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int64 {
	return atomic.LoadInt64(&c.reconnects)
}

// Close drains subscriptions and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	for key, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.WithError(err).WithField("subject", sub.Subject).Debug("unsubscribe on close failed")
		}
		delete(c.subs, key)
	}
	c.mu.Unlock()

	c.connected.Store(false)
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
