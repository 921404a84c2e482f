// Package mq is the broker client: typed publish/consume over a RabbitMQ
// topic exchange with durable queues, persistent messages, manual
// acknowledgement and per-consumer prefetch.
//
// Connections are per-role (distinct credentials and permissions); a Client
// opens at most one connection, and each consumer/producer takes its own
// channel. On disconnect the client redials with bounded exponential backoff
// and re-declares topology idempotently; unacked in-flight deliveries are
// redelivered by the broker.
package mq

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/purpleops/checking-engine/internal/config"
)

const (
	reconnectMin    = 500 * time.Millisecond
	reconnectMax    = 30 * time.Second
	reconnectJitter = 0.2
)

// Client owns one broker connection for one role.
type Client struct {
	role   string
	cfg    config.BrokerConfig
	url    string
	logger *log.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// Dial connects to the broker as the given role.
func Dial(cfg config.BrokerConfig, role string) (*Client, error) {
	url, err := cfg.URL(role)
	if err != nil {
		return nil, err
	}
	c := &Client{
		role:   role,
		cfg:    cfg,
		url:    url,
		logger: log.New(log.Writer(), "[MQ:"+role+"] ", log.LstdFlags),
	}
	if _, err := c.connection(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// connection returns the live connection, dialing with backoff if needed.
func (c *Client) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("mq client (%s) closed", c.role)
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	backoff := reconnectMin
	for attempt := 1; ; attempt++ {
		conn, err := amqp.DialConfig(c.url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Vhost:     c.cfg.VHost,
		})
		if err == nil {
			c.logger.Printf("✅ Connected to broker %s:%d vhost=%s", c.cfg.Host, c.cfg.Port, c.cfg.VHost)
			c.conn = conn
			return conn, nil
		}

		wait := withJitter(backoff)
		c.logger.Printf("⚠️  Broker dial failed (attempt %d): %v — retrying in %s", attempt, err, wait)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mq dial (%s): %w", c.role, ctx.Err())
		case <-time.After(wait):
		}
		if backoff < reconnectMax {
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}
	}
}

func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * reconnectJitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Channel opens a fresh channel, reconnecting the underlying connection if
// it has dropped. Channels are never shared across goroutines.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		// Connection may have died between check and use; retry once
		// through the redial path.
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn, err = c.connection(ctx)
		if err != nil {
			return nil, err
		}
		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open channel (%s): %w", c.role, err)
		}
	}
	return ch, nil
}

// Ping reports broker reachability; used by /healthz.
func (c *Client) Ping(ctx context.Context) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

// Close shuts the connection down. Consumers must be stopped first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		c.logger.Printf("🔌 Closing broker connection")
		return c.conn.Close()
	}
	return nil
}

// Role returns the role this client authenticated as.
func (c *Client) Role() string { return c.role }
