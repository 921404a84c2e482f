package mq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/purpleops/checking-engine/internal/config"
)

// DeadLetterer parks messages the pipeline refuses to process on the
// dead-letter exchange, preserving the original bytes and tagging the
// failure so operators can triage.
type DeadLetterer struct {
	client  *Client
	cfg     config.BrokerConfig
	timeout time.Duration
	logger  *log.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewDeadLetterer opens a channel for dead-letter publishes.
func NewDeadLetterer(ctx context.Context, client *Client, cfg config.BrokerConfig) (*DeadLetterer, error) {
	dl := &DeadLetterer{
		client:  client,
		cfg:     cfg,
		timeout: cfg.PublishTimeout,
		logger:  log.New(log.Writer(), "[MQ:"+client.Role()+":dlx] ", log.LstdFlags),
	}
	ch, err := client.Channel(ctx)
	if err != nil {
		return nil, err
	}
	dl.ch = ch
	return dl, nil
}

// Reject forwards the original payload to the dead-letter exchange with an
// error tag and the origin queue in the headers.
func (dl *DeadLetterer) Reject(ctx context.Context, d *Delivery, reason string) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dl.timeout)
	defer cancel()

	if dl.ch == nil || dl.ch.IsClosed() {
		ch, err := dl.client.Channel(ctx)
		if err != nil {
			return err
		}
		dl.ch = ch
	}

	err := dl.ch.PublishWithContext(ctx, dl.cfg.DeadLetterExchange, dl.cfg.DeadLetterKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    d.MessageID,
			Headers: amqp.Table{
				"x-error":        reason,
				"x-origin-queue": d.Queue,
				"x-routing-key":  d.RoutingKey,
			},
			Body: d.Body,
		})
	if err != nil {
		dl.ch.Close()
		dl.ch = nil
		return fmt.Errorf("dead-letter publish: %w", err)
	}
	dl.logger.Printf("☠️  Dead-lettered message from %s (reason=%s)", d.Queue, reason)
	return nil
}

// Close releases the dead-letter channel.
func (dl *DeadLetterer) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.ch != nil && !dl.ch.IsClosed() {
		return dl.ch.Close()
	}
	return nil
}
