package mq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages to one exchange over a confirmed
// channel. Safe for concurrent use; the channel is guarded because AMQP
// channels are not.
type Publisher struct {
	client   *Client
	exchange string
	timeout  time.Duration
	logger   *log.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher opens a confirm-mode channel on the client's connection.
func NewPublisher(ctx context.Context, client *Client, exchange string, timeout time.Duration) (*Publisher, error) {
	p := &Publisher{
		client:   client,
		exchange: exchange,
		timeout:  timeout,
		logger:   log.New(log.Writer(), "[MQ:"+client.Role()+":pub] ", log.LstdFlags),
	}
	if err := p.reopen(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) reopen(ctx context.Context) error {
	ch, err := p.client.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.ch = ch
	return nil
}

// Publish sends one persistent message and waits for the broker confirm.
// An unconfirmed publish within the timeout is an error; callers nack their
// inbound message so the broker redelivers and the publish is retried.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reopen(ctx); err != nil {
			return fmt.Errorf("publish %s: %w", routingKey, err)
		}
	}

	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, newPublishing(body))
	if err != nil {
		// Channel is poisoned after a publish error; drop it so the next
		// call reopens.
		p.ch.Close()
		p.ch = nil
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: confirm: %w", routingKey, err)
	}
	if !ok {
		return fmt.Errorf("publish %s: broker nacked", routingKey)
	}
	return nil
}

// newPublishing builds a persistent JSON publishing. Every message gets a
// MessageId at publish time: the broker redelivers the same bytes, so the id
// is stable across redeliveries and the consumer's poison counter can key on
// it.
func newPublishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}

// Close releases the publisher channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}
