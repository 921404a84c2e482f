package mq

import (
	"context"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/purpleops/checking-engine/internal/metrics"
)

// Action is a handler's verdict on one delivery. The consumer loop maps it
// onto ack / nack+requeue / dead-letter; no error ever escapes the loop.
type Action int

const (
	// Ack: processing committed (or the message is a tolerated duplicate).
	Ack Action = iota
	// NackRequeue: transient failure before commit; the broker redelivers.
	NackRequeue
	// DeadLetter: the message can never succeed (malformed, unknown
	// correlation, poison); forward to the DLX and ack the original.
	DeadLetter
)

// Delivery is the slice of an AMQP delivery a handler may see. Handlers
// never touch the raw amqp types.
type Delivery struct {
	Body        []byte
	MessageID   string
	RoutingKey  string
	Queue       string
	Redelivered bool

	// Reason is set by the handler when returning DeadLetter.
	Reason string
}

// Handler processes one delivery and decides its fate.
type Handler func(ctx context.Context, d *Delivery) Action

// RedeliveryCounter counts how many times a message has been seen. The
// broker only exposes a boolean redelivered flag, so the counter lives in
// Redis (internal/poison). A counting error fails open: the message is
// processed normally.
type RedeliveryCounter interface {
	Bump(ctx context.Context, key string) (int, error)
}

// Consumer runs a bounded worker pool over one queue with manual acks.
type Consumer struct {
	client      *Client
	queue       string
	prefetch    int
	pool        int
	handler     Handler
	dead        *DeadLetterer
	poison      RedeliveryCounter
	poisonLimit int
	metrics     *metrics.Metrics
	logger      *log.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// ConsumerOpts configures a Consumer.
type ConsumerOpts struct {
	Queue       string
	Prefetch    int
	Pool        int
	Handler     Handler
	DeadLetter  *DeadLetterer
	Poison      RedeliveryCounter
	PoisonLimit int
	Metrics     *metrics.Metrics
}

// NewConsumer builds a consumer; Start launches it.
func NewConsumer(client *Client, opts ConsumerOpts) *Consumer {
	pool := opts.Pool
	if pool <= 0 {
		pool = 16
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	return &Consumer{
		client:      client,
		queue:       opts.Queue,
		prefetch:    prefetch,
		pool:        pool,
		handler:     opts.Handler,
		dead:        opts.DeadLetter,
		poison:      opts.Poison,
		poisonLimit: opts.PoisonLimit,
		metrics:     opts.Metrics,
		logger:      log.New(log.Writer(), "[MQ:"+client.Role()+":"+opts.Queue+"] ", log.LstdFlags),
	}
}

// Start opens the consume channel and launches the worker pool. It returns
// after the subscription is live; the pool runs until Stop or ctx cancel.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	deliveries, err := c.subscribe(ctx)
	if err != nil {
		c.cancel()
		return err
	}
	c.logger.Printf("✅ Consuming (prefetch=%d, pool=%d)", c.prefetch, c.pool)

	c.wg.Add(1)
	go c.run(ctx, deliveries)
	return nil
}

func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := c.client.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, c.queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch on %s: %w", c.queue, err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// run dispatches deliveries to the pool and resubscribes when the broker
// connection drops.
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	sem := make(chan struct{}, c.pool)
	var handlers sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			handlers.Wait()
			return
		case d, ok := <-deliveries:
			if !ok {
				handlers.Wait()
				if ctx.Err() != nil {
					return
				}
				// Channel dropped; resubscribe through the redial path.
				c.logger.Printf("⚠️  Delivery stream closed, resubscribing")
				var err error
				deliveries, err = c.subscribe(ctx)
				if err != nil {
					if ctx.Err() == nil {
						c.logger.Printf("❌ Resubscribe failed: %v", err)
					}
					return
				}
				continue
			}

			sem <- struct{}{}
			handlers.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-sem
					handlers.Done()
				}()
				c.process(ctx, d)
			}(d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	if c.metrics != nil {
		c.metrics.MessagesConsumed.WithLabelValues(c.queue).Inc()
		c.metrics.InFlight.WithLabelValues(c.queue).Inc()
		defer c.metrics.InFlight.WithLabelValues(c.queue).Dec()
	}

	delivery := &Delivery{
		Body:        d.Body,
		MessageID:   d.MessageId,
		RoutingKey:  d.RoutingKey,
		Queue:       c.queue,
		Redelivered: d.Redelivered,
	}

	if c.isPoison(ctx, delivery) {
		delivery.Reason = "poison"
		c.finish(d, delivery, DeadLetter)
		return
	}

	action := c.handler(ctx, delivery)
	c.finish(d, delivery, action)
}

// isPoison bumps the redelivery counter for redelivered messages and cuts
// them off once they exceed the configured limit.
func (c *Consumer) isPoison(ctx context.Context, d *Delivery) bool {
	if c.poison == nil || c.poisonLimit <= 0 || !d.Redelivered {
		return false
	}
	key := d.MessageID
	if key == "" {
		// Without a message id there is nothing stable to count on;
		// fall back to letting the broker redeliver.
		return false
	}
	n, err := c.poison.Bump(ctx, c.queue+":"+key)
	if err != nil {
		c.logger.Printf("⚠️  Redelivery counter unavailable: %v", err)
		return false
	}
	if n >= c.poisonLimit {
		c.logger.Printf("☠️  Message %s exceeded %d redeliveries, dead-lettering", key, c.poisonLimit)
		return true
	}
	return false
}

func (c *Consumer) finish(d amqp.Delivery, delivery *Delivery, action Action) {
	switch action {
	case Ack:
		if err := d.Ack(false); err != nil {
			c.logger.Printf("❌ Ack failed: %v", err)
		} else if c.metrics != nil {
			c.metrics.MessagesAcked.WithLabelValues(c.queue).Inc()
		}
	case NackRequeue:
		if err := d.Nack(false, true); err != nil {
			c.logger.Printf("❌ Nack failed: %v", err)
		} else if c.metrics != nil {
			c.metrics.MessagesRequeued.WithLabelValues(c.queue).Inc()
		}
	case DeadLetter:
		reason := delivery.Reason
		if reason == "" {
			reason = "unspecified"
		}
		if c.dead != nil {
			if err := c.dead.Reject(context.Background(), delivery, reason); err != nil {
				// Could not park the message; requeue so it is not lost.
				c.logger.Printf("❌ Dead-letter publish failed: %v — requeueing", err)
				if err := d.Nack(false, true); err != nil {
					c.logger.Printf("❌ Nack failed: %v", err)
				}
				return
			}
		}
		if err := d.Ack(false); err != nil {
			c.logger.Printf("❌ Ack after dead-letter failed: %v", err)
		}
		if c.metrics != nil {
			c.metrics.MessagesDeadLetter.WithLabelValues(c.queue, reason).Inc()
		}
	}
}

// Stop cancels the subscription and waits for in-flight handlers.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Printf("🔌 Consumer stopped")
}
