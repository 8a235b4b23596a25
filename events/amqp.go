package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/flowcluster/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer reads event notifications from a RabbitMQ queue.
// Messages have the same JSON form as the HTTP receiver's POST /events body.
type Consumer struct {
	url            string
	queue          string
	prefetch       int
	reconnectDelay time.Duration
	log            *zap.SugaredLogger
	dispatcher     *Dispatcher
}

type ConsumerOption func(c *Consumer)

func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = n
	}
}

func WithReconnectDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.reconnectDelay = d
	}
}

func NewConsumer(url, queue string, log *zap.SugaredLogger, d *Dispatcher, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		url:            url,
		queue:          queue,
		prefetch:       16,
		reconnectDelay: 5 * time.Second,
		log:            log.Named("amqp_consumer"),
		dispatcher:     d,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes until ctx is done, reconnecting whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warnf("consumer stopped, reconnecting in %s: %s", c.reconnectDelay, err)
		if err := retry.Sleep(ctx, c.reconnectDelay); err != nil {
			return nil
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", c.queue, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.log.Infof("consuming events from queue %s", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(raw)
		}
	}
}

// handleDelivery acks a message once its event is dispatched.
// Undecodable messages are rejected without requeueing.
func (c *Consumer) handleDelivery(raw amqp.Delivery) {
	ev, err := DecodeEvent(raw.Body)
	if err != nil {
		c.log.Errorw("failed to decode event", "error", err, "body", string(raw.Body))
		if err := raw.Nack(false, false); err != nil {
			c.log.Warnf("nacking message: %s", err)
		}
		return
	}
	c.log.Debugw("received event", "id", ev.ID, "type", ev.Type, "flow", ev.Flow.String())
	// duplicates are acked as well
	c.dispatcher.Dispatch(ev)
	if err := raw.Ack(false); err != nil {
		c.log.Warnf("acking message: %s", err)
	}
}
