package bus

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/logger"
)

// Ack is the disposition a handler returns for a delivery
type Ack int

const (
	// AckDone acknowledges the message
	AckDone Ack = iota
	// AckDrop rejects without requeue; the queue's dead-letter routing
	// applies
	AckDrop
	// AckRequeue rejects with requeue for another attempt
	AckRequeue
)

// Handler processes one delivery and returns its disposition
type Handler func(ctx context.Context, d amqp.Delivery) Ack

// Consumer runs a manually-acknowledged consume loop on one queue,
// re-registering after channel shutdown until the context is cancelled.
type Consumer struct {
	bus      *Bus
	queue    string
	prefetch int
	log      logger.Logger
}

// NewConsumer creates a consumer for a queue with a bounded prefetch
func NewConsumer(b *Bus, queue string, prefetch int, log logger.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	if log == nil {
		log = logger.Default().WithComponent(logger.ComponentBus)
	}
	return &Consumer{
		bus:      b,
		queue:    queue,
		prefetch: prefetch,
		log:      log,
	}
}

// Run consumes until the context is cancelled. Each delivery is dispatched
// to the handler and acked, dropped, or requeued per its disposition.
// Consumers tolerate redelivery; handlers must be idempotent.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.consumeOnce(ctx, handle)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			c.log.Warn("Consumer channel lost, re-registering",
				"queue", c.queue,
				"error", err,
				"retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consumeOnce opens a channel, declares topology, and drains deliveries
// until the channel or context closes.
func (c *Consumer) consumeOnce(ctx context.Context, handle Handler) error {
	ch, err := c.bus.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := DeclareTopology(ch); err != nil {
		return err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("Consumer registered", "queue", c.queue, "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-deliveries:
			if !ok {
				// Channel shut down; caller re-registers
				return nil
			}

			switch handle(ctx, d) {
			case AckDone:
				if err := d.Ack(false); err != nil {
					c.log.Warn("Failed to ack delivery", "queue", c.queue, "error", err)
				}
			case AckDrop:
				if err := d.Reject(false); err != nil {
					c.log.Warn("Failed to reject delivery", "queue", c.queue, "error", err)
				}
			case AckRequeue:
				if err := d.Reject(true); err != nil {
					c.log.Warn("Failed to requeue delivery", "queue", c.queue, "error", err)
				}
			}
		}
	}
}
