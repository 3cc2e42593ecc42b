// Package bus wraps the message broker connection and the scheduler's queue
// topology: the jobs topic exchange plus the status, log, registration,
// heartbeat, and dead-letter queues.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/logger"
)

// Bus manages the broker connection and hands out channels. The connection
// is re-dialed on demand after a drop; consumers re-register on channel
// shutdown.
type Bus struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection

	log logger.Logger
}

// Connect dials the broker with exponential backoff until it answers or the
// context is cancelled.
func Connect(ctx context.Context, url string) (*Bus, error) {
	b := &Bus{
		url: url,
		log: logger.Default().WithComponent(logger.ComponentBus),
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for attempt := 1; ; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			b.conn = conn
			return b, nil
		}

		b.log.Warn("Failed to connect to message bus, retrying",
			"attempt", attempt,
			"error", err,
			"retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bus connect cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Channel returns a fresh channel, re-dialing the connection if it has
// dropped since the last call.
func (b *Bus) Channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("failed to redial bus: %w", err)
		}
		b.conn = conn
		b.log.Info("Reconnected to message bus")
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// Close closes the broker connection
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// QueueDepth returns the ready-message count of a queue via a passive
// declare, without disturbing the queue. Unknown queues report zero depth.
func (b *Bus) QueueDepth(queueName string) (int, error) {
	ch, err := b.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		// Passive declare on a missing queue closes the channel with 404
		return 0, nil
	}
	return q.Messages, nil
}
