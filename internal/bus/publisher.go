package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/job"
)

// Publisher publishes dispatch messages on the jobs topic exchange. It keeps
// one channel and replaces it on error.
type Publisher struct {
	bus *Bus

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher creates a publisher on the given bus
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.bus.Channel()
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// invalidate drops the cached channel after a publish error
func (p *Publisher) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}

// PublishDispatch publishes one dispatch on the jobs exchange with routing
// key "{jobNameInWorker}.{occurrenceId}", persistent delivery, and the
// CorrelationId and MaxRetries headers.
func (p *Publisher) PublishDispatch(ctx context.Context, msg job.DispatchMessage, occurrenceID string, maxRetries int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	routingKey := msg.JobNameInWorker + "." + occurrenceID

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, JobsExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Headers: amqp.Table{
			HeaderCorrelationID: []byte(occurrenceID),
			HeaderMaxRetries:    int32(maxRetries),
		},
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		p.invalidate()
		return fmt.Errorf("failed to publish dispatch for occurrence %s: %w", occurrenceID, err)
	}

	return nil
}

// PublishJSON publishes an arbitrary JSON body to a named queue on the
// default exchange. Used by tests and tooling to feed the control queues.
func (p *Publisher) PublishJSON(ctx context.Context, queueName string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		p.invalidate()
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}
