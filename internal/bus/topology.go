package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names shared with workers
const (
	// JobsExchange is the topic exchange dispatches are published on with
	// routing key "{jobNameInWorker}.{occurrenceId}"
	JobsExchange = "milvaion.jobs"

	QueueStatusUpdates      = "milvaion.status-updates"
	QueueWorkerLogs         = "milvaion.worker-logs"
	QueueWorkerRegistration = "milvaion.worker-registration"
	QueueWorkerHeartbeat    = "milvaion.worker-heartbeat"
	// QueueFailedOccurrences is the dead-letter queue fed by job consumers
	// after max retries
	QueueFailedOccurrences = "milvaion.failed-occurrences"
)

// Header names on dispatch messages
const (
	HeaderCorrelationID = "CorrelationId"
	HeaderMaxRetries    = "MaxRetries"
	HeaderRetryCount    = "x-retry-count"
)

// JobQueueName returns the queue a worker consumes dispatches for one job
// type from. Its binding pattern on the jobs exchange is "{jobName}.*".
func JobQueueName(jobNameInWorker string) string {
	return "milvaion.job." + jobNameInWorker
}

// DeclareTopology declares the exchange and the scheduler-side queues.
// Declarations are idempotent; workers declare their own job queues and
// bindings.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(JobsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare jobs exchange: %w", err)
	}

	// The DLQ carries dispatch envelopes only; the control queues below
	// dead-letter into their own parking queues instead
	if _, err := ch.QueueDeclare(QueueFailedOccurrences, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueFailedOccurrences, err)
	}

	controlQueues := []string{
		QueueStatusUpdates,
		QueueWorkerLogs,
		QueueWorkerRegistration,
		QueueWorkerHeartbeat,
	}

	for _, name := range controlQueues {
		// Rejection without requeue parks the message on the queue's own
		// dead-letter sibling instead of dropping it
		parking := name + ".dlq"
		if _, err := ch.QueueDeclare(parking, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", parking, err)
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": parking,
		}); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	return nil
}
