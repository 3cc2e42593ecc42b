// Package dlq consumes the dead-letter queue, classifies failures, and
// records them durably for operator review.
package dlq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
	"github.com/milvasoft/milvaion/internal/metrics"
)

// defaultMaxRetries applies when the dispatch headers went missing
const defaultMaxRetries = 5

// noExceptionMessage records dead letters that arrived without any
// exception text.
const noExceptionMessage = "No exception recorded; the failure may stem from message routing, a worker crash, TTL expiry, or a capacity limit."

// OccurrencesStore looks up the occurrence behind a dead letter
type OccurrencesStore interface {
	GetByID(ctx context.Context, id string) (*job.Occurrence, error)
}

// FailedStore records classified failures
type FailedStore interface {
	Insert(ctx context.Context, f *job.FailedOccurrence) (bool, error)
}

// Handler consumes the dead-letter queue with prefetch 1
type Handler struct {
	occs     OccurrencesStore
	failed   FailedStore
	consumer *bus.Consumer
	notFound func(error) bool
	log      logger.Logger
}

// New creates a DLQ handler. notFound recognizes the store's missing-row
// error.
func New(b *bus.Bus, occs OccurrencesStore, failed FailedStore, notFound func(error) bool) *Handler {
	log := logger.Default().WithComponent(logger.ComponentDLQ)
	return &Handler{
		occs:     occs,
		failed:   failed,
		consumer: bus.NewConsumer(b, bus.QueueFailedOccurrences, 1, log),
		notFound: notFound,
		log:      log,
	}
}

// Start runs the consumer until the context is cancelled
func (h *Handler) Start(ctx context.Context) {
	h.consumer.Run(ctx, h.handle)
}

func (h *Handler) handle(ctx context.Context, d amqp.Delivery) bus.Ack {
	var envelope job.DispatchMessage
	if err := json.Unmarshal(d.Body, &envelope); err != nil {
		h.log.Warn("Dropping undecodable dead letter", "error", err)
		return bus.AckDrop
	}

	correlationID := headerString(d.Headers, bus.HeaderCorrelationID)
	if correlationID == "" {
		h.log.Warn("Dropping dead letter without correlation id", "job_id", envelope.ID)
		return bus.AckDrop
	}

	retryCount := headerInt(d.Headers, bus.HeaderRetryCount, 0)
	maxRetries := headerInt(d.Headers, bus.HeaderMaxRetries, defaultMaxRetries)

	occ, err := h.occs.GetByID(ctx, correlationID)
	if err != nil {
		if h.notFound != nil && h.notFound(err) {
			h.log.Warn("Dead letter for unknown occurrence, dropping",
				"correlation_id", correlationID,
				"job_id", envelope.ID)
			return bus.AckDone
		}
		h.log.Error("Failed to load occurrence for dead letter, requeueing",
			"correlation_id", correlationID,
			"error", err)
		return bus.AckRequeue
	}

	exception := occ.Exception
	if exception == "" {
		exception = noExceptionMessage
	}
	exception = job.TruncateException(exception)

	failureType := job.ClassifyFailure(occ.Status, occ.Exception, retryCount, maxRetries)

	originalExecuteAt := occ.CreatedAt
	record := &job.FailedOccurrence{
		ID:                job.NewID(),
		JobID:             occ.JobID,
		OccurrenceID:      occ.ID,
		CorrelationID:     correlationID,
		JobDisplayName:    envelope.DisplayName,
		JobNameInWorker:   envelope.JobNameInWorker,
		WorkerID:          occ.WorkerID,
		JobData:           envelope.JobData,
		Exception:         exception,
		FailedAt:          time.Now().UTC(),
		RetryCount:        retryCount,
		FailureType:       failureType,
		OriginalExecuteAt: &originalExecuteAt,
		Resolved:          false,
	}

	inserted, err := h.failed.Insert(ctx, record)
	if err != nil {
		h.log.Error("Failed to record dead letter, requeueing",
			"correlation_id", correlationID,
			"error", err)
		return bus.AckRequeue
	}

	if !inserted {
		// Redelivery of an already-recorded failure
		h.log.Debug("Duplicate dead letter ignored", "correlation_id", correlationID)
		return bus.AckDone
	}

	metrics.Default().FailedOccurrencesTotal.WithLabelValues(string(failureType)).Inc()
	h.log.Info("Recorded failed occurrence",
		"correlation_id", correlationID,
		"job_id", occ.JobID,
		"failure_type", failureType,
		"retry_count", retryCount)

	return bus.AckDone
}

// headerString reads a header as a string, tolerating []byte values
func headerString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// headerInt reads a header as an int across the encodings brokers produce
func headerInt(headers amqp.Table, key string, fallback int) int {
	if headers == nil {
		return fallback
	}
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	case []byte:
		if n, err := strconv.Atoi(string(v)); err == nil {
			return n
		}
	}
	return fallback
}
