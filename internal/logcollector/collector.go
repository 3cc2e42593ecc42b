// Package logcollector batches worker-emitted log lines into occurrence
// records.
package logcollector

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/config"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
	"github.com/milvasoft/milvaion/internal/metrics"
)

// LogsStore is the relational surface for occurrence log lists
type LogsStore interface {
	GetLogs(ctx context.Context, ids []string) (map[string][]job.OccurrenceLog, error)
	UpdateLogs(ctx context.Context, logsByID map[string][]job.OccurrenceLog) error
}

// Collector consumes the worker-logs queue and appends entries to their
// occurrences in batches. Messages are acked on enqueue; a crash loses every
// acked entry not yet flushed (the queued channel and the batch in progress).
type Collector struct {
	cfg      config.LogCollectorConfig
	store    LogsStore
	consumer *bus.Consumer

	pending chan *job.WorkerLogMessage
	wg      sync.WaitGroup

	log logger.Logger
}

// New creates a log collector consuming the worker-logs queue
func New(cfg config.LogCollectorConfig, b *bus.Bus, store LogsStore) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}

	log := logger.Default().WithComponent(logger.ComponentLogCollector)

	return &Collector{
		cfg:      cfg,
		store:    store,
		consumer: bus.NewConsumer(b, bus.QueueWorkerLogs, 10, log),
		pending:  make(chan *job.WorkerLogMessage, cfg.BatchSize*4),
		log:      log,
	}
}

// Start runs the consumer and flusher until the context is cancelled
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)

	go func() {
		defer c.wg.Done()
		c.consumer.Run(ctx, c.handle)
	}()

	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Log flusher recovered from panic",
					"panic_value", r,
					"stack_trace", string(debug.Stack()))
			}
		}()
		c.flushLoop(ctx)
	}()
}

// Wait blocks until the consumer and flusher have stopped
func (c *Collector) Wait() {
	c.wg.Wait()
}

func (c *Collector) handle(ctx context.Context, d amqp.Delivery) bus.Ack {
	var msg job.WorkerLogMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Warn("Dropping malformed worker log", "error", err)
		return bus.AckDrop
	}
	if msg.CorrelationID == "" {
		c.log.Warn("Dropping worker log without correlation id")
		return bus.AckDrop
	}

	select {
	case c.pending <- &msg:
		metrics.Default().BatchQueueDepth.WithLabelValues("log_collector").Set(float64(len(c.pending)))
		return bus.AckDone
	case <-ctx.Done():
		return bus.AckRequeue
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]*job.WorkerLogMessage, 0, c.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case msg := <-c.pending:
			batch = append(batch, msg)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ctx.Done():
			for {
				select {
				case msg := <-c.pending:
					batch = append(batch, msg)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush groups entries by correlation id, loads the matching log lists,
// appends in producer order, and writes everything back in one transaction.
func (c *Collector) flush(batch []*job.WorkerLogMessage) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grouped := make(map[string][]job.OccurrenceLog)
	for _, msg := range batch {
		grouped[msg.CorrelationID] = append(grouped[msg.CorrelationID], msg.Log)
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}

	existing, err := c.store.GetLogs(ctx, ids)
	if err != nil {
		c.log.Error("Failed to load occurrence logs, dropping flush", "error", err, "count", len(batch))
		return
	}

	updates := make(map[string][]job.OccurrenceLog, len(grouped))
	for id, entries := range grouped {
		current, ok := existing[id]
		if !ok {
			// The occurrence never made it to the store or was cleaned up
			c.log.Debug("Dropping logs for unknown occurrence", "correlation_id", id, "entries", len(entries))
			continue
		}
		updates[id] = append(current, entries...)
	}

	if len(updates) == 0 {
		return
	}

	if err := c.store.UpdateLogs(ctx, updates); err != nil {
		c.log.Error("Failed to persist occurrence logs", "error", err, "occurrences", len(updates))
		return
	}

	metrics.Default().FlushDuration.WithLabelValues("log_collector").Observe(time.Since(start).Seconds())
}
