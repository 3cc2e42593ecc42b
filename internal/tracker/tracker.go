// Package tracker consumes worker status updates, drives the occurrence
// state machine, maintains consumer capacity counters and running markers,
// and trips the per-job auto-disable circuit breaker.
package tracker

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

// OccurrencesStore is the relational surface for occurrence rows
type OccurrencesStore interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*job.Occurrence, error)
	BulkUpdate(ctx context.Context, occurrences []*job.Occurrence) error
}

// JobsStore is the relational surface for the auto-disable breaker
type JobsStore interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*job.ScheduledJob, error)
	UpdateAutoDisable(ctx context.Context, id string, settings job.AutoDisableSettings, isActive bool) error
}

// Markers is the Redis surface for running markers and index eviction
type Markers interface {
	TryMarkJobAsRunning(ctx context.Context, jobID, correlationID string) (bool, error)
	MarkJobAsCompleted(ctx context.Context, jobID string) error
	RemoveFromScheduledSet(ctx context.Context, jobID string) error
	RemoveCachedJob(ctx context.Context, jobID string) error
}

// Counters is the consumer capacity counter surface. Only the tracker
// writes these; the dispatcher reads them.
type Counters interface {
	IncrementConsumerJobCount(ctx context.Context, workerID, jobName string) error
	DecrementConsumerJobCount(ctx context.Context, workerID, jobName string) error
}

// markerBudget bounds the fire-and-forget Redis work after each flush
const markerBudget = 3 * time.Second

// Tracker batches status updates and applies them to occurrences
type Tracker struct {
	cfg     config.TrackerConfig
	autoCfg config.AutoDisableConfig

	occs     OccurrencesStore
	jobs     JobsStore
	markers  Markers
	counters Counters
	consumer *bus.Consumer

	pending chan *job.StatusUpdate
	wg      sync.WaitGroup

	log logger.Logger
}

// New creates a status tracker consuming the status-updates queue
func New(cfg config.TrackerConfig, autoCfg config.AutoDisableConfig, b *bus.Bus, occs OccurrencesStore, jobs JobsStore, markers Markers, counters Counters) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}

	log := logger.Default().WithComponent(logger.ComponentTracker)

	return &Tracker{
		cfg:      cfg,
		autoCfg:  autoCfg,
		occs:     occs,
		jobs:     jobs,
		markers:  markers,
		counters: counters,
		consumer: bus.NewConsumer(b, bus.QueueStatusUpdates, 10, log),
		pending:  make(chan *job.StatusUpdate, cfg.BatchSize*4),
		log:      log,
	}
}

// Start runs the consumer and the batch flusher until the context is
// cancelled, then drains the in-memory queue.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(2)

	go func() {
		defer t.wg.Done()
		t.consumer.Run(ctx, t.handle)
	}()

	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("Status flusher recovered from panic",
					"panic_value", r,
					"stack_trace", string(debug.Stack()))
			}
		}()
		t.flushLoop(ctx)
	}()
}

// Wait blocks until the consumer and flusher have stopped
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// handle processes one delivery: eager running-marker attempt, then enqueue
// for the next batch flush. The ack happens right after enqueue, so an
// unflushed batch is lost at most once on crash.
func (t *Tracker) handle(ctx context.Context, d amqp.Delivery) bus.Ack {
	var update job.StatusUpdate
	if err := json.Unmarshal(d.Body, &update); err != nil {
		t.log.Warn("Dropping malformed status update", "error", err)
		return bus.AckDrop
	}
	if update.CorrelationID == "" {
		t.log.Warn("Dropping status update without correlation id")
		return bus.AckDrop
	}

	// The running marker is the synchronization point with the dispatcher's
	// concurrency gate, so it is set eagerly on receipt, not at flush time
	if update.Status == job.StatusRunning && update.JobID != "" {
		if _, err := t.markers.TryMarkJobAsRunning(ctx, update.JobID, update.CorrelationID); err != nil {
			t.log.Debug("Eager running marker failed",
				"job_id", update.JobID,
				"correlation_id", update.CorrelationID,
				"error", err)
		}
	}

	select {
	case t.pending <- &update:
		metrics.Default().BatchQueueDepth.WithLabelValues("tracker").Set(float64(len(t.pending)))
		return bus.AckDone
	case <-ctx.Done():
		return bus.AckRequeue
	}
}

// flushLoop drains the pending queue in batches
func (t *Tracker) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]*job.StatusUpdate, 0, t.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		t.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case update := <-t.pending:
			batch = append(batch, update)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ctx.Done():
			// Drain whatever was enqueued before shutdown
			for {
				select {
				case update := <-t.pending:
					batch = append(batch, update)
				default:
					flush()
					return
				}
			}
		}
	}
}

// outcome feeds the auto-disable breaker after a flush
type outcome struct {
	jobID     string
	failed    bool
	success   bool
	exception string
}

// flush applies one batch: dedupe, load, state machine, counters, bulk
// update, then marker maintenance and breaker processing.
func (t *Tracker) flush(batch []*job.StatusUpdate) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Last write wins per correlation id within a batch
	deduped := make(map[string]*job.StatusUpdate, len(batch))
	order := make([]string, 0, len(batch))
	for _, u := range batch {
		if _, seen := deduped[u.CorrelationID]; !seen {
			order = append(order, u.CorrelationID)
		}
		deduped[u.CorrelationID] = u
	}

	occurrences, err := t.occs.GetByIDs(ctx, order)
	if err != nil {
		t.log.Error("Failed to load occurrences for batch, dropping flush", "error", err)
		return
	}

	var changed []*job.Occurrence
	var outcomes []outcome
	now := time.Now().UTC()

	for _, correlationID := range order {
		update := deduped[correlationID]
		occ, ok := occurrences[correlationID]
		if !ok {
			t.log.Debug("Status update for unknown occurrence", "correlation_id", correlationID)
			continue
		}

		if t.apply(ctx, occ, update, now) {
			changed = append(changed, occ)
			metrics.Default().StatusUpdatesTotal.WithLabelValues(occ.Status.String()).Inc()
		}

		switch update.Status {
		case job.StatusFailed, job.StatusTimedOut:
			outcomes = append(outcomes, outcome{jobID: occ.JobID, failed: true, exception: update.Exception})
		case job.StatusCompleted:
			outcomes = append(outcomes, outcome{jobID: occ.JobID, success: true})
		}
	}

	if len(changed) > 0 {
		if err := t.occs.BulkUpdate(ctx, changed); err != nil {
			t.log.Error("Failed to persist status batch", "error", err, "count", len(changed))
			return
		}
	}

	t.maintainMarkers(deduped, order)
	t.processOutcomes(ctx, outcomes)

	metrics.Default().FlushDuration.WithLabelValues("tracker").Observe(time.Since(start).Seconds())
}

// apply runs one update through the state machine. Returns whether the
// occurrence changed.
func (t *Tracker) apply(ctx context.Context, occ *job.Occurrence, update *job.StatusUpdate, now time.Time) bool {
	if occ.Status.IsFinal() {
		// Terminal occurrences accept only the late-Completed exception
		// clearing; a repeated terminal update is a no-op
		if update.Status == job.StatusCompleted && update.Exception == "" && occ.Exception != "" {
			occ.Exception = ""
			return true
		}
		return false
	}

	// Heartbeat: refresh liveness only
	if update.Status == occ.Status && update.IsHeartbeat() {
		hb := now
		occ.LastHeartbeat = &hb
		return true
	}

	if update.Status != occ.Status {
		if !occ.Status.CanTransitionTo(update.Status) {
			t.log.Warn("Ignoring invalid status transition",
				"correlation_id", occ.ID,
				"from", occ.Status.String(),
				"to", update.Status.String())
			return false
		}

		// Consumer counters follow Running entry and exit
		workerID := update.WorkerID
		if workerID == "" {
			workerID = occ.WorkerID
		}
		if update.Status == job.StatusRunning && workerID != "" {
			if err := t.counters.IncrementConsumerJobCount(ctx, workerID, occ.JobName); err != nil {
				t.log.Debug("Consumer counter increment failed", "worker_id", workerID, "error", err)
			}
		}
		if occ.Status == job.StatusRunning && update.Status.IsFinal() && workerID != "" {
			if err := t.counters.DecrementConsumerJobCount(ctx, workerID, occ.JobName); err != nil {
				t.log.Debug("Consumer counter decrement failed", "worker_id", workerID, "error", err)
			}
		}

		occ.RecordStatusChange(occ.Status, update.Status, now)
		occ.Status = update.Status
	}

	if update.WorkerID != "" {
		occ.WorkerID = update.WorkerID
	}
	if update.StartTime != nil {
		occ.StartTime = update.StartTime
	}
	if update.EndTime != nil {
		occ.EndTime = update.EndTime
	}
	if update.DurationMs != nil {
		occ.DurationMs = update.DurationMs
	}
	if update.Result != "" {
		occ.Result = update.Result
	}

	// A successful completion clears any exception a previous attempt left
	if update.Status == job.StatusCompleted && update.Exception == "" {
		occ.Exception = ""
	} else if update.Exception != "" {
		occ.Exception = update.Exception
	}

	hb := now
	occ.LastHeartbeat = &hb

	if occ.Status.IsFinal() && occ.EndTime == nil {
		end := now
		occ.EndTime = &end
	}

	return true
}

// maintainMarkers reconciles running markers after the batch is durable.
// Fire and forget with a small budget; the dispatcher tolerates stale
// markers via TTL.
func (t *Tracker) maintainMarkers(deduped map[string]*job.StatusUpdate, order []string) {
	ctx, cancel := context.WithTimeout(context.Background(), markerBudget)
	defer cancel()

	for _, correlationID := range order {
		update := deduped[correlationID]
		if update.JobID == "" {
			continue
		}

		switch {
		case update.Status == job.StatusRunning:
			// Retry in case the eager attempt raced a clearing dispatcher
			if _, err := t.markers.TryMarkJobAsRunning(ctx, update.JobID, correlationID); err != nil {
				t.log.Debug("Running marker refresh failed", "job_id", update.JobID, "error", err)
			}
		case update.Status.IsFinal():
			if err := t.markers.MarkJobAsCompleted(ctx, update.JobID); err != nil {
				t.log.Debug("Running marker clear failed", "job_id", update.JobID, "error", err)
			}
		}
	}
}
