// Package dispatcher implements the polling loop that turns due jobs into
// published dispatch messages and occurrence rows, and reschedules
// recurring jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/config"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
	"github.com/milvasoft/milvaion/internal/metrics"
	"github.com/milvasoft/milvaion/internal/redisstore"
	"github.com/milvasoft/milvaion/internal/store/postgres"
)

// JobsStore is the relational surface the dispatcher needs for job rows
type JobsStore interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*job.ScheduledJob, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	ListActive(ctx context.Context) ([]*job.ScheduledJob, error)
	UpdateExecuteAt(ctx context.Context, id string, executeAt time.Time) error
}

// OccurrencesStore is the relational surface for occurrence rows
type OccurrencesStore interface {
	BulkInsert(ctx context.Context, occurrences []*job.Occurrence) error
	BulkUpdate(ctx context.Context, occurrences []*job.Occurrence) error
	ListDispatchRetries(ctx context.Context, now time.Time, maxAttempts int) ([]*job.Occurrence, error)
	ListStaleStartup(ctx context.Context, cutoff time.Time) ([]*job.Occurrence, error)
}

// Index is the Redis surface: time index, projection cache, running markers
type Index interface {
	GetDueJobs(ctx context.Context, now time.Time, maxN int) ([]string, error)
	GetScheduledJobIDs(ctx context.Context) ([]string, error)
	GetScheduledTimesBulk(ctx context.Context, jobIDs []string) (map[string]time.Time, error)
	AddToScheduledSet(ctx context.Context, jobID string, fireAt time.Time) error
	RemoveFromScheduledSet(ctx context.Context, jobID string) error
	CacheJobDetails(ctx context.Context, j *job.CachedJob) error
	GetCachedJobsBulk(ctx context.Context, jobIDs []string) (map[string]*job.CachedJob, error)
	RemoveCachedJob(ctx context.Context, jobID string) error
	GetRunningJobIDs(ctx context.Context, candidateIDs []string) (map[string]bool, error)
	MarkJobAsCompleted(ctx context.Context, jobID string) error
	PublishOccurrenceEvent(ctx context.Context, event redisstore.OccurrenceEvent) error
}

// Locks is the fenced per-job lock surface
type Locks interface {
	TryAcquireLock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobID, owner string) error
}

// WorkerGate exposes worker liveness and capacity to the dispatch gate
type WorkerGate interface {
	IsWorkerActive(ctx context.Context, workerID string) (bool, error)
	GetWorkerCapacity(ctx context.Context, workerID string) (currentJobs, maxParallelJobs int, err error)
	GetConsumerCapacity(ctx context.Context, workerID, jobName string) (currentJobs, maxParallelJobs int, err error)
}

// Publisher publishes dispatch messages on the jobs exchange
type Publisher interface {
	PublishDispatch(ctx context.Context, msg job.DispatchMessage, occurrenceID string, maxRetries int) error
}

// QueueDepther inspects routing-queue depth for the Skip policy gate
type QueueDepther interface {
	QueueDepth(queueName string) (int, error)
}

// Dispatcher runs the per-interval dispatch loop
type Dispatcher struct {
	cfg     config.DispatcherConfig
	jobs    JobsStore
	occs    OccurrencesStore
	index   Index
	locks   Locks
	workers WorkerGate
	pub     Publisher
	depth   QueueDepther

	emergencyStop atomic.Bool
	waitStore     StoreReadinessFunc
	done          chan struct{}

	log logger.Logger
}

// New creates a dispatcher
func New(cfg config.DispatcherConfig, jobs JobsStore, occs OccurrencesStore, index Index, locks Locks, workers WorkerGate, pub Publisher, depth QueueDepther) *Dispatcher {
	if cfg.PollingInterval < time.Second {
		cfg.PollingInterval = time.Second
	}
	if cfg.PublishConcurrency <= 0 {
		cfg.PublishConcurrency = 4
	}
	return &Dispatcher{
		cfg:     cfg,
		jobs:    jobs,
		occs:    occs,
		index:   index,
		locks:   locks,
		workers: workers,
		pub:     pub,
		depth:   depth,
		done:    make(chan struct{}),
		log:     logger.Default().WithComponent(logger.ComponentDispatcher),
	}
}

// SetEmergencyStop toggles the runtime flag that pauses dispatching without
// stopping the loop.
func (d *Dispatcher) SetEmergencyStop(stop bool) {
	d.emergencyStop.Store(stop)
}

// Start runs the control loop until the context is cancelled. Startup
// recovery runs first when enabled.
func (d *Dispatcher) Start(ctx context.Context) error {
	defer close(d.done)

	if d.cfg.EnableStartupRecovery {
		if err := d.runStartupRecovery(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error("Startup recovery failed, continuing with live state", "error", err)
		}
	}

	d.log.Info("Dispatcher started",
		"instance_id", d.cfg.InstanceID,
		"polling_interval", d.cfg.PollingInterval,
		"batch_size", d.cfg.BatchSize)

	ticker := time.NewTicker(d.cfg.PollingInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Dispatcher stopping")
			return nil

		case <-ticker.C:
			if d.emergencyStop.Load() {
				continue
			}

			if err := d.iterate(ctx); err != nil {
				if errors.Is(err, redisstore.ErrCircuitOpen) {
					// Fail fast and wait for the breaker to close
					d.log.Warn("Redis circuit open, skipping iteration")
					continue
				}

				consecutiveFailures++
				d.log.Error("Dispatch iteration failed",
					"error", err,
					"consecutive_failures", consecutiveFailures)

				if consecutiveFailures >= d.cfg.MaxConsecutiveFailures {
					d.log.Warn("Too many consecutive failures, backing off",
						"backoff", d.cfg.FailureBackoff)
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(d.cfg.FailureBackoff):
					}
					consecutiveFailures = 0
				}
				continue
			}

			consecutiveFailures = 0
		}
	}
}

// Done is closed once the loop has fully drained
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// dispatchItem pairs a due job with the occurrence minted for it
type dispatchItem struct {
	job *job.CachedJob
	occ *job.Occurrence
}

// iterate runs one dispatch pass
func (d *Dispatcher) iterate(ctx context.Context) error {
	now := time.Now().UTC()

	dueIDs, err := d.index.GetDueJobs(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return err
	}

	m := metrics.Default()
	m.DueJobsGauge.Set(float64(len(dueIDs)))
	m.DispatchBatchSize.Observe(float64(len(dueIDs)))

	if len(dueIDs) == 0 {
		return d.retrySweep(ctx, now)
	}

	loaded, err := d.loadProjections(ctx, dueIDs)
	if err != nil {
		return err
	}

	// Overlay the authoritative fire times; the cached projection does not
	// carry ExecuteAt
	fireTimes, err := d.index.GetScheduledTimesBulk(ctx, dueIDs)
	if err != nil {
		return err
	}
	for id, cj := range loaded {
		if t, ok := fireTimes[id]; ok {
			cj.ExecuteAt = t
		}
	}

	running, err := d.index.GetRunningJobIDs(ctx, dueIDs)
	if err != nil {
		return err
	}

	items := d.selectDispatches(ctx, dueIDs, loaded, running, now)
	if len(items) == 0 {
		return d.retrySweep(ctx, now)
	}

	items, err = d.insertOccurrences(ctx, items)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return d.retrySweep(ctx, now)
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.occ.ID
	}
	if err := d.index.PublishOccurrenceEvent(ctx, redisstore.OccurrenceEvent{
		Type:          "created",
		OccurrenceIDs: ids,
	}); err != nil {
		d.log.Debug("Failed to publish occurrence event", "error", err)
	}

	d.publishAll(ctx, items, now)

	return d.retrySweep(ctx, now)
}

// loadProjections bulk-loads cached projections, filling misses from the
// store and purging stale index references to deleted jobs.
func (d *Dispatcher) loadProjections(ctx context.Context, dueIDs []string) (map[string]*job.CachedJob, error) {
	loaded, err := d.index.GetCachedJobsBulk(ctx, dueIDs)
	if err != nil {
		return nil, err
	}

	var misses []string
	for _, id := range dueIDs {
		if _, ok := loaded[id]; !ok {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return loaded, nil
	}

	fromStore, err := d.jobs.GetByIDs(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs from store: %w", err)
	}

	for _, id := range misses {
		sj, ok := fromStore[id]
		if !ok {
			// Stale index reference, the job is gone from the store
			d.log.Warn("Removing stale job reference from time index", "job_id", id)
			_ = d.index.RemoveFromScheduledSet(ctx, id)
			_ = d.index.RemoveCachedJob(ctx, id)
			continue
		}

		cj := sj.Projection()
		loaded[id] = &cj
		if err := d.index.CacheJobDetails(ctx, &cj); err != nil {
			d.log.Debug("Failed to warm job cache", "job_id", id, "error", err)
		}
	}

	return loaded, nil
}

// selectDispatches applies the concurrency and capacity gates to each due
// job, in index order, and mints occurrences for those that pass.
func (d *Dispatcher) selectDispatches(ctx context.Context, dueIDs []string, loaded map[string]*job.CachedJob, running map[string]bool, now time.Time) []dispatchItem {
	m := metrics.Default()
	var items []dispatchItem

	for _, id := range dueIDs {
		cj, ok := loaded[id]
		if !ok || !cj.IsActive {
			if ok {
				d.log.Info("Removing inactive job from time index", "job_id", id)
			}
			_ = d.index.RemoveFromScheduledSet(ctx, id)
			_ = d.index.RemoveCachedJob(ctx, id)
			continue
		}

		if cj.ConcurrentExecutionPolicy == job.PolicySkip {
			if running[id] {
				d.log.Debug("Skipping job, previous occurrence still running", "job_id", id)
				m.DispatchesTotal.WithLabelValues("skipped").Inc()
				continue
			}

			// Not marked running but dispatches may still sit unconsumed in
			// the routing queue
			depth, err := d.depth.QueueDepth(bus.JobQueueName(cj.JobNameInWorker))
			if err != nil {
				d.log.Debug("Queue depth probe failed", "job_id", id, "error", err)
			} else if depth > 0 {
				d.log.Debug("Skipping job, routing queue not empty", "job_id", id, "depth", depth)
				m.DispatchesTotal.WithLabelValues("skipped").Inc()
				continue
			}
		}

		if cj.WorkerID != "" && !d.workerHasCapacity(ctx, cj) {
			m.DispatchesTotal.WithLabelValues("skipped").Inc()
			if cj.IsRecurring() {
				d.reschedule(ctx, cj, now)
			}
			continue
		}

		items = append(items, dispatchItem{job: cj, occ: job.NewOccurrence(cj, now)})
	}

	return items
}

// workerHasCapacity checks worker liveness plus worker- and consumer-level
// parallelism bounds.
func (d *Dispatcher) workerHasCapacity(ctx context.Context, cj *job.CachedJob) bool {
	active, err := d.workers.IsWorkerActive(ctx, cj.WorkerID)
	if err != nil {
		d.log.Warn("Worker liveness check failed", "worker_id", cj.WorkerID, "error", err)
		return false
	}
	if !active {
		d.log.Debug("Worker inactive, deferring dispatch", "job_id", cj.ID, "worker_id", cj.WorkerID)
		return false
	}

	current, max, err := d.workers.GetWorkerCapacity(ctx, cj.WorkerID)
	if err != nil {
		d.log.Warn("Worker capacity check failed", "worker_id", cj.WorkerID, "error", err)
		return false
	}
	if max > 0 && current >= max {
		d.log.Debug("Worker at capacity, deferring dispatch",
			"job_id", cj.ID, "worker_id", cj.WorkerID, "current", current, "max", max)
		return false
	}

	current, max, err = d.workers.GetConsumerCapacity(ctx, cj.WorkerID, cj.JobNameInWorker)
	if err != nil {
		d.log.Warn("Consumer capacity check failed", "worker_id", cj.WorkerID, "error", err)
		return false
	}
	if max > 0 && current >= max {
		d.log.Debug("Consumer at capacity, deferring dispatch",
			"job_id", cj.ID, "job_name", cj.JobNameInWorker, "current", current, "max", max)
		return false
	}

	return true
}

// insertOccurrences bulk-inserts the minted occurrences. A foreign key
// violation means the cache held phantom jobs deleted from the store: purge
// them everywhere and retry once with the surviving rows.
func (d *Dispatcher) insertOccurrences(ctx context.Context, items []dispatchItem) ([]dispatchItem, error) {
	occs := make([]*job.Occurrence, len(items))
	for i, it := range items {
		occs[i] = it.occ
	}

	err := d.occs.BulkInsert(ctx, occs)
	if err == nil {
		return items, nil
	}
	if !postgres.IsForeignKeyViolation(err) {
		return nil, fmt.Errorf("failed to insert occurrences: %w", err)
	}

	jobIDs := make([]string, len(items))
	for i, it := range items {
		jobIDs[i] = it.job.ID
	}

	existing, exErr := d.jobs.ExistingIDs(ctx, jobIDs)
	if exErr != nil {
		return nil, fmt.Errorf("failed to resolve phantom jobs: %w", exErr)
	}

	var survivors []dispatchItem
	var survivorOccs []*job.Occurrence
	for _, it := range items {
		if existing[it.job.ID] {
			survivors = append(survivors, it)
			survivorOccs = append(survivorOccs, it.occ)
			continue
		}

		d.log.Warn("Purging phantom job after foreign key violation", "job_id", it.job.ID)
		_ = d.index.RemoveFromScheduledSet(ctx, it.job.ID)
		_ = d.index.RemoveCachedJob(ctx, it.job.ID)
	}

	if len(survivorOccs) == 0 {
		return nil, nil
	}

	if err := d.occs.BulkInsert(ctx, survivorOccs); err != nil {
		return nil, fmt.Errorf("failed to insert occurrences after phantom purge: %w", err)
	}
	return survivors, nil
}

// publishAll fans the publish loop out with bounded concurrency. Each item
// acquires the job lock, publishes, reschedules while still holding the
// lock, then releases it.
func (d *Dispatcher) publishAll(ctx context.Context, items []dispatchItem, now time.Time) {
	m := metrics.Default()

	var mu sync.Mutex
	var changed []*job.Occurrence

	sem := make(chan struct{}, d.cfg.PublishConcurrency)
	var wg sync.WaitGroup

	for _, it := range items {
		wg.Add(1)
		sem <- struct{}{}

		go func(it dispatchItem) {
			defer wg.Done()
			defer func() { <-sem }()

			acquired, err := d.locks.TryAcquireLock(ctx, it.job.ID, d.cfg.InstanceID, d.cfg.LockTTL)
			if err != nil || !acquired {
				if err != nil {
					d.log.Warn("Lock acquisition failed", "job_id", it.job.ID, "error", err)
				}
				it.occ.MarkTerminal(job.StatusFailed,
					"duplicate dispatch prevented by lock", time.Now().UTC())
				m.DispatchesTotal.WithLabelValues("failed").Inc()

				mu.Lock()
				changed = append(changed, it.occ)
				mu.Unlock()
				return
			}

			publishErr := d.pub.PublishDispatch(ctx,
				job.DispatchMessageFor(it.job), it.occ.ID, d.cfg.MaxRetryAttempts)

			// Reschedule before releasing the lock so a second dispatcher
			// cannot re-pick the same due entry mid-flight
			d.reschedule(ctx, it.job, now)

			if err := d.locks.ReleaseLock(ctx, it.job.ID, d.cfg.InstanceID); err != nil {
				d.log.Warn("Lock release failed, TTL will expire it", "job_id", it.job.ID, "error", err)
			}

			if publishErr != nil {
				d.log.Error("Dispatch publish failed",
					"job_id", it.job.ID,
					"occurrence_id", it.occ.ID,
					"error", publishErr)
				d.schedulePublishRetry(ctx, it.job, it.occ, publishErr)
				m.DispatchesTotal.WithLabelValues("retried").Inc()

				mu.Lock()
				changed = append(changed, it.occ)
				mu.Unlock()
				return
			}

			m.DispatchesTotal.WithLabelValues("published").Inc()
			d.log.Info("Dispatched occurrence",
				"job_id", it.job.ID,
				"occurrence_id", it.occ.ID,
				"job_name", it.job.JobNameInWorker)
		}(it)
	}

	wg.Wait()

	if len(changed) > 0 {
		if err := d.occs.BulkUpdate(ctx, changed); err != nil {
			d.log.Error("Failed to persist post-publish occurrence updates", "error", err)
		}
	}
}

// schedulePublishRetry records a failed publish attempt with exponential
// backoff, or marks the occurrence Failed once attempts are exhausted.
// One-time jobs additionally leave the time index on failure.
func (d *Dispatcher) schedulePublishRetry(ctx context.Context, cj *job.CachedJob, o *job.Occurrence, cause error) {
	o.DispatchRetryCount++

	if o.DispatchRetryCount >= d.cfg.MaxRetryAttempts {
		o.MarkTerminal(job.StatusFailed,
			fmt.Sprintf("dispatch failed after %d attempts: %v", o.DispatchRetryCount, cause),
			time.Now().UTC())
		o.NextDispatchRetryAt = nil
		return
	}

	retryAt := time.Now().UTC().Add(publishBackoff(o.DispatchRetryCount))
	o.NextDispatchRetryAt = &retryAt

	if !cj.IsRecurring() {
		_ = d.index.RemoveFromScheduledSet(ctx, cj.ID)
	}
}

// publishBackoff computes the delay before publish attempt n+1:
// 30s, 60s, then capped at 120s.
func publishBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := 30 * time.Second * time.Duration(1<<uint(attempt-1))
	if delay > 120*time.Second {
		delay = 120 * time.Second
	}
	return delay
}

// retrySweep re-publishes Queued occurrences whose retry is due and fails
// those that exhausted their attempts.
func (d *Dispatcher) retrySweep(ctx context.Context, now time.Time) error {
	pending, err := d.occs.ListDispatchRetries(ctx, now, d.cfg.MaxRetryAttempts)
	if err != nil {
		return fmt.Errorf("failed to load dispatch retries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	jobIDs := make([]string, 0, len(pending))
	seen := make(map[string]bool, len(pending))
	for _, o := range pending {
		if !seen[o.JobID] {
			seen[o.JobID] = true
			jobIDs = append(jobIDs, o.JobID)
		}
	}

	projections, err := d.loadProjections(ctx, jobIDs)
	if err != nil {
		return err
	}

	var changed []*job.Occurrence
	for _, o := range pending {
		cj, ok := projections[o.JobID]
		if !ok {
			o.MarkTerminal(job.StatusFailed, "dispatch retry abandoned, job deleted", now)
			changed = append(changed, o)
			continue
		}

		err := d.pub.PublishDispatch(ctx, job.DispatchMessageFor(cj), o.ID, d.cfg.MaxRetryAttempts)
		if err != nil {
			d.log.Warn("Dispatch retry failed",
				"occurrence_id", o.ID,
				"attempt", o.DispatchRetryCount+1,
				"error", err)
			d.schedulePublishRetry(ctx, cj, o, err)
			changed = append(changed, o)
			continue
		}

		o.NextDispatchRetryAt = nil
		changed = append(changed, o)
		d.log.Info("Dispatch retry succeeded",
			"occurrence_id", o.ID,
			"attempt", o.DispatchRetryCount)
	}

	if err := d.occs.BulkUpdate(ctx, changed); err != nil {
		return fmt.Errorf("failed to persist retry sweep updates: %w", err)
	}
	return nil
}

// reschedule computes the next fire for a recurring job and rewrites its
// index score; one-time jobs leave the index. Invalid expressions purge the
// job from index and cache without touching the job record.
func (d *Dispatcher) reschedule(ctx context.Context, cj *job.CachedJob, now time.Time) {
	if !cj.IsRecurring() {
		_ = d.index.RemoveFromScheduledSet(ctx, cj.ID)
		_ = d.index.RemoveCachedJob(ctx, cj.ID)
		return
	}

	next, err := NextFire(cj.CronExpression, now)
	if err != nil {
		d.log.Error("Removing job with unusable cron expression from index",
			"job_id", cj.ID,
			"cron", cj.CronExpression,
			"error", err)
		_ = d.index.RemoveFromScheduledSet(ctx, cj.ID)
		_ = d.index.RemoveCachedJob(ctx, cj.ID)
		return
	}

	if err := d.index.AddToScheduledSet(ctx, cj.ID, next); err != nil {
		d.log.Error("Failed to reschedule job in time index", "job_id", cj.ID, "error", err)
		return
	}

	if err := d.jobs.UpdateExecuteAt(ctx, cj.ID, next); err != nil && !errors.Is(err, postgres.ErrNotFound) {
		d.log.Warn("Failed to persist next fire time", "job_id", cj.ID, "error", err)
	}

	d.log.Debug("Job rescheduled", "job_id", cj.ID, "next_fire", next.Format(time.RFC3339))
}
