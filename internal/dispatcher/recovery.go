package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/milvasoft/milvaion/internal/job"
)

// startupGracePeriod bounds how old a Queued/Running occurrence must be
// before the restart sweep fails it.
const startupGracePeriod = 2 * time.Minute

// StoreReadinessFunc blocks until the relational store answers. Nil skips
// the wait.
type StoreReadinessFunc func(ctx context.Context) error

// SetStoreReadiness installs the wait-for-store hook used by startup
// recovery. Must be called before Start.
func (d *Dispatcher) SetStoreReadiness(f StoreReadinessFunc) {
	d.waitStore = f
}

// runStartupRecovery reconciles the time index against durable state before
// the first iteration:
//  1. wait for the store,
//  2. drop index entries whose job is gone or inactive,
//  3. fail Queued/Running occurrences older than the grace period,
//  4. ensure every active job sits in the index at its ExecuteAt and warm
//     the projection cache.
//
// The whole procedure is idempotent; re-running it yields the same state.
func (d *Dispatcher) runStartupRecovery(ctx context.Context) error {
	d.log.Info("Running startup recovery")

	if d.waitStore != nil {
		if err := d.waitStore(ctx); err != nil {
			return fmt.Errorf("store never became reachable: %w", err)
		}
	}

	if err := d.reconcileIndex(ctx); err != nil {
		return err
	}

	if err := d.sweepStaleOccurrences(ctx); err != nil {
		return err
	}

	if err := d.repopulateIndex(ctx); err != nil {
		return err
	}

	d.log.Info("Startup recovery complete")
	return nil
}

// reconcileIndex removes index entries for jobs deleted or disabled while
// the scheduler was down.
func (d *Dispatcher) reconcileIndex(ctx context.Context) error {
	indexed, err := d.index.GetScheduledJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list time index: %w", err)
	}
	if len(indexed) == 0 {
		return nil
	}

	stored, err := d.jobs.GetByIDs(ctx, indexed)
	if err != nil {
		return fmt.Errorf("failed to load indexed jobs: %w", err)
	}

	removed := 0
	for _, id := range indexed {
		sj, ok := stored[id]
		if ok && sj.IsActive {
			continue
		}

		_ = d.index.RemoveFromScheduledSet(ctx, id)
		_ = d.index.RemoveCachedJob(ctx, id)
		removed++
	}

	if removed > 0 {
		d.log.Info("Reconciled time index", "indexed", len(indexed), "removed", removed)
	}
	return nil
}

// sweepStaleOccurrences fails Queued/Running occurrences older than the
// grace period. Their workers did not survive the restart window.
func (d *Dispatcher) sweepStaleOccurrences(ctx context.Context) error {
	now := time.Now().UTC()

	stale, err := d.occs.ListStaleStartup(ctx, now.Add(-startupGracePeriod))
	if err != nil {
		return fmt.Errorf("failed to load stale occurrences: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	for _, o := range stale {
		o.MarkTerminal(job.StatusFailed, "system restart", now)
		_ = d.index.MarkJobAsCompleted(ctx, o.JobID)
	}

	if err := d.occs.BulkUpdate(ctx, stale); err != nil {
		return fmt.Errorf("failed to fail stale occurrences: %w", err)
	}

	d.log.Info("Failed stale occurrences from before restart", "count", len(stale))
	return nil
}

// repopulateIndex ensures every active job is present in the index at its
// stored ExecuteAt and warms the projection cache.
func (d *Dispatcher) repopulateIndex(ctx context.Context) error {
	active, err := d.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	ids := make([]string, len(active))
	for i, sj := range active {
		ids[i] = sj.ID
	}

	scores, err := d.index.GetScheduledTimesBulk(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to read index scores: %w", err)
	}

	repopulated := 0
	for _, sj := range active {
		want := sj.ExecuteAt.UTC().Truncate(time.Second)
		have, present := scores[sj.ID]

		if !present || !have.Equal(want) {
			if err := d.index.AddToScheduledSet(ctx, sj.ID, want); err != nil {
				return fmt.Errorf("failed to repopulate job %s: %w", sj.ID, err)
			}
			repopulated++
		}

		cj := sj.Projection()
		if err := d.index.CacheJobDetails(ctx, &cj); err != nil {
			d.log.Debug("Failed to warm job cache", "job_id", sj.ID, "error", err)
		}
	}

	d.log.Info("Repopulated time index", "active_jobs", len(active), "rewritten", repopulated)
	return nil
}
