package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/metrics"
)

// processOutcomes runs the per-job auto-disable circuit breaker over the
// (job, failed/succeeded) pairs recorded by a flush.
func (t *Tracker) processOutcomes(ctx context.Context, outcomes []outcome) {
	if len(outcomes) == 0 {
		return
	}

	ids := make([]string, 0, len(outcomes))
	seen := make(map[string]bool, len(outcomes))
	for _, oc := range outcomes {
		if !seen[oc.jobID] {
			seen[oc.jobID] = true
			ids = append(ids, oc.jobID)
		}
	}

	jobs, err := t.jobs.GetByIDs(ctx, ids)
	if err != nil {
		t.log.Error("Failed to load jobs for auto-disable processing", "error", err)
		return
	}

	for _, oc := range outcomes {
		sj, ok := jobs[oc.jobID]
		if !ok {
			continue
		}

		switch {
		case oc.success:
			t.recordSuccess(ctx, sj)
		case oc.failed:
			t.recordFailure(ctx, sj, oc.exception)
		}
	}
}

// recordSuccess resets the consecutive failure counter. DisabledAt history
// is preserved.
func (t *Tracker) recordSuccess(ctx context.Context, sj *job.ScheduledJob) {
	if sj.AutoDisable.ConsecutiveFailureCount == 0 && sj.AutoDisable.LastFailureTime == nil {
		return
	}

	sj.AutoDisable.ConsecutiveFailureCount = 0
	sj.AutoDisable.LastFailureTime = nil

	if err := t.jobs.UpdateAutoDisable(ctx, sj.ID, sj.AutoDisable, sj.IsActive); err != nil {
		t.log.Warn("Failed to reset failure counter", "job_id", sj.ID, "error", err)
	}
}

// recordFailure advances the failure window and disables the job once the
// threshold is reached. Jobs with auto-disable turned off still track
// failures but are never disabled.
func (t *Tracker) recordFailure(ctx context.Context, sj *job.ScheduledJob, exception string) {
	now := time.Now().UTC()

	// A previous failure older than the window starts a fresh streak
	if sj.AutoDisable.LastFailureTime != nil &&
		now.Sub(*sj.AutoDisable.LastFailureTime) <= t.autoCfg.FailureWindow {
		sj.AutoDisable.ConsecutiveFailureCount++
	} else {
		sj.AutoDisable.ConsecutiveFailureCount = 1
	}
	failedAt := now
	sj.AutoDisable.LastFailureTime = &failedAt

	threshold := t.autoCfg.ConsecutiveFailureThreshold
	if sj.AutoDisable.Threshold != nil {
		threshold = *sj.AutoDisable.Threshold
	}

	enabled := t.autoCfg.Enabled
	if sj.AutoDisable.Enabled != nil {
		enabled = *sj.AutoDisable.Enabled
	}

	shouldDisable := enabled && sj.IsActive && sj.AutoDisable.ConsecutiveFailureCount >= threshold

	if shouldDisable {
		disabledAt := now
		sj.IsActive = false
		sj.AutoDisable.DisabledAt = &disabledAt
		sj.AutoDisable.DisableReason = fmt.Sprintf(
			"auto-disabled after %d consecutive failures; last exception: %s",
			sj.AutoDisable.ConsecutiveFailureCount,
			job.TruncateException(exception))
	}

	if err := t.jobs.UpdateAutoDisable(ctx, sj.ID, sj.AutoDisable, sj.IsActive); err != nil {
		t.log.Error("Failed to persist failure breaker state", "job_id", sj.ID, "error", err)
		return
	}

	if shouldDisable {
		metrics.Default().JobsAutoDisabledTotal.Inc()
		t.log.Warn("Job auto-disabled by failure circuit breaker",
			"job_id", sj.ID,
			"display_name", sj.DisplayName,
			"failures", sj.AutoDisable.ConsecutiveFailureCount,
			"threshold", threshold)

		// No further dispatches: purge from the time index and cache
		if err := t.markers.RemoveFromScheduledSet(ctx, sj.ID); err != nil {
			t.log.Warn("Failed to remove disabled job from index", "job_id", sj.ID, "error", err)
		}
		if err := t.markers.RemoveCachedJob(ctx, sj.ID); err != nil {
			t.log.Warn("Failed to evict disabled job from cache", "job_id", sj.ID, "error", err)
		}
	}
}
