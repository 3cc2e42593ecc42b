package job

import (
	"time"
)

// MaxStatusChangeLogs caps the per-occurrence status transition history.
// The cap evicts oldest entries; it is not a sliding window.
const MaxStatusChangeLogs = 100

// OccurrenceLog is a single worker-emitted log line attached to an occurrence
type OccurrenceLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// StatusChange records one status transition on an occurrence
type StatusChange struct {
	Timestamp time.Time        `json:"timestamp"`
	From      OccurrenceStatus `json:"from"`
	To        OccurrenceStatus `json:"to"`
}

// Occurrence is a single execution attempt of a scheduled job. Its ID doubles
// as the correlation id threading dispatch message, worker status updates,
// logs, and DLQ records.
type Occurrence struct {
	// ID equals the correlation id and is time-ordered
	ID string `json:"id"`
	// JobID references the ScheduledJob that produced this occurrence
	JobID string `json:"job_id"`
	// JobName is the worker-side handler name, snapshotted at dispatch
	JobName string `json:"job_name"`
	// JobVersion snapshots ScheduledJob.Version at dispatch and never changes
	JobVersion int `json:"job_version"`
	// WorkerID is the logical worker group, filled in by status updates
	WorkerID string `json:"worker_id,omitempty"`
	// Status follows the occurrence state machine
	Status OccurrenceStatus `json:"status"`

	CreatedAt     time.Time  `json:"created_at"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
	Result        string     `json:"result,omitempty"`
	Exception     string     `json:"exception,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// DispatchRetryCount counts scheduler-side publish attempts
	DispatchRetryCount int `json:"dispatch_retry_count"`
	// NextDispatchRetryAt schedules the next publish retry after a failure
	NextDispatchRetryAt *time.Time `json:"next_dispatch_retry_at,omitempty"`

	Logs             []OccurrenceLog `json:"logs,omitempty"`
	StatusChangeLogs []StatusChange  `json:"status_change_logs,omitempty"`

	// ZombieTimeoutMinutes and ExecutionTimeoutSeconds are snapshotted from the job
	ZombieTimeoutMinutes    *int `json:"zombie_timeout_minutes,omitempty"`
	ExecutionTimeoutSeconds *int `json:"execution_timeout_seconds,omitempty"`
}

// NewOccurrence creates a Queued occurrence for a dispatch of the given job,
// with a freshly minted correlation id and an initial "dispatched" log entry.
func NewOccurrence(j *CachedJob, now time.Time) *Occurrence {
	o := &Occurrence{
		ID:         NewID(),
		JobID:      j.ID,
		JobName:    j.JobNameInWorker,
		JobVersion: j.Version,
		WorkerID:   j.WorkerID,
		Status:     StatusQueued,
		CreatedAt:  now,
	}

	if j.ZombieTimeoutMinutes != nil {
		v := *j.ZombieTimeoutMinutes
		o.ZombieTimeoutMinutes = &v
	}
	if j.ExecutionTimeoutSeconds > 0 {
		v := j.ExecutionTimeoutSeconds
		o.ExecutionTimeoutSeconds = &v
	}

	o.AppendLog(OccurrenceLog{
		Timestamp: now,
		Level:     "Information",
		Message:   "Occurrence dispatched by scheduler",
		Category:  "Scheduler",
	})

	return o
}

// AppendLog appends a worker or scheduler log line to the occurrence
func (o *Occurrence) AppendLog(entry OccurrenceLog) {
	o.Logs = append(o.Logs, entry)
}

// RecordStatusChange appends a transition to the bounded status history,
// evicting oldest entries beyond MaxStatusChangeLogs.
func (o *Occurrence) RecordStatusChange(from, to OccurrenceStatus, at time.Time) {
	o.StatusChangeLogs = append(o.StatusChangeLogs, StatusChange{
		Timestamp: at,
		From:      from,
		To:        to,
	})

	if excess := len(o.StatusChangeLogs) - MaxStatusChangeLogs; excess > 0 {
		o.StatusChangeLogs = o.StatusChangeLogs[excess:]
	}
}

// MarkTerminal transitions the occurrence to a terminal status with bookkeeping.
// It is a no-op when the occurrence is already terminal.
func (o *Occurrence) MarkTerminal(status OccurrenceStatus, reason string, at time.Time) bool {
	if o.Status.IsFinal() || !status.IsFinal() {
		return false
	}

	o.RecordStatusChange(o.Status, status, at)
	o.Status = status
	if o.EndTime == nil {
		end := at
		o.EndTime = &end
	}
	if o.DurationMs == nil {
		var since time.Time
		if o.StartTime != nil {
			since = *o.StartTime
		} else {
			since = o.CreatedAt
		}
		d := at.Sub(since).Milliseconds()
		o.DurationMs = &d
	}
	if reason != "" {
		o.Exception = reason
	}

	return true
}
