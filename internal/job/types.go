// Package job defines the durable entities and message contracts of the
// scheduling control plane.
package job

import (
	"time"

	"github.com/google/uuid"
)

// OccurrenceStatus represents the current status of a job occurrence.
// The integer values are part of the wire contract with workers.
type OccurrenceStatus int

const (
	// StatusQueued indicates the occurrence has been dispatched but not picked up
	StatusQueued OccurrenceStatus = 0
	// StatusRunning indicates a worker is executing the occurrence
	StatusRunning OccurrenceStatus = 1
	// StatusCompleted indicates the occurrence finished successfully
	StatusCompleted OccurrenceStatus = 2
	// StatusFailed indicates the occurrence failed and will not be retried
	StatusFailed OccurrenceStatus = 3
	// StatusCancelled indicates the occurrence was cancelled by a user
	StatusCancelled OccurrenceStatus = 4
	// StatusTimedOut indicates the worker aborted the occurrence at its execution timeout
	StatusTimedOut OccurrenceStatus = 5
	// StatusUnknown indicates the occurrence was reconciled after its worker disappeared
	StatusUnknown OccurrenceStatus = 6
)

// String returns the human-readable name of the status
func (s OccurrenceStatus) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusTimedOut:
		return "TimedOut"
	case StatusUnknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// IsFinal reports whether the status is terminal. Terminal occurrences accept
// no further status changes, only log appends and late exception clearing.
func (s OccurrenceStatus) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is valid.
// Queued may move to any state (fast jobs can report a terminal status before
// the Running update is observed); Running may move to Running (heartbeat) or
// any terminal state; terminal states accept nothing.
func (s OccurrenceStatus) CanTransitionTo(next OccurrenceStatus) bool {
	if s.IsFinal() {
		return false
	}
	if s == StatusQueued {
		return next != StatusQueued
	}
	// Running
	return next == StatusRunning || next.IsFinal()
}

// ConcurrentExecutionPolicy controls what happens when a job becomes due
// while a previous occurrence is still running.
type ConcurrentExecutionPolicy string

const (
	// PolicySkip skips the dispatch; the job becomes due again on its next cron fire
	PolicySkip ConcurrentExecutionPolicy = "Skip"
	// PolicyQueue dispatches regardless; occurrences pile up behind the worker
	PolicyQueue ConcurrentExecutionPolicy = "Queue"
)

// AutoDisableSettings holds the per-job circuit breaker state for
// automatically disabling jobs that fail repeatedly.
type AutoDisableSettings struct {
	// Enabled overrides the global setting; nil means use the global default
	Enabled *bool `json:"enabled,omitempty"`
	// Threshold is the consecutive-failure count that trips the breaker; nil means global default
	Threshold *int `json:"threshold,omitempty"`
	// ConsecutiveFailureCount tracks failures within the rolling window
	ConsecutiveFailureCount int `json:"consecutive_failure_count"`
	// LastFailureTime is when the most recent failure was recorded
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	// DisabledAt is when the breaker disabled the job (kept as history after reset)
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	// DisableReason embeds the truncated exception of the failure that tripped the breaker
	DisableReason string `json:"disable_reason,omitempty"`
}

// ScheduledJob is the durable job definition owned by the scheduler.
type ScheduledJob struct {
	// ID is a time-ordered 128-bit identifier, immutable after creation
	ID string `json:"id"`
	// DisplayName is the human-readable job name
	DisplayName string `json:"display_name"`
	// JobNameInWorker routes the dispatch to a handler inside a worker
	JobNameInWorker string `json:"job_name_in_worker"`
	// WorkerID is the logical worker group expected to execute the job
	WorkerID string `json:"worker_id,omitempty"`
	// JobData is the opaque payload handed to the worker
	JobData string `json:"job_data,omitempty"`
	// CronExpression is an optional 5- or 6-field expression, interpreted in UTC
	CronExpression string `json:"cron_expression,omitempty"`
	// ExecuteAt is the next scheduled fire time in UTC
	ExecuteAt time.Time `json:"execute_at"`
	// IsActive gates dispatch; inactive jobs are purged from the time index
	IsActive bool `json:"is_active"`
	// ConcurrentExecutionPolicy is Skip or Queue
	ConcurrentExecutionPolicy ConcurrentExecutionPolicy `json:"concurrent_execution_policy"`
	// ExecutionTimeoutSeconds is enforced by workers
	ExecutionTimeoutSeconds int `json:"execution_timeout_seconds,omitempty"`
	// ZombieTimeoutMinutes optionally overrides the global zombie timeout
	ZombieTimeoutMinutes *int `json:"zombie_timeout_minutes,omitempty"`
	// RoutingPattern is the queue binding derived from JobNameInWorker
	RoutingPattern string `json:"routing_pattern,omitempty"`
	// Version increments on any mutation that affects execution semantics
	Version int `json:"version"`
	// AutoDisable holds the per-job failure circuit breaker state
	AutoDisable AutoDisableSettings `json:"auto_disable_settings"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// CachedJob is the projection of a ScheduledJob cached in Redis for dispatch.
// It deliberately omits ExecuteAt: the time index is the single source of
// truth for fire times.
type CachedJob struct {
	ID                        string                    `json:"id"`
	DisplayName               string                    `json:"display_name"`
	JobNameInWorker           string                    `json:"job_name_in_worker"`
	WorkerID                  string                    `json:"worker_id,omitempty"`
	JobData                   string                    `json:"job_data,omitempty"`
	CronExpression            string                    `json:"cron_expression,omitempty"`
	IsActive                  bool                      `json:"is_active"`
	ConcurrentExecutionPolicy ConcurrentExecutionPolicy `json:"concurrent_execution_policy"`
	ExecutionTimeoutSeconds   int                       `json:"execution_timeout_seconds,omitempty"`
	ZombieTimeoutMinutes      *int                      `json:"zombie_timeout_minutes,omitempty"`
	RoutingPattern            string                    `json:"routing_pattern,omitempty"`
	Version                   int                       `json:"version"`

	// ExecuteAt is populated from the time index after a bulk score read,
	// never from the cache blob itself.
	ExecuteAt time.Time `json:"-"`
}

// Projection returns the cacheable dispatch projection of the job
func (j *ScheduledJob) Projection() CachedJob {
	return CachedJob{
		ID:                        j.ID,
		DisplayName:               j.DisplayName,
		JobNameInWorker:           j.JobNameInWorker,
		WorkerID:                  j.WorkerID,
		JobData:                   j.JobData,
		CronExpression:            j.CronExpression,
		IsActive:                  j.IsActive,
		ConcurrentExecutionPolicy: j.ConcurrentExecutionPolicy,
		ExecutionTimeoutSeconds:   j.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:      j.ZombieTimeoutMinutes,
		RoutingPattern:            j.RoutingPattern,
		Version:                   j.Version,
	}
}

// IsRecurring reports whether the job has a cron expression
func (j *CachedJob) IsRecurring() bool {
	return j.CronExpression != ""
}

// NewID mints a time-ordered 128-bit identifier. UUIDv7 embeds a millisecond
// timestamp, so ids minted in sequence sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails when the entropy source does; fall back to v4
		return uuid.NewString()
	}
	return id.String()
}

// RoutingPatternFor derives the queue binding pattern for a worker job name,
// e.g. "sendemail" -> "sendemail.*".
func RoutingPatternFor(jobNameInWorker string) string {
	return jobNameInWorker + ".*"
}
