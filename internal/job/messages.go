package job

import (
	"time"
)

// DispatchMessage is the body published on the jobs topic exchange with
// routing key "{jobNameInWorker}.{occurrenceId}". Headers carry the
// correlation id and max retries.
type DispatchMessage struct {
	ID                      string `json:"id"`
	DisplayName             string `json:"display_name"`
	JobNameInWorker         string `json:"job_name_in_worker"`
	JobData                 string `json:"job_data,omitempty"`
	WorkerID                string `json:"worker_id,omitempty"`
	ExecutionTimeoutSeconds int    `json:"execution_timeout_seconds,omitempty"`
	Version                 int    `json:"version"`
}

// DispatchMessageFor builds the dispatch body from a cached job projection
func DispatchMessageFor(j *CachedJob) DispatchMessage {
	return DispatchMessage{
		ID:                      j.ID,
		DisplayName:             j.DisplayName,
		JobNameInWorker:         j.JobNameInWorker,
		JobData:                 j.JobData,
		WorkerID:                j.WorkerID,
		ExecutionTimeoutSeconds: j.ExecutionTimeoutSeconds,
		Version:                 j.Version,
	}
}

// StatusUpdate is the worker -> scheduler occurrence transition message.
// A Status=Running message with no timing, result, or exception fields is a
// heartbeat.
type StatusUpdate struct {
	CorrelationID string           `json:"correlation_id"`
	JobID         string           `json:"job_id"`
	WorkerID      string           `json:"worker_id,omitempty"`
	Status        OccurrenceStatus `json:"status"`
	StartTime     *time.Time       `json:"start_time,omitempty"`
	EndTime       *time.Time       `json:"end_time,omitempty"`
	DurationMs    *int64           `json:"duration_ms,omitempty"`
	Result        string           `json:"result,omitempty"`
	Exception     string           `json:"exception,omitempty"`
}

// IsHeartbeat reports whether the update is a Running heartbeat: no start,
// end, duration, result, or exception set. JobID and WorkerID are not checked.
func (u *StatusUpdate) IsHeartbeat() bool {
	return u.Status == StatusRunning &&
		u.StartTime == nil && u.EndTime == nil && u.DurationMs == nil &&
		u.Result == "" && u.Exception == ""
}

// WorkerLogMessage carries one worker-emitted log line tagged by correlation id
type WorkerLogMessage struct {
	CorrelationID string        `json:"correlation_id"`
	Log           OccurrenceLog `json:"log"`
}

// ConsumerJobConfig is the per-job-type configuration a worker announces
// at registration.
type ConsumerJobConfig struct {
	JobType                 string `json:"job_type"`
	ConsumerID              string `json:"consumer_id,omitempty"`
	MaxParallelJobs         int    `json:"max_parallel_jobs,omitempty"`
	ExecutionTimeoutSeconds int    `json:"execution_timeout_seconds,omitempty"`
}

// WorkerRegistration announces a worker instance and its capabilities
type WorkerRegistration struct {
	WorkerID        string              `json:"worker_id"`
	InstanceID      string              `json:"instance_id"`
	HostName        string              `json:"host_name,omitempty"`
	IPAddress       string              `json:"ip_address,omitempty"`
	Version         string              `json:"version,omitempty"`
	MaxParallelJobs int                 `json:"max_parallel_jobs,omitempty"`
	RoutingPatterns map[string]string   `json:"routing_patterns,omitempty"`
	JobConfigs      []ConsumerJobConfig `json:"job_configs,omitempty"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

// WorkerHeartbeat refreshes an instance's liveness and load
type WorkerHeartbeat struct {
	WorkerID    string `json:"worker_id"`
	InstanceID  string `json:"instance_id"`
	CurrentJobs int    `json:"current_jobs"`
}

// WorkerInstance is one live process inside a logical worker group
type WorkerInstance struct {
	InstanceID    string    `json:"instance_id"`
	HostName      string    `json:"host_name,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	CurrentJobs   int       `json:"current_jobs"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	Status        string    `json:"status,omitempty"`
}

// Worker is the ephemeral aggregate stored in the worker registry.
// Aggregate CurrentJobs is the sum across instances.
type Worker struct {
	WorkerID        string                       `json:"worker_id"`
	Instances       map[string]*WorkerInstance   `json:"instances"`
	MaxParallelJobs int                          `json:"max_parallel_jobs,omitempty"`
	JobConfigs      map[string]ConsumerJobConfig `json:"job_configs,omitempty"`
	RoutingPatterns map[string]string            `json:"routing_patterns,omitempty"`
}

// CurrentJobs returns the aggregate in-flight job count across instances
func (w *Worker) CurrentJobs() int {
	total := 0
	for _, inst := range w.Instances {
		total += inst.CurrentJobs
	}
	return total
}
