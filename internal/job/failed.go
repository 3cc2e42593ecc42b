package job

import (
	"fmt"
	"strings"
	"time"
)

// FailureType classifies why an occurrence ended up on the dead-letter queue
type FailureType string

const (
	FailureMaxRetriesExceeded FailureType = "MaxRetriesExceeded"
	FailureTimeout            FailureType = "Timeout"
	FailureCancelled          FailureType = "Cancelled"
	FailureWorkerCrash        FailureType = "WorkerCrash"
	FailureZombieDetection    FailureType = "ZombieDetection"
	FailureUnhandledException FailureType = "UnhandledException"
)

// FailedOccurrence is the durable record of a dead-lettered occurrence,
// kept for operator review and resolution.
type FailedOccurrence struct {
	ID             string `json:"id"`
	JobID          string `json:"job_id"`
	OccurrenceID   string `json:"occurrence_id"`
	CorrelationID  string `json:"correlation_id"`
	JobDisplayName string `json:"job_display_name"`
	JobNameInWorker string `json:"job_name_in_worker"`
	WorkerID       string `json:"worker_id,omitempty"`
	JobData        string `json:"job_data,omitempty"`
	// Exception is truncated to ExceptionLimit with a marker appended
	Exception         string      `json:"exception"`
	FailedAt          time.Time   `json:"failed_at"`
	RetryCount        int         `json:"retry_count"`
	FailureType       FailureType `json:"failure_type"`
	OriginalExecuteAt *time.Time  `json:"original_execute_at,omitempty"`

	Resolved         bool       `json:"resolved"`
	ResolutionNote   string     `json:"resolution_note,omitempty"`
	ResolutionAction string     `json:"resolution_action,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// ExceptionLimit is the maximum retained exception length in bytes
const ExceptionLimit = 3072

// TruncateException bounds exception text to ExceptionLimit bytes. The cut
// prefers the last newline in the retained region when it falls in the second
// half, so stack traces break on a frame boundary. Text at or under the limit
// is returned unchanged, without a marker.
func TruncateException(text string) string {
	if len(text) <= ExceptionLimit {
		return text
	}

	kept := ExceptionLimit
	if idx := strings.LastIndexByte(text[:ExceptionLimit], '\n'); idx >= ExceptionLimit/2 {
		kept = idx
	}

	return text[:kept] + fmt.Sprintf("\n... [truncated — original %d chars, kept %d]", len(text), kept)
}

// ClassifyFailure maps a dead-lettered occurrence onto a FailureType.
// Retry exhaustion wins over status-derived classification.
func ClassifyFailure(status OccurrenceStatus, exception string, retryCount, maxRetries int) FailureType {
	if retryCount > 0 && retryCount >= maxRetries {
		return FailureMaxRetriesExceeded
	}

	switch status {
	case StatusTimedOut:
		return FailureTimeout
	case StatusCancelled:
		return FailureCancelled
	case StatusUnknown:
		return FailureWorkerCrash
	case StatusFailed:
		if strings.Contains(strings.ToLower(exception), "zombie") {
			return FailureZombieDetection
		}
		return FailureUnhandledException
	default:
		return FailureUnhandledException
	}
}
