package job

import (
	"strings"
	"testing"
)

func TestTruncateException_UnderLimit(t *testing.T) {
	text := strings.Repeat("a", 100)
	if got := TruncateException(text); got != text {
		t.Error("short text must pass through unchanged")
	}
}

func TestTruncateException_ExactLimitNotMarked(t *testing.T) {
	text := strings.Repeat("a", ExceptionLimit)
	got := TruncateException(text)
	if got != text {
		t.Error("text exactly at the limit must not be truncated")
	}
	if strings.Contains(got, "truncated") {
		t.Error("text at the limit must not carry a truncation marker")
	}
}

func TestTruncateException_OverLimit(t *testing.T) {
	text := strings.Repeat("x", 5000)
	got := TruncateException(text)

	if len(got) > ExceptionLimit+100 {
		t.Errorf("truncated length %d exceeds limit plus marker", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Error("expected truncation marker")
	}
	if !strings.Contains(got, "5000") {
		t.Error("marker must record the original size")
	}
}

func TestTruncateException_PrefersNewlineCut(t *testing.T) {
	// A newline just inside the limit, in the second half of the retained
	// region, becomes the cut point
	line := strings.Repeat("y", 2999)
	text := line + "\n" + strings.Repeat("z", 3000)

	got := TruncateException(text)
	kept := got[:strings.Index(got, "\n... [truncated")]
	if len(kept) != 2999 {
		t.Errorf("kept %d bytes, want cut at the newline (2999)", len(kept))
	}
	if strings.Contains(kept, "z") {
		t.Error("content past the newline cut must be dropped")
	}
}

func TestTruncateException_IgnoresEarlyNewline(t *testing.T) {
	// The only newline falls in the first half, so the cut stays at the
	// byte boundary
	text := "header\n" + strings.Repeat("w", 6000)

	got := TruncateException(text)
	kept := got[:strings.Index(got, "\n... [truncated")]
	if len(kept) != ExceptionLimit {
		t.Errorf("kept %d bytes, want %d", len(kept), ExceptionLimit)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name       string
		status     OccurrenceStatus
		exception  string
		retryCount int
		maxRetries int
		want       FailureType
	}{
		{"retries exhausted", StatusFailed, "boom", 3, 3, FailureMaxRetriesExceeded},
		{"retries exhausted beats status", StatusTimedOut, "", 5, 5, FailureMaxRetriesExceeded},
		{"timed out", StatusTimedOut, "", 0, 5, FailureTimeout},
		{"cancelled", StatusCancelled, "", 0, 5, FailureCancelled},
		{"worker crash", StatusUnknown, "", 0, 5, FailureWorkerCrash},
		{"zombie", StatusFailed, "Zombie occurrence: never consumed", 0, 5, FailureZombieDetection},
		{"unhandled", StatusFailed, "NullReferenceException", 0, 5, FailureUnhandledException},
		{"queued fallback", StatusQueued, "", 0, 5, FailureUnhandledException},
		{"retry below max", StatusFailed, "boom", 2, 5, FailureUnhandledException},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyFailure(tc.status, tc.exception, tc.retryCount, tc.maxRetries)
			if got != tc.want {
				t.Errorf("ClassifyFailure = %s, want %s", got, tc.want)
			}
		})
	}
}
