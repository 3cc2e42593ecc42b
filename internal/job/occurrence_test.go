package job

import (
	"testing"
	"time"
)

func testCachedJob() *CachedJob {
	timeout := 30
	return &CachedJob{
		ID:                        "job-1",
		DisplayName:               "Send email",
		JobNameInWorker:           "sendemail",
		WorkerID:                  "emailers",
		IsActive:                  true,
		ConcurrentExecutionPolicy: PolicySkip,
		ExecutionTimeoutSeconds:   timeout,
		Version:                   4,
	}
}

func TestNewOccurrence(t *testing.T) {
	now := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	o := NewOccurrence(testCachedJob(), now)

	if o.ID == "" {
		t.Fatal("expected a minted correlation id")
	}
	if o.Status != StatusQueued {
		t.Errorf("new occurrence status = %s, want Queued", o.Status)
	}
	if o.JobVersion != 4 {
		t.Errorf("job version snapshot = %d, want 4", o.JobVersion)
	}
	if o.ExecutionTimeoutSeconds == nil || *o.ExecutionTimeoutSeconds != 30 {
		t.Error("expected execution timeout snapshot")
	}
	if len(o.Logs) != 1 {
		t.Fatalf("expected one initial log entry, got %d", len(o.Logs))
	}
	if o.Logs[0].Message == "" || o.Logs[0].Category != "Scheduler" {
		t.Errorf("unexpected initial log entry: %+v", o.Logs[0])
	}
}

func TestNewOccurrence_CorrelationIDsIncrease(t *testing.T) {
	now := time.Now().UTC()
	cj := testCachedJob()

	prev := NewOccurrence(cj, now)
	for i := 0; i < 50; i++ {
		next := NewOccurrence(cj, now)
		if next.ID <= prev.ID {
			t.Fatalf("correlation ids not strictly increasing: %s then %s", prev.ID, next.ID)
		}
		prev = next
	}
}

func TestRecordStatusChange_CapsAtLimit(t *testing.T) {
	o := &Occurrence{ID: "o1"}
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < MaxStatusChangeLogs+25; i++ {
		o.RecordStatusChange(StatusQueued, StatusRunning, base.Add(time.Duration(i)*time.Second))
	}

	if len(o.StatusChangeLogs) != MaxStatusChangeLogs {
		t.Fatalf("status change log length = %d, want %d", len(o.StatusChangeLogs), MaxStatusChangeLogs)
	}

	// Eviction drops the oldest entries: the first retained one is entry 25
	first := o.StatusChangeLogs[0]
	if !first.Timestamp.Equal(base.Add(25 * time.Second)) {
		t.Errorf("oldest retained entry at %v, want %v", first.Timestamp, base.Add(25*time.Second))
	}

	last := o.StatusChangeLogs[len(o.StatusChangeLogs)-1]
	if !last.Timestamp.Equal(base.Add(time.Duration(MaxStatusChangeLogs+24) * time.Second)) {
		t.Errorf("newest entry at %v", last.Timestamp)
	}
}

func TestMarkTerminal(t *testing.T) {
	now := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-90 * time.Second)

	o := &Occurrence{
		ID:        "o1",
		Status:    StatusRunning,
		CreatedAt: now.Add(-2 * time.Minute),
		StartTime: &start,
	}

	if !o.MarkTerminal(StatusUnknown, "worker heartbeat lost", now) {
		t.Fatal("expected transition to apply")
	}
	if o.Status != StatusUnknown {
		t.Errorf("status = %s, want Unknown", o.Status)
	}
	if o.EndTime == nil || !o.EndTime.Equal(now) {
		t.Error("expected end time to be set")
	}
	if o.DurationMs == nil || *o.DurationMs != 90_000 {
		t.Errorf("duration = %v, want 90000", o.DurationMs)
	}
	if o.Exception != "worker heartbeat lost" {
		t.Errorf("exception = %q", o.Exception)
	}
	if len(o.StatusChangeLogs) != 1 {
		t.Fatalf("expected one recorded transition, got %d", len(o.StatusChangeLogs))
	}

	// Terminal occurrences reject further transitions
	if o.MarkTerminal(StatusFailed, "late failure", now.Add(time.Minute)) {
		t.Error("expected terminal occurrence to reject a second transition")
	}
	if o.Status != StatusUnknown {
		t.Errorf("status overwritten to %s", o.Status)
	}
}

func TestMarkTerminal_RejectsNonTerminalTarget(t *testing.T) {
	o := &Occurrence{ID: "o1", Status: StatusQueued, CreatedAt: time.Now().UTC()}
	if o.MarkTerminal(StatusRunning, "", time.Now().UTC()) {
		t.Error("MarkTerminal must not apply non-terminal targets")
	}
}
