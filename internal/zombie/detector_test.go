package zombie

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/milvasoft/milvaion/internal/config"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/redisstore"
)

type fakeOccsStore struct {
	mu      sync.Mutex
	queued  []*job.Occurrence
	lost    []*job.Occurrence
	updated []*job.Occurrence
}

func (s *fakeOccsStore) ListQueuedZombies(ctx context.Context, globalTimeoutMinutes int) ([]*job.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued, nil
}

func (s *fakeOccsStore) ListLostRunning(ctx context.Context, globalTimeoutMinutes int) ([]*job.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost, nil
}

func (s *fakeOccsStore) BulkUpdate(ctx context.Context, occurrences []*job.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, occurrences...)
	return nil
}

func newTestDetector(t *testing.T) (*Detector, *fakeOccsStore, *redisstore.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := redisstore.NewClient(rdb, redisstore.Options{})
	occs := &fakeOccsStore{}

	d := New(config.ZombieConfig{CheckInterval: time.Minute, ZombieTimeoutMinutes: 10}, occs, client)
	return d, occs, client
}

func TestSweep_QueuedZombie(t *testing.T) {
	d, occs, client := newTestDetector(t)
	ctx := context.Background()

	occ := &job.Occurrence{
		ID:        "c1",
		JobID:     "j1",
		JobName:   "sendemail",
		Status:    job.StatusQueued,
		CreatedAt: time.Now().UTC().Add(-30 * time.Minute),
	}
	occs.queued = []*job.Occurrence{occ}

	if _, err := client.TryMarkJobAsRunning(ctx, "j1", "c1"); err != nil {
		t.Fatalf("TryMarkJobAsRunning: %v", err)
	}

	if err := d.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if occ.Status != job.StatusUnknown {
		t.Errorf("status = %s, want Unknown", occ.Status)
	}
	if occ.EndTime == nil {
		t.Error("end time not set")
	}
	if occ.DurationMs == nil {
		t.Error("duration not computed")
	}
	if !strings.Contains(occ.Exception, "never consumed") {
		t.Errorf("exception = %q", occ.Exception)
	}

	if len(occs.updated) != 1 {
		t.Errorf("bulk updated = %d, want 1", len(occs.updated))
	}

	running, err := client.GetRunningJobIDs(ctx, []string{"j1"})
	if err != nil {
		t.Fatalf("GetRunningJobIDs: %v", err)
	}
	if running["j1"] {
		t.Error("running marker not cleared")
	}
}

func TestSweep_LostRunning(t *testing.T) {
	d, occs, client := newTestDetector(t)
	ctx := context.Background()

	lastBeat := time.Now().UTC().Add(-20 * time.Minute)
	occ := &job.Occurrence{
		ID:            "c2",
		JobID:         "j2",
		JobName:       "resize",
		Status:        job.StatusRunning,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		LastHeartbeat: &lastBeat,
	}
	occs.lost = []*job.Occurrence{occ}

	if _, err := client.TryMarkJobAsRunning(ctx, "j2", "c2"); err != nil {
		t.Fatalf("TryMarkJobAsRunning: %v", err)
	}

	if err := d.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if occ.Status != job.StatusUnknown {
		t.Errorf("status = %s, want Unknown", occ.Status)
	}
	// The worker's last-known state is kept as context
	if !strings.Contains(occ.Exception, "Running") {
		t.Errorf("exception lost last-known status context: %q", occ.Exception)
	}
	if !strings.Contains(occ.Exception, lastBeat.Format(time.RFC3339)) {
		t.Errorf("exception lost last heartbeat: %q", occ.Exception)
	}

	running, err := client.GetRunningJobIDs(ctx, []string{"j2"})
	if err != nil {
		t.Fatalf("GetRunningJobIDs: %v", err)
	}
	if running["j2"] {
		t.Error("running marker not cleared")
	}
}

func TestSweep_NothingToDo(t *testing.T) {
	d, occs, _ := newTestDetector(t)

	if err := d.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(occs.updated) != 0 {
		t.Error("empty sweep must not touch the store")
	}
}

func TestSweep_AlreadyTerminalSkipped(t *testing.T) {
	d, occs, _ := newTestDetector(t)

	occ := &job.Occurrence{
		ID:        "c1",
		JobID:     "j1",
		Status:    job.StatusCompleted,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	occs.queued = []*job.Occurrence{occ}

	if err := d.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if occ.Status != job.StatusCompleted {
		t.Errorf("terminal occurrence mutated to %s", occ.Status)
	}
	if len(occs.updated) != 0 {
		t.Error("terminal occurrence must not be re-persisted")
	}
}
