package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/milvasoft/milvaion/internal/job"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewClient(rdb, Options{}), mr
}

func TestScheduledSet_AddAndGetDue(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := client.AddToScheduledSet(ctx, "past", now.Add(-time.Minute)); err != nil {
		t.Fatalf("AddToScheduledSet: %v", err)
	}
	if err := client.AddToScheduledSet(ctx, "due", now); err != nil {
		t.Fatalf("AddToScheduledSet: %v", err)
	}
	if err := client.AddToScheduledSet(ctx, "future", now.Add(time.Hour)); err != nil {
		t.Fatalf("AddToScheduledSet: %v", err)
	}

	due, err := client.GetDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("GetDueJobs: %v", err)
	}

	if len(due) != 2 {
		t.Fatalf("due jobs = %v, want [past due]", due)
	}
	if due[0] != "past" || due[1] != "due" {
		t.Errorf("due jobs out of score order: %v", due)
	}
}

func TestScheduledSet_GetDueJobsHonorsLimit(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		if err := client.AddToScheduledSet(ctx, id, now.Add(-time.Second)); err != nil {
			t.Fatalf("AddToScheduledSet: %v", err)
		}
	}

	due, err := client.GetDueJobs(ctx, now, 2)
	if err != nil {
		t.Fatalf("GetDueJobs: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("due jobs = %d, want 2", len(due))
	}
}

func TestScheduledSet_RemoveIsIdempotent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.AddToScheduledSet(ctx, "j1", time.Now()); err != nil {
		t.Fatalf("AddToScheduledSet: %v", err)
	}
	if err := client.RemoveFromScheduledSet(ctx, "j1"); err != nil {
		t.Fatalf("RemoveFromScheduledSet: %v", err)
	}
	if err := client.RemoveFromScheduledSet(ctx, "j1"); err != nil {
		t.Fatalf("second RemoveFromScheduledSet: %v", err)
	}

	ids, err := client.GetScheduledJobIDs(ctx)
	if err != nil {
		t.Fatalf("GetScheduledJobIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("index not empty after removal: %v", ids)
	}
}

func TestGetScheduledTimesBulk(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	at := time.Date(2030, 6, 1, 12, 30, 0, 0, time.UTC)
	if err := client.AddToScheduledSet(ctx, "j1", at); err != nil {
		t.Fatalf("AddToScheduledSet: %v", err)
	}

	times, err := client.GetScheduledTimesBulk(ctx, []string{"j1", "missing"})
	if err != nil {
		t.Fatalf("GetScheduledTimesBulk: %v", err)
	}

	if got, ok := times["j1"]; !ok || !got.Equal(at) {
		t.Errorf("j1 time = %v, want %v", got, at)
	}
	if _, ok := times["missing"]; ok {
		t.Error("missing jobs must be omitted from the result")
	}
}

func TestJobCache_RoundTripAndEvict(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	cj := &job.CachedJob{
		ID:                        "j1",
		DisplayName:               "Send email",
		JobNameInWorker:           "sendemail",
		ConcurrentExecutionPolicy: job.PolicySkip,
		IsActive:                  true,
		Version:                   2,
	}

	if err := client.CacheJobDetails(ctx, cj); err != nil {
		t.Fatalf("CacheJobDetails: %v", err)
	}

	loaded, err := client.GetCachedJobsBulk(ctx, []string{"j1", "missing"})
	if err != nil {
		t.Fatalf("GetCachedJobsBulk: %v", err)
	}

	got, ok := loaded["j1"]
	if !ok {
		t.Fatal("cached job not returned")
	}
	if got.JobNameInWorker != "sendemail" || got.Version != 2 {
		t.Errorf("cached projection mangled: %+v", got)
	}
	if _, ok := loaded["missing"]; ok {
		t.Error("cache misses must be omitted")
	}

	if err := client.RemoveCachedJob(ctx, "j1"); err != nil {
		t.Fatalf("RemoveCachedJob: %v", err)
	}
	loaded, err = client.GetCachedJobsBulk(ctx, []string{"j1"})
	if err != nil {
		t.Fatalf("GetCachedJobsBulk after evict: %v", err)
	}
	if len(loaded) != 0 {
		t.Error("job still cached after eviction")
	}
}

func TestRunningMarkers(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	ok, err := client.TryMarkJobAsRunning(ctx, "j1", "corr-1")
	if err != nil {
		t.Fatalf("TryMarkJobAsRunning: %v", err)
	}
	if !ok {
		t.Fatal("first marker attempt must succeed")
	}

	ok, err = client.TryMarkJobAsRunning(ctx, "j1", "corr-2")
	if err != nil {
		t.Fatalf("TryMarkJobAsRunning: %v", err)
	}
	if ok {
		t.Error("second marker attempt must report already running")
	}

	running, err := client.GetRunningJobIDs(ctx, []string{"j1", "j2"})
	if err != nil {
		t.Fatalf("GetRunningJobIDs: %v", err)
	}
	if !running["j1"] || running["j2"] {
		t.Errorf("running set = %v, want only j1", running)
	}

	// Clearing is idempotent; double invocation leaves the marker absent
	if err := client.MarkJobAsCompleted(ctx, "j1"); err != nil {
		t.Fatalf("MarkJobAsCompleted: %v", err)
	}
	if err := client.MarkJobAsCompleted(ctx, "j1"); err != nil {
		t.Fatalf("second MarkJobAsCompleted: %v", err)
	}

	running, err = client.GetRunningJobIDs(ctx, []string{"j1"})
	if err != nil {
		t.Fatalf("GetRunningJobIDs: %v", err)
	}
	if running["j1"] {
		t.Error("marker survived MarkJobAsCompleted")
	}

	ok, err = client.TryMarkJobAsRunning(ctx, "j1", "corr-3")
	if err != nil || !ok {
		t.Errorf("marker must be acquirable after clearing: ok=%v err=%v", ok, err)
	}
}

func TestRunningMarker_ExpiresByTTL(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	if _, err := client.TryMarkJobAsRunning(ctx, "j1", "corr-1"); err != nil {
		t.Fatalf("TryMarkJobAsRunning: %v", err)
	}

	mr.FastForward(DefaultRunningMarkerTTL + time.Minute)

	ok, err := client.TryMarkJobAsRunning(ctx, "j1", "corr-2")
	if err != nil {
		t.Fatalf("TryMarkJobAsRunning after TTL: %v", err)
	}
	if !ok {
		t.Error("marker must expire at TTL")
	}
}

func TestPublishCancellation(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	// No subscribers; publishing must still succeed
	if err := client.PublishCancellation(ctx, "corr-1"); err != nil {
		t.Fatalf("PublishCancellation: %v", err)
	}
}
