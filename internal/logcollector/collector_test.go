package logcollector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/config"
	"github.com/milvasoft/milvaion/internal/job"
)

type fakeLogsStore struct {
	mu      sync.Mutex
	logs    map[string][]job.OccurrenceLog
	updates int
	err     error
}

func (s *fakeLogsStore) GetLogs(ctx context.Context, ids []string) (map[string][]job.OccurrenceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string][]job.OccurrenceLog)
	for _, id := range ids {
		if logs, ok := s.logs[id]; ok {
			out[id] = logs
		}
	}
	return out, nil
}

func (s *fakeLogsStore) UpdateLogs(ctx context.Context, logsByID map[string][]job.OccurrenceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for id, logs := range logsByID {
		s.logs[id] = logs
	}
	s.updates++
	return nil
}

func newTestCollector(store *fakeLogsStore) *Collector {
	return New(config.LogCollectorConfig{BatchSize: 100, BatchInterval: time.Second}, &bus.Bus{}, store)
}

func entry(msg string, at time.Time) job.OccurrenceLog {
	return job.OccurrenceLog{Timestamp: at, Level: "Information", Message: msg, Category: "Job"}
}

func TestFlush_AppendsGroupedByCorrelation(t *testing.T) {
	base := time.Date(2030, 7, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeLogsStore{logs: map[string][]job.OccurrenceLog{
		"c1": {entry("dispatched", base)},
		"c2": {},
	}}
	c := newTestCollector(store)

	c.flush([]*job.WorkerLogMessage{
		{CorrelationID: "c1", Log: entry("started", base.Add(time.Second))},
		{CorrelationID: "c2", Log: entry("started", base.Add(time.Second))},
		{CorrelationID: "c1", Log: entry("finished", base.Add(2*time.Second))},
	})

	if store.updates != 1 {
		t.Fatalf("updates = %d, want one transaction", store.updates)
	}

	c1 := store.logs["c1"]
	if len(c1) != 3 {
		t.Fatalf("c1 logs = %d, want 3", len(c1))
	}
	// Producer-send order is preserved within one occurrence
	if c1[1].Message != "started" || c1[2].Message != "finished" {
		t.Errorf("append order broken: %+v", c1)
	}

	if len(store.logs["c2"]) != 1 {
		t.Errorf("c2 logs = %d, want 1", len(store.logs["c2"]))
	}
}

func TestFlush_UnknownCorrelationDropped(t *testing.T) {
	store := &fakeLogsStore{logs: map[string][]job.OccurrenceLog{}}
	c := newTestCollector(store)

	c.flush([]*job.WorkerLogMessage{
		{CorrelationID: "ghost", Log: entry("hello", time.Now().UTC())},
	})

	if store.updates != 0 {
		t.Error("unknown correlation ids must be dropped without a write")
	}
}

func TestFlush_LoadErrorDropsBatch(t *testing.T) {
	store := &fakeLogsStore{logs: map[string][]job.OccurrenceLog{}, err: errors.New("connection refused")}
	c := newTestCollector(store)

	// At-most-once on flush failure: the batch is logged and dropped
	c.flush([]*job.WorkerLogMessage{
		{CorrelationID: "c1", Log: entry("hello", time.Now().UTC())},
	})
}

func TestHandle_EnqueueAndAck(t *testing.T) {
	store := &fakeLogsStore{logs: map[string][]job.OccurrenceLog{}}
	c := newTestCollector(store)

	body, err := json.Marshal(job.WorkerLogMessage{
		CorrelationID: "c1",
		Log:           entry("hello", time.Now().UTC()),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if ack := c.handle(context.Background(), amqp.Delivery{Body: body}); ack != bus.AckDone {
		t.Errorf("ack = %v, want AckDone after enqueue", ack)
	}
	if len(c.pending) != 1 {
		t.Errorf("pending = %d, want 1", len(c.pending))
	}
}

func TestHandle_MalformedDropped(t *testing.T) {
	c := newTestCollector(&fakeLogsStore{logs: map[string][]job.OccurrenceLog{}})

	if ack := c.handle(context.Background(), amqp.Delivery{Body: []byte("nope")}); ack != bus.AckDrop {
		t.Errorf("ack = %v, want AckDrop", ack)
	}

	body, _ := json.Marshal(job.WorkerLogMessage{Log: entry("no id", time.Now().UTC())})
	if ack := c.handle(context.Background(), amqp.Delivery{Body: body}); ack != bus.AckDrop {
		t.Errorf("ack = %v, want AckDrop without correlation id", ack)
	}
}
