package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/redisstore"
)

func newTestService(t *testing.T) (*Service, *redisstore.WorkerRegistry) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	registry := redisstore.NewWorkerRegistry(redisstore.NewClient(rdb, redisstore.Options{}), 2*time.Minute)
	return New(&bus.Bus{}, registry), registry
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleRegistration(t *testing.T) {
	s, registry := newTestService(t)
	ctx := context.Background()

	reg := job.WorkerRegistration{
		WorkerID:        "emailers",
		InstanceID:      "inst-1",
		HostName:        "host-a",
		MaxParallelJobs: 8,
		JobConfigs: []job.ConsumerJobConfig{
			{JobType: "sendemail", MaxParallelJobs: 4},
		},
	}

	ack := s.handleRegistration(ctx, amqp.Delivery{Body: marshal(t, reg)})
	if ack != bus.AckDone {
		t.Fatalf("ack = %v, want AckDone", ack)
	}

	w, err := registry.GetWorker(ctx, "emailers")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.MaxParallelJobs != 8 || len(w.Instances) != 1 {
		t.Errorf("aggregate wrong: %+v", w)
	}

	active, err := registry.IsWorkerActive(ctx, "emailers")
	if err != nil {
		t.Fatalf("IsWorkerActive: %v", err)
	}
	if !active {
		t.Error("registered worker must count as active")
	}
}

func TestHandleRegistration_Malformed(t *testing.T) {
	s, _ := newTestService(t)

	if ack := s.handleRegistration(context.Background(), amqp.Delivery{Body: []byte("{")}); ack != bus.AckDrop {
		t.Errorf("ack = %v, want AckDrop", ack)
	}

	missing := job.WorkerRegistration{WorkerID: "emailers"} // no instance id
	if ack := s.handleRegistration(context.Background(), amqp.Delivery{Body: marshal(t, missing)}); ack != bus.AckDrop {
		t.Errorf("ack = %v, want AckDrop for incomplete registration", ack)
	}
}

func TestHandleHeartbeat(t *testing.T) {
	s, registry := newTestService(t)
	ctx := context.Background()

	reg := job.WorkerRegistration{WorkerID: "emailers", InstanceID: "inst-1"}
	if ack := s.handleRegistration(ctx, amqp.Delivery{Body: marshal(t, reg)}); ack != bus.AckDone {
		t.Fatalf("registration ack = %v", ack)
	}

	hb := job.WorkerHeartbeat{WorkerID: "emailers", InstanceID: "inst-1", CurrentJobs: 3}
	if ack := s.handleHeartbeat(ctx, amqp.Delivery{Body: marshal(t, hb)}); ack != bus.AckDone {
		t.Fatalf("heartbeat ack = %v", ack)
	}

	current, _, err := registry.GetWorkerCapacity(ctx, "emailers")
	if err != nil {
		t.Fatalf("GetWorkerCapacity: %v", err)
	}
	if current != 3 {
		t.Errorf("current jobs = %d, want 3", current)
	}
}

func TestHandleHeartbeat_UnknownTargetNoAutoCreate(t *testing.T) {
	s, registry := newTestService(t)
	ctx := context.Background()

	hb := job.WorkerHeartbeat{WorkerID: "ghosts", InstanceID: "inst-1", CurrentJobs: 1}
	ack := s.handleHeartbeat(ctx, amqp.Delivery{Body: marshal(t, hb)})

	// Logged and acked, never requeued, never auto-created
	if ack != bus.AckDone {
		t.Errorf("ack = %v, want AckDone", ack)
	}
	if _, err := registry.GetWorker(ctx, "ghosts"); err == nil {
		t.Error("heartbeat must not create a registration")
	}
}

func TestHandleHeartbeat_Malformed(t *testing.T) {
	s, _ := newTestService(t)

	if ack := s.handleHeartbeat(context.Background(), amqp.Delivery{Body: []byte("[")}); ack != bus.AckDrop {
		t.Errorf("ack = %v, want AckDrop", ack)
	}
}
