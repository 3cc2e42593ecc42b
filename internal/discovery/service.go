// Package discovery consumes worker registrations and heartbeats, keeping
// the worker registry current for the dispatcher's capacity gate.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvasoft/milvaion/internal/bus"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
	"github.com/milvasoft/milvaion/internal/redisstore"
)

// Registry is the worker registry surface the service writes to
type Registry interface {
	RegisterWorker(ctx context.Context, reg *job.WorkerRegistration) error
	UpdateHeartbeat(ctx context.Context, workerID, instanceID string, currentJobs int) error
}

// Service runs two independent consumers: registrations and heartbeats
type Service struct {
	registry      Registry
	registrations *bus.Consumer
	heartbeats    *bus.Consumer
	wg            sync.WaitGroup
	log           logger.Logger
}

// New creates the worker-discovery service
func New(b *bus.Bus, registry Registry) *Service {
	log := logger.Default().WithComponent(logger.ComponentDiscovery)
	return &Service{
		registry:      registry,
		registrations: bus.NewConsumer(b, bus.QueueWorkerRegistration, 5, log),
		heartbeats:    bus.NewConsumer(b, bus.QueueWorkerHeartbeat, 10, log),
		log:           log,
	}
}

// Start runs both consumers until the context is cancelled
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)

	go func() {
		defer s.wg.Done()
		s.registrations.Run(ctx, s.handleRegistration)
	}()

	go func() {
		defer s.wg.Done()
		s.heartbeats.Run(ctx, s.handleHeartbeat)
	}()
}

// Wait blocks until both consumers have stopped
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) handleRegistration(ctx context.Context, d amqp.Delivery) bus.Ack {
	var reg job.WorkerRegistration
	if err := json.Unmarshal(d.Body, &reg); err != nil {
		s.log.Warn("Dropping malformed worker registration", "error", err)
		return bus.AckDrop
	}
	if reg.WorkerID == "" || reg.InstanceID == "" {
		s.log.Warn("Dropping registration without worker or instance id")
		return bus.AckDrop
	}

	if err := s.registry.RegisterWorker(ctx, &reg); err != nil {
		s.log.Error("Failed to register worker, requeueing",
			"worker_id", reg.WorkerID,
			"instance_id", reg.InstanceID,
			"error", err)
		return bus.AckRequeue
	}

	s.log.Info("Worker registered",
		"worker_id", reg.WorkerID,
		"instance_id", reg.InstanceID,
		"host", reg.HostName,
		"max_parallel_jobs", reg.MaxParallelJobs,
		"job_configs", len(reg.JobConfigs))

	return bus.AckDone
}

func (s *Service) handleHeartbeat(ctx context.Context, d amqp.Delivery) bus.Ack {
	var hb job.WorkerHeartbeat
	if err := json.Unmarshal(d.Body, &hb); err != nil {
		s.log.Warn("Dropping malformed worker heartbeat", "error", err)
		return bus.AckDrop
	}
	if hb.WorkerID == "" || hb.InstanceID == "" {
		s.log.Warn("Dropping heartbeat without worker or instance id")
		return bus.AckDrop
	}

	err := s.registry.UpdateHeartbeat(ctx, hb.WorkerID, hb.InstanceID, hb.CurrentJobs)
	if err != nil {
		// Heartbeats never create registrations; a restarting registry or a
		// worker that skipped registration just gets logged
		if errors.Is(err, redisstore.ErrWorkerNotFound) || errors.Is(err, redisstore.ErrInstanceNotFound) {
			s.log.Warn("Heartbeat for unknown worker instance",
				"worker_id", hb.WorkerID,
				"instance_id", hb.InstanceID)
			return bus.AckDone
		}

		s.log.Error("Failed to apply heartbeat, requeueing",
			"worker_id", hb.WorkerID,
			"instance_id", hb.InstanceID,
			"error", err)
		return bus.AckRequeue
	}

	s.log.Debug("Heartbeat applied",
		"worker_id", hb.WorkerID,
		"instance_id", hb.InstanceID,
		"current_jobs", hb.CurrentJobs)

	return bus.AckDone
}
