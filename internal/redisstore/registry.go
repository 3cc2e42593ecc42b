package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
)

var (
	// ErrWorkerNotFound indicates no registration exists for the worker id
	ErrWorkerNotFound = errors.New("worker not registered")
	// ErrInstanceNotFound indicates the worker exists but the instance does not
	ErrInstanceNotFound = errors.New("worker instance not registered")
)

// decrementFloorScript decrements a counter but never below zero
const decrementFloorScript = `
	local v = redis.call("decr", KEYS[1])
	if v < 0 then
		redis.call("set", KEYS[1], 0)
		return 0
	end
	return v
`

const (
	workerMetaField     = "meta"
	instanceFieldPrefix = "instance:"
)

// workerMeta is the per-worker (not per-instance) registration data stored
// in the "meta" hash field.
type workerMeta struct {
	WorkerID        string                           `json:"worker_id"`
	MaxParallelJobs int                              `json:"max_parallel_jobs,omitempty"`
	JobConfigs      map[string]job.ConsumerJobConfig `json:"job_configs,omitempty"`
	RoutingPatterns map[string]string                `json:"routing_patterns,omitempty"`
}

// WorkerRegistry stores worker registrations and heartbeats in Redis hashes:
// one hash per worker with a meta field plus one field per instance, and a
// plain counter key per (worker, job name) consumer.
//
// Consumer counters are written only by the status tracker; the dispatcher
// reads them for its capacity gate.
type WorkerRegistry struct {
	client           *Client
	heartbeatTimeout time.Duration
	log              logger.Logger
}

// NewWorkerRegistry creates a registry. heartbeatTimeout bounds how stale an
// instance heartbeat may be before the instance no longer counts as active.
func NewWorkerRegistry(client *Client, heartbeatTimeout time.Duration) *WorkerRegistry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 120 * time.Second
	}
	return &WorkerRegistry{
		client:           client,
		heartbeatTimeout: heartbeatTimeout,
		log:              logger.Default().WithComponent(logger.ComponentRedis),
	}
}

// RegisterWorker upserts the worker aggregate and merges the instance by
// instance id. Re-registration of a live instance is idempotent and
// preserves its original RegisteredAt.
func (r *WorkerRegistry) RegisterWorker(ctx context.Context, reg *job.WorkerRegistration) error {
	if reg.WorkerID == "" || reg.InstanceID == "" {
		return fmt.Errorf("registration requires worker_id and instance_id")
	}

	key := r.client.workerKey(reg.WorkerID)
	now := time.Now().UTC()

	meta := workerMeta{
		WorkerID:        reg.WorkerID,
		MaxParallelJobs: reg.MaxParallelJobs,
		RoutingPatterns: reg.RoutingPatterns,
	}
	if len(reg.JobConfigs) > 0 {
		meta.JobConfigs = make(map[string]job.ConsumerJobConfig, len(reg.JobConfigs))
		for _, jc := range reg.JobConfigs {
			meta.JobConfigs[jc.JobType] = jc
		}
	}

	instance := job.WorkerInstance{
		InstanceID:    reg.InstanceID,
		HostName:      reg.HostName,
		IPAddress:     reg.IPAddress,
		CurrentJobs:   0,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Status:        "active",
	}

	return r.client.breaker.Do(func() error {
		// Preserve RegisteredAt and CurrentJobs across re-registration
		existing, err := r.client.rdb.HGet(ctx, key, instanceFieldPrefix+reg.InstanceID).Result()
		if err == nil {
			var prev job.WorkerInstance
			if jsonErr := json.Unmarshal([]byte(existing), &prev); jsonErr == nil {
				instance.RegisteredAt = prev.RegisteredAt
				instance.CurrentJobs = prev.CurrentJobs
			}
		} else if err != redis.Nil {
			return err
		}

		metaData, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal worker meta: %w", err)
		}
		instData, err := json.Marshal(instance)
		if err != nil {
			return fmt.Errorf("failed to marshal worker instance: %w", err)
		}

		return r.client.rdb.HSet(ctx, key, map[string]interface{}{
			workerMetaField:                     metaData,
			instanceFieldPrefix + reg.InstanceID: instData,
		}).Err()
	})
}

// UpdateHeartbeat refreshes LastHeartbeat and CurrentJobs on one instance.
// Unknown workers or instances are an error; heartbeats never auto-create.
func (r *WorkerRegistry) UpdateHeartbeat(ctx context.Context, workerID, instanceID string, currentJobs int) error {
	key := r.client.workerKey(workerID)
	field := instanceFieldPrefix + instanceID

	return r.client.breaker.Do(func() error {
		raw, err := r.client.rdb.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			exists, existsErr := r.client.rdb.Exists(ctx, key).Result()
			if existsErr != nil {
				return existsErr
			}
			if exists == 0 {
				return ErrWorkerNotFound
			}
			return ErrInstanceNotFound
		}
		if err != nil {
			return err
		}

		var instance job.WorkerInstance
		if err := json.Unmarshal([]byte(raw), &instance); err != nil {
			return fmt.Errorf("corrupt instance record for %s/%s: %w", workerID, instanceID, err)
		}

		instance.LastHeartbeat = time.Now().UTC()
		instance.CurrentJobs = currentJobs
		instance.Status = "active"

		data, err := json.Marshal(instance)
		if err != nil {
			return fmt.Errorf("failed to marshal worker instance: %w", err)
		}
		return r.client.rdb.HSet(ctx, key, field, data).Err()
	})
}

// GetWorker loads the full worker aggregate, or ErrWorkerNotFound
func (r *WorkerRegistry) GetWorker(ctx context.Context, workerID string) (*job.Worker, error) {
	var fields map[string]string
	err := r.client.breaker.Do(func() error {
		var err error
		fields, err = r.client.rdb.HGetAll(ctx, r.client.workerKey(workerID)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return nil, ErrWorkerNotFound
	}

	w := &job.Worker{
		WorkerID:  workerID,
		Instances: make(map[string]*job.WorkerInstance),
	}

	for field, raw := range fields {
		if field == workerMetaField {
			var meta workerMeta
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				r.log.Warn("Dropping corrupt worker meta", "worker_id", workerID, "error", err)
				continue
			}
			w.MaxParallelJobs = meta.MaxParallelJobs
			w.JobConfigs = meta.JobConfigs
			w.RoutingPatterns = meta.RoutingPatterns
			continue
		}

		if strings.HasPrefix(field, instanceFieldPrefix) {
			var instance job.WorkerInstance
			if err := json.Unmarshal([]byte(raw), &instance); err != nil {
				r.log.Warn("Dropping corrupt worker instance", "worker_id", workerID, "field", field, "error", err)
				continue
			}
			w.Instances[instance.InstanceID] = &instance
		}
	}

	return w, nil
}

// IsWorkerActive reports whether at least one instance heartbeated within
// the configured threshold.
func (r *WorkerRegistry) IsWorkerActive(ctx context.Context, workerID string) (bool, error) {
	w, err := r.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, ErrWorkerNotFound) {
			return false, nil
		}
		return false, err
	}

	cutoff := time.Now().UTC().Add(-r.heartbeatTimeout)
	for _, instance := range w.Instances {
		if instance.LastHeartbeat.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// GetWorkerCapacity returns the aggregate in-flight job count and the
// worker-level parallelism bound. maxParallelJobs <= 0 means unbounded.
func (r *WorkerRegistry) GetWorkerCapacity(ctx context.Context, workerID string) (currentJobs, maxParallelJobs int, err error) {
	w, err := r.GetWorker(ctx, workerID)
	if err != nil {
		return 0, 0, err
	}
	return w.CurrentJobs(), w.MaxParallelJobs, nil
}

// GetConsumerCapacity returns the tracker-maintained in-flight count for one
// (worker, job name) consumer and its configured bound. maxParallelJobs <= 0
// means unbounded.
func (r *WorkerRegistry) GetConsumerCapacity(ctx context.Context, workerID, jobName string) (currentJobs, maxParallelJobs int, err error) {
	var raw string
	err = r.client.breaker.Do(func() error {
		var err error
		raw, err = r.client.rdb.Get(ctx, r.client.consumerKey(workerID, jobName)).Result()
		if err == redis.Nil {
			raw = "0"
			return nil
		}
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read consumer counter: %w", err)
	}

	currentJobs, convErr := strconv.Atoi(raw)
	if convErr != nil {
		currentJobs = 0
	}

	w, err := r.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, ErrWorkerNotFound) {
			return currentJobs, 0, nil
		}
		return 0, 0, err
	}
	if cfg, ok := w.JobConfigs[jobName]; ok {
		maxParallelJobs = cfg.MaxParallelJobs
	}
	return currentJobs, maxParallelJobs, nil
}

// IncrementConsumerJobCount bumps the consumer counter for a job entering
// Running. Written only by the status tracker.
func (r *WorkerRegistry) IncrementConsumerJobCount(ctx context.Context, workerID, jobName string) error {
	return r.client.breaker.Do(func() error {
		return r.client.rdb.Incr(ctx, r.client.consumerKey(workerID, jobName)).Err()
	})
}

// DecrementConsumerJobCount lowers the consumer counter for a job leaving
// Running, floored at zero.
func (r *WorkerRegistry) DecrementConsumerJobCount(ctx context.Context, workerID, jobName string) error {
	return r.client.breaker.Do(func() error {
		return r.client.rdb.Eval(ctx, decrementFloorScript, []string{r.client.consumerKey(workerID, jobName)}).Err()
	})
}
