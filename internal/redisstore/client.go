// Package redisstore holds the scheduler's Redis surface: the time-sorted
// index of scheduled jobs, cached job projections, running markers, fenced
// job locks, and the worker registry.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
)

const (
	// DefaultKeyPrefix namespaces every scheduler key in Redis
	DefaultKeyPrefix = "JobScheduler:"
	// DefaultCacheTTL bounds the lifetime of cached job projections
	DefaultCacheTTL = 24 * time.Hour
	// DefaultRunningMarkerTTL must exceed the longest expected execution
	DefaultRunningMarkerTTL = 2 * time.Hour
)

// Options configures the scheduler's Redis client
type Options struct {
	KeyPrefix        string
	CacheTTL         time.Duration
	RunningMarkerTTL time.Duration
	// Breaker settings; every operation is wrapped
	BreakerThreshold    int
	BreakerResetTimeout time.Duration
}

// Client wraps a Redis connection with the scheduler's key layout.
// All operations run under a consecutive-failure circuit breaker; a tripped
// breaker fails fast with ErrCircuitOpen.
type Client struct {
	rdb       *redis.Client
	keyPrefix string
	breaker   *Breaker

	// Pre-computed keys to avoid repeated string concatenation
	scheduledSetKey     string
	cancellationChannel string
	eventsChannel       string

	cacheTTL         time.Duration
	runningMarkerTTL time.Duration

	log logger.Logger
}

// NewClient creates a scheduler Redis client from an already-connected
// go-redis client.
func NewClient(rdb *redis.Client, opts Options) *Client {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	markerTTL := opts.RunningMarkerTTL
	if markerTTL <= 0 {
		markerTTL = DefaultRunningMarkerTTL
	}

	return &Client{
		rdb:                 rdb,
		keyPrefix:           prefix,
		breaker:             NewBreaker(opts.BreakerThreshold, opts.BreakerResetTimeout),
		scheduledSetKey:     prefix + "scheduled_jobs",
		cancellationChannel: prefix + "cancellation_channel",
		eventsChannel:       prefix + "occurrence_events",
		cacheTTL:            cacheTTL,
		runningMarkerTTL:    markerTTL,
		log:                 logger.Default().WithComponent(logger.ComponentRedis),
	}
}

// Connect parses a Redis URL and dials it with a pool tuned for the
// scheduler workload.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Dispatcher batch pipelines + five consumers + housekeeping loops
	opts.PoolSize = 30
	opts.MinIdleConns = 3
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return rdb, nil
}

// Key helpers

func (c *Client) jobKey(jobID string) string {
	return c.keyPrefix + "job:" + jobID
}

func (c *Client) runningKey(jobID string) string {
	return c.keyPrefix + "running:" + jobID
}

func (c *Client) lockKey(jobID string) string {
	return c.keyPrefix + "lock:" + jobID
}

func (c *Client) workerKey(workerID string) string {
	return c.keyPrefix + "worker:" + workerID
}

func (c *Client) consumerKey(workerID, jobName string) string {
	return c.keyPrefix + "consumer:" + workerID + ":" + jobName
}

// BreakerOpen reports whether the circuit breaker is currently open
func (c *Client) BreakerOpen() bool {
	return c.breaker.Open()
}

// Close closes the underlying Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Time index

// AddToScheduledSet inserts or refreshes a job in the time index with the
// given fire time as score.
func (c *Client) AddToScheduledSet(ctx context.Context, jobID string, fireAt time.Time) error {
	return c.breaker.Do(func() error {
		return c.rdb.ZAdd(ctx, c.scheduledSetKey, redis.Z{
			Score:  float64(fireAt.Unix()),
			Member: jobID,
		}).Err()
	})
}

// RemoveFromScheduledSet removes a job from the time index. Idempotent.
func (c *Client) RemoveFromScheduledSet(ctx context.Context, jobID string) error {
	return c.breaker.Do(func() error {
		return c.rdb.ZRem(ctx, c.scheduledSetKey, jobID).Err()
	})
}

// UpdateSchedule rewrites a job's fire time in the index
func (c *Client) UpdateSchedule(ctx context.Context, jobID string, newFireAt time.Time) error {
	return c.AddToScheduledSet(ctx, jobID, newFireAt)
}

// GetDueJobs returns up to maxN job ids with fire time <= now, ascending
func (c *Client) GetDueJobs(ctx context.Context, now time.Time, maxN int) ([]string, error) {
	var ids []string
	err := c.breaker.Do(func() error {
		var err error
		ids, err = c.rdb.ZRangeByScore(ctx, c.scheduledSetKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.Unix(), 10),
			Count: int64(maxN),
		}).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read due jobs: %w", err)
	}
	return ids, nil
}

// GetScheduledTime returns the authoritative fire time of a job from the
// index, or a zero time when the job is not scheduled.
func (c *Client) GetScheduledTime(ctx context.Context, jobID string) (time.Time, error) {
	var score float64
	err := c.breaker.Do(func() error {
		var err error
		score, err = c.rdb.ZScore(ctx, c.scheduledSetKey, jobID).Result()
		return err
	})
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read scheduled time: %w", err)
	}
	return time.Unix(int64(score), 0).UTC(), nil
}

// GetScheduledTimesBulk reads the fire times of many jobs in one pipeline.
// Jobs absent from the index are omitted from the result.
func (c *Client) GetScheduledTimesBulk(ctx context.Context, jobIDs []string) (map[string]time.Time, error) {
	if len(jobIDs) == 0 {
		return map[string]time.Time{}, nil
	}

	cmds := make([]*redis.FloatCmd, len(jobIDs))
	err := c.breaker.Do(func() error {
		pipe := c.rdb.Pipeline()
		for i, id := range jobIDs {
			cmds[i] = pipe.ZScore(ctx, c.scheduledSetKey, id)
		}
		_, err := pipe.Exec(ctx)
		if err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled times: %w", err)
	}

	out := make(map[string]time.Time, len(jobIDs))
	for i, cmd := range cmds {
		score, err := cmd.Result()
		if err != nil {
			continue // not in the index
		}
		out[jobIDs[i]] = time.Unix(int64(score), 0).UTC()
	}
	return out, nil
}

// GetScheduledJobIDs returns every job id currently in the time index
func (c *Client) GetScheduledJobIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.breaker.Do(func() error {
		var err error
		ids, err = c.rdb.ZRange(ctx, c.scheduledSetKey, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	return ids, nil
}

// Job projection cache

// CacheJobDetails stores a dispatch projection of the job with a TTL.
// The projection excludes ExecuteAt; the time index owns fire times.
func (c *Client) CacheJobDetails(ctx context.Context, j *job.CachedJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job projection: %w", err)
	}

	return c.breaker.Do(func() error {
		return c.rdb.Set(ctx, c.jobKey(j.ID), data, c.cacheTTL).Err()
	})
}

// GetCachedJobsBulk loads cached projections for many jobs in one MGET.
// Cache misses and corrupt entries are omitted from the result.
func (c *Client) GetCachedJobsBulk(ctx context.Context, jobIDs []string) (map[string]*job.CachedJob, error) {
	if len(jobIDs) == 0 {
		return map[string]*job.CachedJob{}, nil
	}

	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = c.jobKey(id)
	}

	var values []interface{}
	err := c.breaker.Do(func() error {
		var err error
		values, err = c.rdb.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cached jobs: %w", err)
	}

	out := make(map[string]*job.CachedJob, len(jobIDs))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var cj job.CachedJob
		if err := json.Unmarshal([]byte(raw), &cj); err != nil {
			c.log.Warn("Dropping corrupt cached job projection", "job_id", jobIDs[i], "error", err)
			continue
		}
		out[jobIDs[i]] = &cj
	}
	return out, nil
}

// RemoveCachedJob evicts a job projection from the cache. Idempotent.
func (c *Client) RemoveCachedJob(ctx context.Context, jobID string) error {
	return c.breaker.Do(func() error {
		return c.rdb.Del(ctx, c.jobKey(jobID)).Err()
	})
}

// Running markers

// TryMarkJobAsRunning atomically sets the running marker for a job.
// Returns false when another occurrence already holds the marker.
func (c *Client) TryMarkJobAsRunning(ctx context.Context, jobID, correlationID string) (bool, error) {
	var acquired bool
	err := c.breaker.Do(func() error {
		var err error
		acquired, err = c.rdb.SetNX(ctx, c.runningKey(jobID), correlationID, c.runningMarkerTTL).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark job as running: %w", err)
	}
	return acquired, nil
}

// MarkJobAsCompleted clears the running marker. Idempotent.
func (c *Client) MarkJobAsCompleted(ctx context.Context, jobID string) error {
	return c.breaker.Do(func() error {
		return c.rdb.Del(ctx, c.runningKey(jobID)).Err()
	})
}

// GetRunningJobIDs returns the subset of candidate jobs that currently hold
// a running marker, queried in one pipeline.
func (c *Client) GetRunningJobIDs(ctx context.Context, candidateIDs []string) (map[string]bool, error) {
	if len(candidateIDs) == 0 {
		return map[string]bool{}, nil
	}

	cmds := make([]*redis.IntCmd, len(candidateIDs))
	err := c.breaker.Do(func() error {
		pipe := c.rdb.Pipeline()
		for i, id := range candidateIDs {
			cmds[i] = pipe.Exists(ctx, c.runningKey(id))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}

	out := make(map[string]bool, len(candidateIDs))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			out[candidateIDs[i]] = true
		}
	}
	return out, nil
}

// Pub/sub

// PublishCancellation broadcasts a correlation id on the cancellation
// channel for workers to cooperatively stop the occurrence.
func (c *Client) PublishCancellation(ctx context.Context, correlationID string) error {
	return c.breaker.Do(func() error {
		return c.rdb.Publish(ctx, c.cancellationChannel, correlationID).Err()
	})
}

// OccurrenceEvent notifies observers that occurrences changed
type OccurrenceEvent struct {
	Type          string   `json:"type"` // "created" or "updated"
	OccurrenceIDs []string `json:"occurrence_ids"`
}

// PublishOccurrenceEvent emits a created/updated notification on the events
// channel. Stream-out only; delivery is best effort.
func (c *Client) PublishOccurrenceEvent(ctx context.Context, event OccurrenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal occurrence event: %w", err)
	}
	return c.breaker.Do(func() error {
		return c.rdb.Publish(ctx, c.eventsChannel, data).Err()
	})
}
