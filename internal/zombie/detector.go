// Package zombie reconciles occurrences whose workers disappeared.
package zombie

import (
	"context"
	"fmt"
	"time"

	"github.com/milvasoft/milvaion/internal/config"
	"github.com/milvasoft/milvaion/internal/job"
	"github.com/milvasoft/milvaion/internal/logger"
	"github.com/milvasoft/milvaion/internal/metrics"
	"github.com/milvasoft/milvaion/internal/redisstore"
)

// OccurrencesStore is the relational surface the detector sweeps
type OccurrencesStore interface {
	ListQueuedZombies(ctx context.Context, globalTimeoutMinutes int) ([]*job.Occurrence, error)
	ListLostRunning(ctx context.Context, globalTimeoutMinutes int) ([]*job.Occurrence, error)
	BulkUpdate(ctx context.Context, occurrences []*job.Occurrence) error
}

// Markers is the Redis surface for clearing running markers and notifying
// observers.
type Markers interface {
	MarkJobAsCompleted(ctx context.Context, jobID string) error
	PublishOccurrenceEvent(ctx context.Context, event redisstore.OccurrenceEvent) error
}

// Detector periodically transitions stuck occurrences to Unknown
type Detector struct {
	cfg     config.ZombieConfig
	occs    OccurrencesStore
	markers Markers
	log     logger.Logger
}

// New creates a zombie detector
func New(cfg config.ZombieConfig, occs OccurrencesStore, markers Markers) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 300 * time.Second
	}
	if cfg.ZombieTimeoutMinutes <= 0 {
		cfg.ZombieTimeoutMinutes = 10
	}
	return &Detector{
		cfg:     cfg,
		occs:    occs,
		markers: markers,
		log:     logger.Default().WithComponent(logger.ComponentZombie),
	}
}

// Start runs the sweep loop until the context is cancelled
func (d *Detector) Start(ctx context.Context) {
	d.log.Info("Zombie detector started",
		"check_interval", d.cfg.CheckInterval,
		"timeout_minutes", d.cfg.ZombieTimeoutMinutes)

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Zombie detector stopping")
			return
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				d.log.Error("Zombie sweep failed", "error", err)
			}
		}
	}
}

// sweep runs both detections and applies one bulk update
func (d *Detector) sweep(ctx context.Context) error {
	now := time.Now().UTC()
	m := metrics.Default()

	queued, err := d.occs.ListQueuedZombies(ctx, d.cfg.ZombieTimeoutMinutes)
	if err != nil {
		return fmt.Errorf("failed to load queued zombies: %w", err)
	}

	lost, err := d.occs.ListLostRunning(ctx, d.cfg.ZombieTimeoutMinutes)
	if err != nil {
		return fmt.Errorf("failed to load lost running occurrences: %w", err)
	}

	if len(queued) == 0 && len(lost) == 0 {
		return nil
	}

	var changed []*job.Occurrence

	for _, o := range queued {
		if o.MarkTerminal(job.StatusUnknown,
			"zombie occurrence: dispatched but never consumed by a worker", now) {
			changed = append(changed, o)
			m.ZombiesTotal.WithLabelValues("queued").Inc()
			d.log.Warn("Queued occurrence never consumed",
				"occurrence_id", o.ID,
				"job_id", o.JobID,
				"queued_since", o.CreatedAt.Format(time.RFC3339))
		}
	}

	for _, o := range lost {
		lastSeen := "never"
		if o.LastHeartbeat != nil {
			lastSeen = o.LastHeartbeat.Format(time.RFC3339)
		}
		reason := fmt.Sprintf(
			"zombie occurrence: worker heartbeat lost (last status Running, last heartbeat %s)", lastSeen)

		if o.MarkTerminal(job.StatusUnknown, reason, now) {
			changed = append(changed, o)
			m.ZombiesTotal.WithLabelValues("lost_running").Inc()
			d.log.Warn("Running occurrence lost its worker",
				"occurrence_id", o.ID,
				"job_id", o.JobID,
				"last_heartbeat", lastSeen)
		}
	}

	if len(changed) == 0 {
		return nil
	}

	if err := d.occs.BulkUpdate(ctx, changed); err != nil {
		return fmt.Errorf("failed to persist zombie transitions: %w", err)
	}

	// Clear running markers so the concurrency gate frees up
	ids := make([]string, len(changed))
	for i, o := range changed {
		ids[i] = o.ID
		if err := d.markers.MarkJobAsCompleted(ctx, o.JobID); err != nil {
			d.log.Debug("Failed to clear running marker", "job_id", o.JobID, "error", err)
		}
	}

	if err := d.markers.PublishOccurrenceEvent(ctx, redisstore.OccurrenceEvent{
		Type:          "updated",
		OccurrenceIDs: ids,
	}); err != nil {
		d.log.Debug("Failed to publish occurrence event", "error", err)
	}

	d.log.Info("Zombie sweep complete", "reconciled", len(changed))
	return nil
}
