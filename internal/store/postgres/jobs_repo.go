package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvasoft/milvaion/internal/job"
)

// JobsRepo persists ScheduledJob rows
type JobsRepo struct {
	pool *pgxpool.Pool
}

// NewJobsRepo creates a jobs repository
func NewJobsRepo(pool *pgxpool.Pool) *JobsRepo {
	return &JobsRepo{pool: pool}
}

const jobColumns = `
	id, display_name, job_name_in_worker, worker_id, job_data,
	cron_expression, execute_at, is_active, concurrent_execution_policy,
	execution_timeout_seconds, zombie_timeout_minutes, routing_pattern,
	version, auto_disable, created_at, updated_at
`

func scanJob(row pgx.Row) (*job.ScheduledJob, error) {
	var j job.ScheduledJob
	var autoDisable []byte

	err := row.Scan(
		&j.ID, &j.DisplayName, &j.JobNameInWorker, &j.WorkerID, &j.JobData,
		&j.CronExpression, &j.ExecuteAt, &j.IsActive, &j.ConcurrentExecutionPolicy,
		&j.ExecutionTimeoutSeconds, &j.ZombieTimeoutMinutes, &j.RoutingPattern,
		&j.Version, &autoDisable, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(autoDisable) > 0 {
		if err := json.Unmarshal(autoDisable, &j.AutoDisable); err != nil {
			return nil, fmt.Errorf("corrupt auto_disable for job %s: %w", j.ID, err)
		}
	}

	return &j, nil
}

// Create inserts a new scheduled job
func (r *JobsRepo) Create(ctx context.Context, j *job.ScheduledJob) error {
	autoDisable, err := json.Marshal(j.AutoDisable)
	if err != nil {
		return fmt.Errorf("failed to marshal auto_disable: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, j.ID, j.DisplayName, j.JobNameInWorker, j.WorkerID, j.JobData,
		j.CronExpression, j.ExecuteAt, j.IsActive, j.ConcurrentExecutionPolicy,
		j.ExecutionTimeoutSeconds, j.ZombieTimeoutMinutes, j.RoutingPattern,
		j.Version, autoDisable, j.CreatedAt, j.UpdatedAt)
	return err
}

// GetByID loads one job, or ErrNotFound
func (r *JobsRepo) GetByID(ctx context.Context, id string) (*job.ScheduledJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// GetByIDs loads the subset of the given jobs that exist
func (r *JobsRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*job.ScheduledJob, error) {
	if len(ids) == 0 {
		return map[string]*job.ScheduledJob{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*job.ScheduledJob, len(ids))
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out[j.ID] = j
	}
	return out, rows.Err()
}

// ExistingIDs returns which of the given job ids exist in the store.
// Used to resolve phantom cache entries after a foreign key violation.
func (r *JobsRepo) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT id FROM scheduled_jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ListActive returns every active job, for startup repopulation of the
// time index.
func (r *JobsRepo) ListActive(ctx context.Context) ([]*job.ScheduledJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs WHERE is_active = TRUE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateExecuteAt persists the next fire time computed on reschedule
func (r *JobsRepo) UpdateExecuteAt(ctx context.Context, id string, executeAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET execute_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, executeAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAutoDisable persists the failure breaker state and, when the breaker
// tripped, the disabled flag.
func (r *JobsRepo) UpdateAutoDisable(ctx context.Context, id string, settings job.AutoDisableSettings, isActive bool) error {
	autoDisable, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal auto_disable: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET auto_disable = $2, is_active = $3, updated_at = NOW()
		WHERE id = $1
	`, id, autoDisable, isActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
