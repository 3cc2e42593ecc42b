package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvasoft/milvaion/internal/job"
)

// FailedRepo persists dead-lettered occurrence records
type FailedRepo struct {
	pool *pgxpool.Pool
}

// NewFailedRepo creates a failed-occurrences repository
func NewFailedRepo(pool *pgxpool.Pool) *FailedRepo {
	return &FailedRepo{pool: pool}
}

const failedColumns = `
	id, job_id, occurrence_id, correlation_id, job_display_name,
	job_name_in_worker, worker_id, job_data, exception, failed_at,
	retry_count, failure_type, original_execute_at, resolved,
	resolution_note, resolution_action, resolved_at
`

// Insert records a failed occurrence. occurrence_id carries a UNIQUE
// constraint; a duplicate DLQ delivery inserts nothing and reports false.
func (r *FailedRepo) Insert(ctx context.Context, f *job.FailedOccurrence) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO failed_occurrences (`+failedColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (occurrence_id) DO NOTHING
	`, f.ID, f.JobID, f.OccurrenceID, f.CorrelationID, f.JobDisplayName,
		f.JobNameInWorker, f.WorkerID, f.JobData, f.Exception, f.FailedAt,
		f.RetryCount, f.FailureType, f.OriginalExecuteAt, f.Resolved,
		f.ResolutionNote, f.ResolutionAction, f.ResolvedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetByOccurrenceID loads the record for one occurrence, or ErrNotFound
func (r *FailedRepo) GetByOccurrenceID(ctx context.Context, occurrenceID string) (*job.FailedOccurrence, error) {
	var f job.FailedOccurrence
	err := r.pool.QueryRow(ctx, `
		SELECT `+failedColumns+` FROM failed_occurrences WHERE occurrence_id = $1
	`, occurrenceID).Scan(
		&f.ID, &f.JobID, &f.OccurrenceID, &f.CorrelationID, &f.JobDisplayName,
		&f.JobNameInWorker, &f.WorkerID, &f.JobData, &f.Exception, &f.FailedAt,
		&f.RetryCount, &f.FailureType, &f.OriginalExecuteAt, &f.Resolved,
		&f.ResolutionNote, &f.ResolutionAction, &f.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}
