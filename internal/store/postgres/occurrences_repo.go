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

// OccurrencesRepo persists JobOccurrence rows
type OccurrencesRepo struct {
	pool *pgxpool.Pool
}

// NewOccurrencesRepo creates an occurrences repository
func NewOccurrencesRepo(pool *pgxpool.Pool) *OccurrencesRepo {
	return &OccurrencesRepo{pool: pool}
}

const occurrenceColumns = `
	id, job_id, job_name, job_version, worker_id, status, created_at,
	start_time, end_time, duration_ms, result, exception, last_heartbeat,
	dispatch_retry_count, next_dispatch_retry_at, logs, status_change_logs,
	zombie_timeout_minutes, execution_timeout_seconds
`

func scanOccurrence(row pgx.Row) (*job.Occurrence, error) {
	var o job.Occurrence
	var logs, statusChanges []byte

	err := row.Scan(
		&o.ID, &o.JobID, &o.JobName, &o.JobVersion, &o.WorkerID, &o.Status, &o.CreatedAt,
		&o.StartTime, &o.EndTime, &o.DurationMs, &o.Result, &o.Exception, &o.LastHeartbeat,
		&o.DispatchRetryCount, &o.NextDispatchRetryAt, &logs, &statusChanges,
		&o.ZombieTimeoutMinutes, &o.ExecutionTimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}

	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &o.Logs); err != nil {
			return nil, fmt.Errorf("corrupt logs for occurrence %s: %w", o.ID, err)
		}
	}
	if len(statusChanges) > 0 {
		if err := json.Unmarshal(statusChanges, &o.StatusChangeLogs); err != nil {
			return nil, fmt.Errorf("corrupt status_change_logs for occurrence %s: %w", o.ID, err)
		}
	}

	return &o, nil
}

func occurrenceJSON(o *job.Occurrence) (logs, statusChanges []byte, err error) {
	logs, err = json.Marshal(o.Logs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal logs: %w", err)
	}
	statusChanges, err = json.Marshal(o.StatusChangeLogs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal status_change_logs: %w", err)
	}
	return logs, statusChanges, nil
}

// BulkInsert inserts all occurrences in one transaction. A foreign key
// violation (phantom job in cache but deleted from the store) rolls back
// the whole batch; callers detect it with IsForeignKeyViolation and retry
// with the surviving rows.
func (r *OccurrencesRepo) BulkInsert(ctx context.Context, occurrences []*job.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, o := range occurrences {
		logs, statusChanges, err := occurrenceJSON(o)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO job_occurrences (`+occurrenceColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`, o.ID, o.JobID, o.JobName, o.JobVersion, o.WorkerID, o.Status, o.CreatedAt,
			o.StartTime, o.EndTime, o.DurationMs, o.Result, o.Exception, o.LastHeartbeat,
			o.DispatchRetryCount, o.NextDispatchRetryAt, logs, statusChanges,
			o.ZombieTimeoutMinutes, o.ExecutionTimeoutSeconds)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetByID loads one occurrence, or ErrNotFound
func (r *OccurrencesRepo) GetByID(ctx context.Context, id string) (*job.Occurrence, error) {
	o, err := scanOccurrence(r.pool.QueryRow(ctx, `
		SELECT `+occurrenceColumns+` FROM job_occurrences WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// GetByIDs loads the subset of the given occurrences that exist
func (r *OccurrencesRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*job.Occurrence, error) {
	if len(ids) == 0 {
		return map[string]*job.Occurrence{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM job_occurrences WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*job.Occurrence, len(ids))
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

// BulkUpdate rewrites the mutable fields of all occurrences in one
// transaction.
func (r *OccurrencesRepo) BulkUpdate(ctx context.Context, occurrences []*job.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, o := range occurrences {
		logs, statusChanges, err := occurrenceJSON(o)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE job_occurrences
			SET worker_id = $2,
			    status = $3,
			    start_time = $4,
			    end_time = $5,
			    duration_ms = $6,
			    result = $7,
			    exception = $8,
			    last_heartbeat = $9,
			    dispatch_retry_count = $10,
			    next_dispatch_retry_at = $11,
			    logs = $12,
			    status_change_logs = $13
			WHERE id = $1
		`, o.ID, o.WorkerID, o.Status, o.StartTime, o.EndTime, o.DurationMs,
			o.Result, o.Exception, o.LastHeartbeat, o.DispatchRetryCount,
			o.NextDispatchRetryAt, logs, statusChanges)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListDispatchRetries returns Queued occurrences whose publish retry is due
// and which have attempts left.
func (r *OccurrencesRepo) ListDispatchRetries(ctx context.Context, now time.Time, maxAttempts int) ([]*job.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM job_occurrences
		WHERE status = $1
		  AND next_dispatch_retry_at IS NOT NULL
		  AND next_dispatch_retry_at <= $2
		  AND dispatch_retry_count < $3
		ORDER BY next_dispatch_retry_at ASC
	`, job.StatusQueued, now, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOccurrences(rows)
}

// ListStaleStartup returns Queued and Running occurrences created before the
// cutoff, for the startup grace-period sweep.
func (r *OccurrencesRepo) ListStaleStartup(ctx context.Context, cutoff time.Time) ([]*job.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM job_occurrences
		WHERE status IN ($1, $2) AND created_at < $3
	`, job.StatusQueued, job.StatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOccurrences(rows)
}

// ListQueuedZombies returns Queued occurrences older than their zombie
// timeout (occurrence-specific override, else the global default).
func (r *OccurrencesRepo) ListQueuedZombies(ctx context.Context, globalTimeoutMinutes int) ([]*job.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM job_occurrences
		WHERE status = $1
		  AND created_at < NOW() - make_interval(mins => COALESCE(zombie_timeout_minutes, $2))
	`, job.StatusQueued, globalTimeoutMinutes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOccurrences(rows)
}

// ListLostRunning returns Running occurrences whose heartbeat is missing or
// older than the zombie timeout.
func (r *OccurrencesRepo) ListLostRunning(ctx context.Context, globalTimeoutMinutes int) ([]*job.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM job_occurrences
		WHERE status = $1
		  AND (last_heartbeat IS NULL
		       OR last_heartbeat < NOW() - make_interval(mins => COALESCE(zombie_timeout_minutes, $2)))
	`, job.StatusRunning, globalTimeoutMinutes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOccurrences(rows)
}

// GetLogs loads only the log lists of the given occurrences
func (r *OccurrencesRepo) GetLogs(ctx context.Context, ids []string) (map[string][]job.OccurrenceLog, error) {
	if len(ids) == 0 {
		return map[string][]job.OccurrenceLog{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, logs FROM job_occurrences WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]job.OccurrenceLog, len(ids))
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var logs []job.OccurrenceLog
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &logs); err != nil {
				return nil, fmt.Errorf("corrupt logs for occurrence %s: %w", id, err)
			}
		}
		out[id] = logs
	}
	return out, rows.Err()
}

// UpdateLogs rewrites the log lists of many occurrences in one transaction
func (r *OccurrencesRepo) UpdateLogs(ctx context.Context, logsByID map[string][]job.OccurrenceLog) error {
	if len(logsByID) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for id, logs := range logsByID {
		data, err := json.Marshal(logs)
		if err != nil {
			return fmt.Errorf("failed to marshal logs: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE job_occurrences SET logs = $2 WHERE id = $1`, id, data)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func collectOccurrences(rows pgx.Rows) ([]*job.Occurrence, error) {
	var out []*job.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
