package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sheetsync/internal/models"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrJobAlreadyExists   = errors.New("job already exists")
	errMissingJobID       = errors.New("job id is required")
	errMissingJobType     = errors.New("job type is required")
	errNonPendingCreation = errors.New("new jobs must be pending")
)

const jobColumns = `id, type, sheet_id, payload, status, result, error, created_at, updated_at`

// Timestamps are stored as UTC unix nanoseconds so range comparisons are numeric.
func toDB(t time.Time) int64 { return t.UTC().UnixNano() }

func fromDB(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                     models.Job
		payload, result, errMsg sql.NullString
		createdAt, updatedAt    int64
	)
	err := row.Scan(&job.ID, &job.Type, &job.SheetID, &payload, &job.Status, &result, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errMsg.String
	job.CreatedAt = fromDB(createdAt)
	job.UpdatedAt = fromDB(updatedAt)
	return &job, nil
}

// CreateJob inserts a new pending job. CreatedAt and UpdatedAt are set when zero.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	switch {
	case job.ID == "":
		return errMissingJobID
	case job.Type == "":
		return errMissingJobType
	case job.Status == "":
		job.Status = models.JobPending
	case job.Status != models.JobPending:
		return errNonPendingCreation
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		job.SheetID,
		nullableJSON(job.Payload),
		job.Status,
		toDB(job.CreatedAt),
		toDB(job.UpdatedAt),
	)
	if err != nil {
		if _, getErr := db.GetJob(ctx, job.ID); getErr == nil {
			return fmt.Errorf("%w: %s", ErrJobAlreadyExists, job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimJob moves a pending job to running. Exactly one caller wins the claim;
// the others get ErrInvalidTransition.
func (db *DB) ClaimJob(ctx context.Context, id string) (*models.Job, error) {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if err := db.transition(ctx, id, query, models.JobRunning, toDB(time.Now()), id, models.JobPending); err != nil {
		return nil, err
	}
	return db.GetJob(ctx, id)
}

// CompleteJob records the result of a running job.
func (db *DB) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	query := `UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE id = ? AND status = ?`
	return db.transition(ctx, id, query, models.JobCompleted, nullableJSON(result), toDB(time.Now()), id, models.JobRunning)
}

// FailJob records the error of a running job.
func (db *DB) FailJob(ctx context.Context, id, errMsg string) error {
	query := `UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`
	return db.transition(ctx, id, query, models.JobFailed, errMsg, toDB(time.Now()), id, models.JobRunning)
}

func (db *DB) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, current.Status)
}

// GetPendingJobs returns up to limit pending jobs, oldest first.
func (db *DB) GetPendingJobs(ctx context.Context, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteTerminalJobsBefore removes completed and failed jobs last updated
// before cutoff. Pending and running rows are never touched.
func (db *DB) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`
	res, err := db.ExecContext(ctx, query, models.JobCompleted, models.JobFailed, toDB(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return res.RowsAffected()
}

// FailOrphanedJobs fails every job left running by a previous process.
func (db *DB) FailOrphanedJobs(ctx context.Context, reason string) (int64, error) {
	query := `UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE status = ?`
	res, err := db.ExecContext(ctx, query, models.JobFailed, reason, toDB(time.Now()), models.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountJobsByStatus returns job totals keyed by status; statuses with no jobs are absent.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
