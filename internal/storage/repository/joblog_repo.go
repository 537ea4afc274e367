package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// ErrJobRunning is returned when a job is refused because another run
// for the same (job type, scope) is still marked running.
var ErrJobRunning = errors.New("a run for this job and scope is already in progress")

// ComputationLogRepository records job invocations and acts as the
// advisory lock against concurrent duplicate runs.
type ComputationLogRepository interface {
	// Start records a running job. Returns ErrJobRunning if a running
	// row already exists for the same job type and scope.
	Start(ctx context.Context, jobType, scope string) (*models.ComputationLog, error)

	// Complete marks a job as completed with its processed-record count.
	Complete(ctx context.Context, id int64, records int) error

	// Fail marks a job as failed with an error message.
	Fail(ctx context.Context, id int64, message string) error

	// GetLatest returns the most recent log row for a job type and
	// scope, or nil if none exists.
	GetLatest(ctx context.Context, jobType, scope string) (*models.ComputationLog, error)
}

type computationLogRepo struct {
	db *storage.DB
}

// NewComputationLogRepository creates a new computation log repository.
func NewComputationLogRepository(db *storage.DB) ComputationLogRepository {
	return &computationLogRepo{db: db}
}

func (r *computationLogRepo) Start(ctx context.Context, jobType, scope string) (*models.ComputationLog, error) {
	entry := &models.ComputationLog{
		JobType: jobType,
		Scope:   scope,
		RunID:   uuid.New().String(),
		Status:  models.StatusRunning,
	}

	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var running int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM computation_log
			WHERE job_type = ? AND scope = ? AND status = 'running'
		`, jobType, scope).Scan(&running)
		if err != nil {
			return fmt.Errorf("failed to check for running jobs: %w", err)
		}
		if running > 0 {
			return ErrJobRunning
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO computation_log (job_type, scope, run_id, status)
			VALUES (?, ?, ?, 'running')
		`, jobType, scope, entry.RunID)
		if err != nil {
			return fmt.Errorf("failed to insert computation log: %w", err)
		}

		entry.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get computation log id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *computationLogRepo) Complete(ctx context.Context, id int64, records int) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE computation_log
		SET status = 'completed', records_processed = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, records, id)
	if err != nil {
		return fmt.Errorf("failed to complete computation log: %w", err)
	}
	return nil
}

func (r *computationLogRepo) Fail(ctx context.Context, id int64, message string) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE computation_log
		SET status = 'failed', error_message = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark computation log failed: %w", err)
	}
	return nil
}

func (r *computationLogRepo) GetLatest(ctx context.Context, jobType, scope string) (*models.ComputationLog, error) {
	var entry models.ComputationLog
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, job_type, scope, run_id, status, records_processed,
			error_message, started_at, completed_at
		FROM computation_log
		WHERE job_type = ? AND scope = ?
		ORDER BY id DESC
		LIMIT 1
	`, jobType, scope).Scan(
		&entry.ID, &entry.JobType, &entry.Scope, &entry.RunID, &entry.Status,
		&entry.RecordsProcessed, &entry.ErrorMessage, &entry.StartedAt, &entry.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest computation log: %w", err)
	}
	return &entry, nil
}
