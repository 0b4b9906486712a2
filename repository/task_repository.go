package repository

import (
	"context"
	"errors"

	"policyscan-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskRepository handles database operations for detection tasks
type TaskRepository struct {
	db *pgxpool.Pool
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new detection task in pending state
func (r *TaskRepository) Create(ctx context.Context, taskID string) error {
	query := `
		INSERT INTO detection_tasks (task_id, status, progress)
		VALUES ($1, $2, 0)`

	_, err := r.db.Exec(ctx, query, taskID, models.TaskStatusPending)
	return err
}

// GetByID retrieves a detection task by ID. Returns (nil, nil) when the
// task does not exist; a malformed ID is treated the same way rather than
// surfacing a cast error from the uuid column.
func (r *TaskRepository) GetByID(ctx context.Context, taskID string) (*models.DetectionTask, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, nil
	}

	task := &models.DetectionTask{}
	query := `
		SELECT task_id, submission_time, status, progress, stage, error_message, report_id
		FROM detection_tasks
		WHERE task_id = $1`

	err := r.db.QueryRow(ctx, query, taskID).Scan(
		&task.TaskID,
		&task.SubmissionTime,
		&task.Status,
		&task.Progress,
		&task.Stage,
		&task.ErrorMessage,
		&task.ReportID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return task, nil
}

// UpdateProgress updates status, progress percentage and stage label
func (r *TaskRepository) UpdateProgress(ctx context.Context, taskID string, status models.TaskStatus, progress int, stage string) error {
	query := `
		UPDATE detection_tasks SET
			status = $2,
			progress = $3,
			stage = $4
		WHERE task_id = $1`

	_, err := r.db.Exec(ctx, query, taskID, status, progress, stage)
	return err
}

// AttachReport links a persisted report to the task and marks it completed
func (r *TaskRepository) AttachReport(ctx context.Context, taskID string, reportID string) error {
	query := `
		UPDATE detection_tasks SET
			status = $2,
			progress = 100,
			report_id = $3
		WHERE task_id = $1`

	_, err := r.db.Exec(ctx, query, taskID, models.TaskStatusCompleted, reportID)
	return err
}

// Fail marks a task as failed, preserving the last reported progress
func (r *TaskRepository) Fail(ctx context.Context, taskID string, errorMessage string) error {
	query := `
		UPDATE detection_tasks SET
			status = $2,
			error_message = $3
		WHERE task_id = $1`

	_, err := r.db.Exec(ctx, query, taskID, models.TaskStatusFailed, errorMessage)
	return err
}
