package repository

import (
	"context"
	"errors"

	"policyscan-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FileRepository handles database operations for uploaded policy files
type FileRepository struct {
	db *pgxpool.Pool
}

// NewFileRepository creates a new file repository
func NewFileRepository(db *pgxpool.Pool) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a new policy file record
func (r *FileRepository) Create(ctx context.Context, file *models.PolicyFile) error {
	query := `
		INSERT INTO policy_files (id, filename, mime_type, size, storage_path)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	return r.db.QueryRow(
		ctx, query,
		file.ID,
		file.Filename,
		file.MimeType,
		file.Size,
		file.StoragePath,
	).Scan(&file.CreatedAt)
}

// GetByID retrieves a policy file record by ID. Returns (nil, nil) when
// the file does not exist.
func (r *FileRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PolicyFile, error) {
	file := &models.PolicyFile{}
	query := `
		SELECT id, filename, mime_type, size, storage_path, created_at
		FROM policy_files
		WHERE id = $1`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&file.ID,
		&file.Filename,
		&file.MimeType,
		&file.Size,
		&file.StoragePath,
		&file.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return file, nil
}
