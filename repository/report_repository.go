package repository

import (
	"context"
	"errors"

	"policyscan-backend/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReportRepository handles database operations for compliance reports
type ReportRepository struct {
	db *pgxpool.Pool
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create persists a completed report. Reports are write-once.
func (r *ReportRepository) Create(ctx context.Context, report *models.Report) error {
	query := `
		INSERT INTO reports (
			report_id, detection_time, basic_info, statistics, risk_details, operation_logs
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(
		ctx, query,
		report.ReportID,
		report.DetectionTime,
		report.BasicInfo,
		report.Statistics,
		report.RiskDetails,
		report.OperationLogs,
	)
	return err
}

// GetByID retrieves a report by ID. Returns (nil, nil) when the report
// does not exist.
func (r *ReportRepository) GetByID(ctx context.Context, reportID string) (*models.Report, error) {
	report := &models.Report{}
	query := `
		SELECT report_id, detection_time, basic_info, statistics, risk_details, operation_logs
		FROM reports
		WHERE report_id = $1`

	err := r.db.QueryRow(ctx, query, reportID).Scan(
		&report.ReportID,
		&report.DetectionTime,
		&report.BasicInfo,
		&report.Statistics,
		&report.RiskDetails,
		&report.OperationLogs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return report, nil
}
