package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/repositories"
)

// PostgresStandardizationRepository implements the
// StandardizationRepository interface
type PostgresStandardizationRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewStandardizationRepository creates a new standardization repository
func NewStandardizationRepository(config *RepositoryConfig) repositories.StandardizationRepository {
	return &PostgresStandardizationRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// Create inserts a template
func (r *PostgresStandardizationRepository) Create(ctx context.Context, std *models.Standardization) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, study_id, type, field, name)
		VALUES ($1, $2, $3, $4, $5)
	`, r.tables.Standardizations)

	exec := GetExecutor(ctx, r.pool)
	_, err := exec.Exec(ctx, query,
		std.ID,
		std.StudyID,
		std.Type,
		std.Field,
		std.Name,
	)
	if err != nil {
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("study %s: %w", std.StudyID, domain.ErrNotFound)
		}
		return fmt.Errorf("create standardization: %w", err)
	}

	return nil
}

// ListByStudyAndType retrieves the non-deleted templates for one study
// and output type
func (r *PostgresStandardizationRepository) ListByStudyAndType(ctx context.Context, studyID, typ string) ([]models.Standardization, error) {
	query := fmt.Sprintf(`
		SELECT id, study_id, type, field, name, deleted
		FROM %s
		WHERE study_id = $1 AND type = $2 AND deleted IS NULL
		ORDER BY field
	`, r.tables.Standardizations)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, studyID, typ)
	if err != nil {
		return nil, fmt.Errorf("list standardizations: %w", err)
	}
	defer rows.Close()

	stds := []models.Standardization{}
	for rows.Next() {
		var std models.Standardization
		err := rows.Scan(
			&std.ID,
			&std.StudyID,
			&std.Type,
			&std.Field,
			&std.Name,
			&std.Deleted,
		)
		if err != nil {
			return nil, fmt.Errorf("scan standardization: %w", err)
		}
		stds = append(stds, std)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate standardizations: %w", err)
	}

	return stds, nil
}

// PostgresExportJobRepository implements the ExportJobRepository interface
type PostgresExportJobRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewExportJobRepository creates a new export job repository
func NewExportJobRepository(config *RepositoryConfig) repositories.ExportJobRepository {
	return &PostgresExportJobRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// Create inserts a job row
func (r *PostgresExportJobRepository) Create(ctx context.Context, job *models.ExportJob) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, job_type, study_id, project_id, requester, status, error, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.tables.ExportJobs)

	exec := GetExecutor(ctx, r.pool)
	_, err := exec.Exec(ctx, query,
		job.ID,
		job.JobType,
		job.StudyID,
		job.ProjectID,
		job.Requester,
		job.Status,
		job.Error,
		job.Cancelled,
		job.CreatedAt,
	)
	if err != nil {
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("study %s: %w", job.StudyID, domain.ErrNotFound)
		}
		return fmt.Errorf("create export job: %w", err)
	}

	return nil
}

// ListByStudy retrieves the jobs of a study, newest first
func (r *PostgresExportJobRepository) ListByStudy(ctx context.Context, studyID string) ([]models.ExportJob, error) {
	query := fmt.Sprintf(`
		SELECT id, job_type, study_id, project_id, requester, status, error, cancelled, created_at
		FROM %s
		WHERE study_id = $1
		ORDER BY created_at DESC
	`, r.tables.ExportJobs)

	exec := GetExecutor(ctx, r.pool)
	rows, err := exec.Query(ctx, query, studyID)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.ExportJob{}
	for rows.Next() {
		var job models.ExportJob
		err := rows.Scan(
			&job.ID,
			&job.JobType,
			&job.StudyID,
			&job.ProjectID,
			&job.Requester,
			&job.Status,
			&job.Error,
			&job.Cancelled,
			&job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export jobs: %w", err)
	}

	return jobs, nil
}
