package repositories

import (
	"context"

	"cohort/internal/domain/models"
)

// StandardizationRepository defines data access for per-study
// standardization templates.
type StandardizationRepository interface {
	// Create inserts a template.
	Create(ctx context.Context, std *models.Standardization) error

	// ListByStudyAndType retrieves the non-deleted templates registered
	// for one study and output type.
	ListByStudyAndType(ctx context.Context, studyID, typ string) ([]models.Standardization, error)
}

// ExportJobRepository defines data access for queued export jobs.
type ExportJobRepository interface {
	// Create inserts a job row in WAITING state.
	Create(ctx context.Context, job *models.ExportJob) error

	// ListByStudy retrieves the jobs of a study, newest first.
	ListByStudy(ctx context.Context, studyID string) ([]models.ExportJob, error)
}
