package repositories

import (
	"context"

	"cohort/internal/domain/models"
)

// ProjectRepository defines data access operations for projects.
type ProjectRepository interface {
	// Create inserts a new project.
	Create(ctx context.Context, project *models.Project) error

	// GetByID retrieves a non-deleted project by id. The patient mapping
	// is omitted unless withMapping is set; it is costly and only
	// study-level readers may see it.
	GetByID(ctx context.Context, id string, withMapping bool) (*models.Project, error)

	// ListByStudy retrieves all non-deleted projects of a study.
	ListByStudy(ctx context.Context, studyID string) ([]models.Project, error)

	// SoftDelete marks one project deleted.
	SoftDelete(ctx context.Context, id string) error

	// SoftDeleteByStudy marks every non-deleted project of a study
	// deleted. Used by the study cascade inside a transaction.
	SoftDeleteByStudy(ctx context.Context, studyID string) error

	// EditApprovedFields applies an add/remove diff to the approved field
	// entry ids. Removing an id that is not a member is a no-op, not an
	// error.
	EditApprovedFields(ctx context.Context, projectID string, add, remove []string) (*models.Project, error)

	// SetApprovedFields replaces the approved field entry ids wholesale
	// (used by the version-promotion remap).
	SetApprovedFields(ctx context.Context, projectID string, fieldEntryIDs []string) error

	// SetApprovedFiles replaces the approved file ids.
	SetApprovedFiles(ctx context.Context, projectID string, fileIDs []string) (*models.Project, error)
}
