package repositories

import (
	"context"

	"cohort/internal/domain/models"
)

// StudyRepository defines data access operations for studies. All reads
// exclude soft-deleted rows; deletion is always a soft delete.
type StudyRepository interface {
	// Create inserts a new study.
	Create(ctx context.Context, study *models.Study) error

	// GetByID retrieves a non-deleted study by id.
	GetByID(ctx context.Context, id string) (*models.Study, error)

	// List retrieves all non-deleted studies, ordered by name.
	List(ctx context.Context) ([]models.Study, error)

	// UpdateDescription replaces the description and bumps last_modified.
	UpdateDescription(ctx context.Context, id, description string) (*models.Study, error)

	// SoftDelete marks the study deleted. The caller is responsible for
	// running this inside a transaction together with the project/role
	// cascade.
	SoftDelete(ctx context.Context, id string) error

	// AppendDataVersion appends one entry to the data-version ledger and
	// moves the current pointer onto it. The store decides the index from
	// the ledger it holds, so concurrent appends never leave the pointer
	// on a stale entry. Entries are append-only; no operation ever
	// reorders or removes one.
	AppendDataVersion(ctx context.Context, studyID string, version models.DataVersion) (*models.Study, error)

	// SetCurrentDataVersion moves the current pointer to the given ledger
	// index. Rewinding is permitted and leaves later entries in place.
	SetCurrentDataVersion(ctx context.Context, studyID string, index int) (*models.Study, error)
}
