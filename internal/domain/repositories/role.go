package repositories

import (
	"context"

	"cohort/internal/domain/models"
)

// RoleRepository defines data access operations for permission roles.
type RoleRepository interface {
	// Create inserts a new role.
	Create(ctx context.Context, role *models.Role) error

	// GetByID retrieves a non-deleted role by id.
	GetByID(ctx context.Context, id string) (*models.Role, error)

	// FindForUser retrieves the non-deleted roles of a study that include
	// the user. A nil projectID restricts to study-scoped roles
	// (project_id IS NULL); a non-nil projectID restricts to roles of
	// that project.
	FindForUser(ctx context.Context, userID, studyID string, projectID *string) ([]models.Role, error)

	// ListStudyIDsForUser lists the distinct studies in which the user
	// holds at least one non-deleted role, sorted ascending.
	ListStudyIDsForUser(ctx context.Context, userID string) ([]string, error)

	// ListByStudy retrieves the study-scoped roles of a study.
	ListByStudy(ctx context.Context, studyID string) ([]models.Role, error)

	// ListByProject retrieves the roles scoped to one project.
	ListByProject(ctx context.Context, projectID string) ([]models.Role, error)

	// Update replaces name, permissions and users of a role.
	Update(ctx context.Context, role *models.Role) error

	// SoftDelete marks one role deleted.
	SoftDelete(ctx context.Context, id string) error

	// SoftDeleteByStudy marks every non-deleted role of the study deleted,
	// including project-scoped ones. Used by the study cascade.
	SoftDeleteByStudy(ctx context.Context, studyID string) error

	// SoftDeleteByProject marks every non-deleted role of one project
	// deleted. Used by the project cascade.
	SoftDeleteByProject(ctx context.Context, projectID string) error
}
