package services

import (
	"context"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
)

// PermissionService resolves a user's effective capabilities for a study.
// Resolution is performed fresh on every call; capability sets are never
// cached across requests.
type PermissionService interface {
	// ResolveDataPermission folds every data grant the user holds on the
	// study (study-scoped roles and, when projectID is non-nil, roles of
	// that project too) into one capability set for the operation.
	//
	// Admin users receive the all-access sentinel without touching role
	// storage. A nil set with a nil error means the user has no data
	// access at all.
	ResolveDataPermission(ctx context.Context, user *models.User, studyID string, projectID *string, op permission.Operation) (*permission.Set, error)

	// HasManagementPermission reports whether the user holds a grant of
	// the given management scope and operation on the study (or project,
	// for project-scoped scopes). Admin users always pass.
	HasManagementPermission(ctx context.Context, user *models.User, studyID string, projectID *string, scope permission.Scope, op permission.Operation) (bool, error)

	// HasAnyAccess reports whether the user can see the study at all:
	// admin, or at least one role on the study.
	HasAnyAccess(ctx context.Context, user *models.User, studyID string) (bool, error)
}

// CreateRoleRequest describes a new role.
type CreateRoleRequest struct {
	StudyID     string   `json:"study_id"`
	ProjectID   *string  `json:"project_id,omitempty"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"` // serialized permission entries
	Users       []string `json:"users"`
}

// EditRoleRequest carries the replacement name, permission entries and
// user list of a role. Nil slices leave the current value in place.
type EditRoleRequest struct {
	Name        *string  `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Users       []string `json:"users,omitempty"`
}

// RoleService manages permission roles. Every mutation revalidates the
// caller's role-administration grant and every permission entry it writes.
type RoleService interface {
	// CreateRole creates a role after validating scope compatibility of
	// each permission entry against the role's kind.
	CreateRole(ctx context.Context, user *models.User, req *CreateRoleRequest) (*models.Role, error)

	// EditRole updates a role.
	EditRole(ctx context.Context, user *models.User, roleID string, req *EditRoleRequest) (*models.Role, error)

	// DeleteRole soft-deletes a role. Users lose the role's grants on
	// their next resolution; nothing is revoked retroactively.
	DeleteRole(ctx context.Context, user *models.User, roleID string) error

	// ListRoles lists the study-scoped roles of a study, or the roles of
	// one project when projectID is non-nil.
	ListRoles(ctx context.Context, user *models.User, studyID string, projectID *string) ([]models.Role, error)
}
