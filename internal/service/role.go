package service

import (
	"context"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// roleService implements the RoleService interface
type roleService struct {
	roleRepo    repositories.RoleRepository
	studyRepo   repositories.StudyRepository
	projectRepo repositories.ProjectRepository
	permissions services.PermissionService
	logger      *slog.Logger
}

// NewRoleService creates a new role service
func NewRoleService(
	roleRepo repositories.RoleRepository,
	studyRepo repositories.StudyRepository,
	projectRepo repositories.ProjectRepository,
	permissions services.PermissionService,
	logger *slog.Logger,
) services.RoleService {
	return &roleService{
		roleRepo:    roleRepo,
		studyRepo:   studyRepo,
		projectRepo: projectRepo,
		permissions: permissions,
		logger:      logger,
	}
}

// CreateRole creates a role after validating every permission entry
// against the role's kind
func (s *roleService) CreateRole(ctx context.Context, user *models.User, req *services.CreateRoleRequest) (*models.Role, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.StudyID, validation.Required),
		validation.Field(&req.Name, validation.Required, validation.Length(1, 200)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	allowed, err := s.permissions.HasManagementPermission(ctx, user, req.StudyID, nil, permission.ScopeStudyRoles, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "role administration requires a role-management grant"}
	}

	if _, err := s.studyRepo.GetByID(ctx, req.StudyID); err != nil {
		return nil, err
	}
	if req.ProjectID != nil {
		project, err := s.projectRepo.GetByID(ctx, *req.ProjectID, false)
		if err != nil {
			return nil, err
		}
		if project.StudyID != req.StudyID {
			return nil, &domain.ValidationError{Message: "project does not belong to the study"}
		}
	}

	if err := validateEntries(req.Permissions, req.ProjectID != nil); err != nil {
		return nil, err
	}

	role := &models.Role{
		ID:          uuid.New().String(),
		StudyID:     req.StudyID,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Permissions: req.Permissions,
		Users:       req.Users,
		CreatedBy:   user.ID,
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	if role.Users == nil {
		role.Users = []string{}
	}

	if err := s.roleRepo.Create(ctx, role); err != nil {
		return nil, err
	}

	s.logger.Info("role created",
		"role_id", role.ID,
		"study_id", role.StudyID,
		"project_scoped", role.ProjectID != nil,
		"created_by", user.ID,
	)

	return role, nil
}

// EditRole updates a role
func (s *roleService) EditRole(ctx context.Context, user *models.User, roleID string, req *services.EditRoleRequest) (*models.Role, error) {
	role, err := s.roleRepo.GetByID(ctx, roleID)
	if err != nil {
		return nil, err
	}

	allowed, err := s.permissions.HasManagementPermission(ctx, user, role.StudyID, nil, permission.ScopeStudyRoles, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "role administration requires a role-management grant"}
	}

	if req.Name != nil {
		if err := validation.Validate(*req.Name, validation.Required, validation.Length(1, 200)); err != nil {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("name: %v", err)}
		}
		role.Name = *req.Name
	}
	if req.Permissions != nil {
		if err := validateEntries(req.Permissions, role.ProjectID != nil); err != nil {
			return nil, err
		}
		role.Permissions = req.Permissions
	}
	if req.Users != nil {
		role.Users = req.Users
	}

	if err := s.roleRepo.Update(ctx, role); err != nil {
		return nil, err
	}

	s.logger.Info("role updated", "role_id", role.ID, "study_id", role.StudyID, "updated_by", user.ID)

	return role, nil
}

// DeleteRole soft-deletes a role. Grants disappear on the holders' next
// resolution; nothing already resolved is revoked retroactively.
func (s *roleService) DeleteRole(ctx context.Context, user *models.User, roleID string) error {
	role, err := s.roleRepo.GetByID(ctx, roleID)
	if err != nil {
		return err
	}

	allowed, err := s.permissions.HasManagementPermission(ctx, user, role.StudyID, nil, permission.ScopeStudyRoles, permission.OpWrite)
	if err != nil {
		return err
	}
	if !allowed {
		return &domain.ForbiddenError{Message: "role administration requires a role-management grant"}
	}

	if err := s.roleRepo.SoftDelete(ctx, roleID); err != nil {
		return err
	}

	s.logger.Info("role deleted", "role_id", roleID, "study_id", role.StudyID, "deleted_by", user.ID)

	return nil
}

// ListRoles lists the study-scoped roles of a study, or one project's roles
func (s *roleService) ListRoles(ctx context.Context, user *models.User, studyID string, projectID *string) ([]models.Role, error) {
	allowed, err := s.permissions.HasManagementPermission(ctx, user, studyID, nil, permission.ScopeStudyRoles, permission.OpRead)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "role administration requires a role-management grant"}
	}

	if projectID != nil {
		return s.roleRepo.ListByProject(ctx, *projectID)
	}
	return s.roleRepo.ListByStudy(ctx, studyID)
}

// validateEntries parses each serialized permission entry and checks its
// scope against the role kind. One bad entry rejects the whole write; a
// role must never persist with a half-valid grant list.
func validateEntries(raw []string, projectScoped bool) error {
	entries, err := permission.ParseAll(raw)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := e.ValidateScope(projectScoped); err != nil {
			return err
		}
	}
	return nil
}
