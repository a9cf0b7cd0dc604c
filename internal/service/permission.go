package service

import (
	"context"
	"fmt"
	"log/slog"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// permissionService implements the PermissionService interface
type permissionService struct {
	roleRepo repositories.RoleRepository
	logger   *slog.Logger
}

// NewPermissionService creates a new permission resolver
func NewPermissionService(roleRepo repositories.RoleRepository, logger *slog.Logger) services.PermissionService {
	return &permissionService{
		roleRepo: roleRepo,
		logger:   logger,
	}
}

// ResolveDataPermission folds the user's data grants on the study into one
// capability set for the operation. Admin short-circuits to the all-access
// sentinel; a user without matching grants resolves to nil, which every
// downstream check treats as no access.
func (s *permissionService) ResolveDataPermission(ctx context.Context, user *models.User, studyID string, projectID *string, op permission.Operation) (*permission.Set, error) {
	if user.IsAdmin() {
		return permission.AllAccess(), nil
	}

	entries, err := s.collectEntries(ctx, user, studyID, projectID)
	if err != nil {
		return nil, err
	}

	granted := entries[:0]
	for _, e := range entries {
		if e.Scope == permission.ScopeData && e.Grants(op) {
			granted = append(granted, e)
		}
	}

	set, err := permission.NewSet(granted)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("resolved data permission",
		"user_id", user.ID,
		"study_id", studyID,
		"operation", op,
		"has_access", set != nil,
	)

	return set, nil
}

// HasManagementPermission reports whether the user holds the management
// scope and operation on the study or project
func (s *permissionService) HasManagementPermission(ctx context.Context, user *models.User, studyID string, projectID *string, scope permission.Scope, op permission.Operation) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}

	// Project self-administration lives on project roles; study
	// administration only ever lives on study-scoped roles.
	searchProject := projectID
	if scope != permission.ScopeProjectManage {
		searchProject = nil
	}

	entries, err := s.collectEntries(ctx, user, studyID, searchProject)
	if err != nil {
		return false, err
	}

	for _, e := range entries {
		if e.Scope == scope && e.Grants(op) {
			return true, nil
		}
	}

	return false, nil
}

// HasAnyAccess reports whether the user can see the study at all
func (s *permissionService) HasAnyAccess(ctx context.Context, user *models.User, studyID string) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}

	studyIDs, err := s.roleRepo.ListStudyIDsForUser(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("resolve study membership: %w", err)
	}

	for _, id := range studyIDs {
		if id == studyID {
			return true, nil
		}
	}

	return false, nil
}

// collectEntries parses every permission entry of the user's study-scoped
// roles, plus the roles of one project when requested.
func (s *permissionService) collectEntries(ctx context.Context, user *models.User, studyID string, projectID *string) ([]permission.Permission, error) {
	roles, err := s.roleRepo.FindForUser(ctx, user.ID, studyID, nil)
	if err != nil {
		return nil, fmt.Errorf("find study roles: %w", err)
	}

	if projectID != nil {
		projectRoles, err := s.roleRepo.FindForUser(ctx, user.ID, studyID, projectID)
		if err != nil {
			return nil, fmt.Errorf("find project roles: %w", err)
		}
		roles = append(roles, projectRoles...)
	}

	var entries []permission.Permission
	for _, role := range roles {
		parsed, err := permission.ParseAll(role.Permissions)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role.ID, err)
		}
		entries = append(entries, parsed...)
	}

	return entries, nil
}
