package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// studyService implements the StudyService interface
type studyService struct {
	studyRepo   repositories.StudyRepository
	projectRepo repositories.ProjectRepository
	roleRepo    repositories.RoleRepository
	fieldRepo   repositories.FieldRepository
	recordRepo  repositories.RecordRepository
	txManager   repositories.TransactionManager
	permissions services.PermissionService
	logger      *slog.Logger
}

// NewStudyService creates a new study service
func NewStudyService(
	studyRepo repositories.StudyRepository,
	projectRepo repositories.ProjectRepository,
	roleRepo repositories.RoleRepository,
	fieldRepo repositories.FieldRepository,
	recordRepo repositories.RecordRepository,
	txManager repositories.TransactionManager,
	permissions services.PermissionService,
	logger *slog.Logger,
) services.StudyService {
	return &studyService{
		studyRepo:   studyRepo,
		projectRepo: projectRepo,
		roleRepo:    roleRepo,
		fieldRepo:   fieldRepo,
		recordRepo:  recordRepo,
		txManager:   txManager,
		permissions: permissions,
		logger:      logger,
	}
}

// CreateStudy creates a study. Admin only.
func (s *studyService) CreateStudy(ctx context.Context, user *models.User, req *services.CreateStudyRequest) (*models.Study, error) {
	if !user.IsAdmin() {
		return nil, &domain.ForbiddenError{Message: "only administrators may create studies"}
	}

	if req.Type == "" {
		req.Type = models.StudyTypeAny
	}
	if err := validation.ValidateStruct(req,
		validation.Field(&req.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&req.Type, validation.In(models.StudyTypeSensor, models.StudyTypeClinical, models.StudyTypeAny)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	study := &models.Study{
		ID:                 uuid.New().String(),
		Name:               req.Name,
		CreatedBy:          user.ID,
		LastModified:       time.Now(),
		CurrentDataVersion: models.NoCurrentVersion,
		DataVersions:       []models.DataVersion{},
		Description:        req.Description,
		Type:               req.Type,
	}

	if err := s.studyRepo.Create(ctx, study); err != nil {
		return nil, err
	}

	s.logger.Info("study created", "study_id", study.ID, "name", study.Name, "created_by", user.ID)

	return study, nil
}

// GetStudy retrieves a study the user can see
func (s *studyService) GetStudy(ctx context.Context, user *models.User, studyID string) (*models.Study, error) {
	allowed, err := s.permissions.HasAnyAccess(ctx, user, studyID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "no access to this study"}
	}

	return s.studyRepo.GetByID(ctx, studyID)
}

// ListStudies lists every study for admins, or the studies in which the
// user holds at least one role
func (s *studyService) ListStudies(ctx context.Context, user *models.User) ([]models.Study, error) {
	studies, err := s.studyRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	if user.IsAdmin() {
		return studies, nil
	}

	memberOf, err := s.roleRepo.ListStudyIDsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve study membership: %w", err)
	}
	member := make(map[string]bool, len(memberOf))
	for _, id := range memberOf {
		member[id] = true
	}

	visible := []models.Study{}
	for _, study := range studies {
		if member[study.ID] {
			visible = append(visible, study)
		}
	}
	return visible, nil
}

// EditStudy updates study attributes
func (s *studyService) EditStudy(ctx context.Context, user *models.User, studyID string, req *services.EditStudyRequest) (*models.Study, error) {
	allowed, err := s.permissions.HasManagementPermission(ctx, user, studyID, nil, permission.ScopeStudyManage, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "study administration requires a management grant"}
	}

	if req.Description == nil {
		return s.studyRepo.GetByID(ctx, studyID)
	}

	study, err := s.studyRepo.UpdateDescription(ctx, studyID, *req.Description)
	if err != nil {
		return nil, err
	}

	s.logger.Info("study updated", "study_id", studyID, "updated_by", user.ID)

	return study, nil
}

// DeleteStudy soft-deletes the study and cascades to its projects and
// roles in one transaction. Admin only.
func (s *studyService) DeleteStudy(ctx context.Context, user *models.User, studyID string) error {
	if !user.IsAdmin() {
		return &domain.ForbiddenError{Message: "only administrators may delete studies"}
	}

	if _, err := s.studyRepo.GetByID(ctx, studyID); err != nil {
		return err
	}

	err := s.txManager.ExecTx(ctx, func(txCtx context.Context) error {
		if err := s.studyRepo.SoftDelete(txCtx, studyID); err != nil {
			return err
		}
		if err := s.projectRepo.SoftDeleteByStudy(txCtx, studyID); err != nil {
			return err
		}
		return s.roleRepo.SoftDeleteByStudy(txCtx, studyID)
	})
	if err != nil {
		return fmt.Errorf("delete study cascade: %w", err)
	}

	s.logger.Info("study deleted", "study_id", studyID, "deleted_by", user.ID)

	return nil
}

// CreateProject creates a project and generates its pseudonymised patient
// mapping from the subjects present in the study's visible versions.
func (s *studyService) CreateProject(ctx context.Context, user *models.User, req *services.CreateProjectRequest) (*models.Project, error) {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.StudyID, validation.Required),
		validation.Field(&req.Name, validation.Required, validation.Length(1, 200)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	allowed, err := s.permissions.HasManagementPermission(ctx, user, req.StudyID, nil, permission.ScopeStudyManage, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "study administration requires a management grant"}
	}

	study, err := s.studyRepo.GetByID(ctx, req.StudyID)
	if err != nil {
		return nil, err
	}

	if len(req.ApprovedFields) > 0 {
		if err := s.checkApprovedFields(ctx, study, req.ApprovedFields); err != nil {
			return nil, err
		}
	}

	mapping, err := s.buildPatientMapping(ctx, study)
	if err != nil {
		return nil, err
	}

	project := &models.Project{
		ID:             uuid.New().String(),
		StudyID:        req.StudyID,
		CreatedBy:      user.ID,
		Name:           req.Name,
		PatientMapping: mapping,
		ApprovedFields: req.ApprovedFields,
		ApprovedFiles:  []string{},
		LastModified:   time.Now(),
	}
	if project.ApprovedFields == nil {
		project.ApprovedFields = []string{}
	}

	if err := s.projectRepo.Create(ctx, project); err != nil {
		return nil, err
	}

	s.logger.Info("project created",
		"project_id", project.ID,
		"study_id", project.StudyID,
		"subjects_mapped", len(mapping),
		"created_by", user.ID,
	)

	// The mapping is write-only output of creation; reads go through
	// GetPatientMapping with its own access rule.
	project.PatientMapping = nil

	return project, nil
}

// GetProject retrieves a project the user can see
func (s *studyService) GetProject(ctx context.Context, user *models.User, projectID string) (*models.Project, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID, false)
	if err != nil {
		return nil, err
	}

	allowed, err := s.permissions.HasAnyAccess(ctx, user, project.StudyID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "no access to this project"}
	}

	return project, nil
}

// ListProjects lists the projects of a study
func (s *studyService) ListProjects(ctx context.Context, user *models.User, studyID string) ([]models.Project, error) {
	allowed, err := s.permissions.HasAnyAccess(ctx, user, studyID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "no access to this study"}
	}

	return s.projectRepo.ListByStudy(ctx, studyID)
}

// DeleteProject soft-deletes the project and its roles in one transaction
func (s *studyService) DeleteProject(ctx context.Context, user *models.User, projectID string) error {
	project, err := s.projectRepo.GetByID(ctx, projectID, false)
	if err != nil {
		return err
	}

	allowed, err := s.permissions.HasManagementPermission(ctx, user, project.StudyID, nil, permission.ScopeStudyManage, permission.OpWrite)
	if err != nil {
		return err
	}
	if !allowed {
		return &domain.ForbiddenError{Message: "study administration requires a management grant"}
	}

	err = s.txManager.ExecTx(ctx, func(txCtx context.Context) error {
		if err := s.projectRepo.SoftDelete(txCtx, projectID); err != nil {
			return err
		}
		return s.roleRepo.SoftDeleteByProject(txCtx, projectID)
	})
	if err != nil {
		return fmt.Errorf("delete project cascade: %w", err)
	}

	s.logger.Info("project deleted", "project_id", projectID, "study_id", project.StudyID, "deleted_by", user.ID)

	return nil
}

// EditApprovedFields applies an approved-field diff to a project.
// Additions must reference non-deleted entries of the study's visible
// dictionary; removals are unconditional so access can always be narrowed.
func (s *studyService) EditApprovedFields(ctx context.Context, user *models.User, projectID string, req *services.EditApprovedFieldsRequest) (*models.Project, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID, false)
	if err != nil {
		return nil, err
	}

	allowed, err := s.hasProjectAdmin(ctx, user, project)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "project administration requires a management grant"}
	}

	if len(req.Add) > 0 {
		study, err := s.studyRepo.GetByID(ctx, project.StudyID)
		if err != nil {
			return nil, err
		}
		if err := s.checkApprovedFields(ctx, study, req.Add); err != nil {
			return nil, err
		}
	}

	updated, err := s.projectRepo.EditApprovedFields(ctx, projectID, req.Add, req.Remove)
	if err != nil {
		return nil, err
	}

	s.logger.Info("project approved fields edited",
		"project_id", projectID,
		"added", len(req.Add),
		"removed", len(req.Remove),
		"edited_by", user.ID,
	)

	return updated, nil
}

// EditApprovedFiles replaces a project's approved file ids
func (s *studyService) EditApprovedFiles(ctx context.Context, user *models.User, projectID string, fileIDs []string) (*models.Project, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID, false)
	if err != nil {
		return nil, err
	}

	allowed, err := s.hasProjectAdmin(ctx, user, project)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "project administration requires a management grant"}
	}

	updated, err := s.projectRepo.SetApprovedFiles(ctx, projectID, fileIDs)
	if err != nil {
		return nil, err
	}

	s.logger.Info("project approved files edited", "project_id", projectID, "count", len(fileIDs), "edited_by", user.ID)

	return updated, nil
}

// GetPatientMapping returns the real-to-pseudonym subject mapping.
// Only study-level readers may see it; project-level access is never
// sufficient, that is the entire point of the pseudonyms.
func (s *studyService) GetPatientMapping(ctx context.Context, user *models.User, projectID string) (map[string]string, error) {
	project, err := s.projectRepo.GetByID(ctx, projectID, true)
	if err != nil {
		return nil, err
	}

	set, err := s.permissions.ResolveDataPermission(ctx, user, project.StudyID, nil, permission.OpRead)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &domain.ForbiddenError{Message: "patient mapping requires study-level data access"}
	}

	if project.PatientMapping == nil {
		return map[string]string{}, nil
	}
	return project.PatientMapping, nil
}

// hasProjectAdmin accepts either study management or the project's own
// management grant.
func (s *studyService) hasProjectAdmin(ctx context.Context, user *models.User, project *models.Project) (bool, error) {
	allowed, err := s.permissions.HasManagementPermission(ctx, user, project.StudyID, nil, permission.ScopeStudyManage, permission.OpWrite)
	if err != nil || allowed {
		return allowed, err
	}
	return s.permissions.HasManagementPermission(ctx, user, project.StudyID, &project.ID, permission.ScopeProjectManage, permission.OpWrite)
}

// checkApprovedFields verifies that every referenced field entry exists,
// belongs to the study, is not a tombstone and sits in a visible version.
func (s *studyService) checkApprovedFields(ctx context.Context, study *models.Study, entryIDs []string) error {
	entries, err := s.fieldRepo.GetByIDs(ctx, entryIDs)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.FieldEntry, len(entries))
	for i := range entries {
		byID[entries[i].ID] = &entries[i]
	}

	visible := make(map[string]bool)
	for _, id := range study.VisibleVersionIDs() {
		visible[id] = true
	}

	for _, id := range entryIDs {
		entry, ok := byID[id]
		if !ok || entry.StudyID != study.ID {
			return &domain.ValidationError{Message: fmt.Sprintf("field entry %s does not exist in this study", id)}
		}
		if entry.DateDeleted != nil {
			return &domain.ValidationError{Message: fmt.Sprintf("field entry %s is deleted", id)}
		}
		if entry.DataVersion == nil || !visible[*entry.DataVersion] {
			return &domain.ValidationError{Message: fmt.Sprintf("field entry %s is not in a visible data version", id)}
		}
	}
	return nil
}

// buildPatientMapping draws the subjects of the study's visible versions
// and assigns each a pseudonym built from a fresh two-character prefix and
// a shuffled sequence number. The mapping is a bijection by construction
// and is never regenerated afterwards.
func (s *studyService) buildPatientMapping(ctx context.Context, study *models.Study) (map[string]string, error) {
	versions := make([]*string, 0, len(study.VisibleVersions()))
	for _, v := range study.VisibleVersions() {
		id := v.ID
		versions = append(versions, &id)
	}
	if len(versions) == 0 {
		return map[string]string{}, nil
	}

	subjects, err := s.recordRepo.DistinctSubjectIDs(ctx, repositories.RecordQuery{
		StudyID:      study.ID,
		DataVersions: versions,
	})
	if err != nil {
		return nil, fmt.Errorf("list subjects for mapping: %w", err)
	}

	prefix := uuid.New().String()[:2]
	sequence := make([]int, len(subjects))
	for i := range sequence {
		sequence[i] = i + 1
	}
	rand.Shuffle(len(sequence), func(i, j int) {
		sequence[i], sequence[j] = sequence[j], sequence[i]
	})

	mapping := make(map[string]string, len(subjects))
	for i, subject := range subjects {
		mapping[subject] = fmt.Sprintf("%s%d", prefix, sequence[i])
	}
	return mapping, nil
}
