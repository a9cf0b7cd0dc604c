package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// fieldService implements the FieldService interface
type fieldService struct {
	studyRepo   repositories.StudyRepository
	projectRepo repositories.ProjectRepository
	fieldRepo   repositories.FieldRepository
	permissions services.PermissionService
	logger      *slog.Logger
}

// NewFieldService creates a new field dictionary service
func NewFieldService(
	studyRepo repositories.StudyRepository,
	projectRepo repositories.ProjectRepository,
	fieldRepo repositories.FieldRepository,
	permissions services.PermissionService,
	logger *slog.Logger,
) services.FieldService {
	return &fieldService{
		studyRepo:   studyRepo,
		projectRepo: projectRepo,
		fieldRepo:   fieldRepo,
		permissions: permissions,
		logger:      logger,
	}
}

// resolveVersionSelector turns the tri-state version argument into the
// concrete version selector of a store query, enforcing the caller-class
// rules: live data needs an explicit live grant (or admin), a specific
// version must exist and, for non-admins, be visible.
func resolveVersionSelector(study *models.Study, set *permission.Set, isAdmin bool, sel services.VersionSelector) ([]*string, error) {
	if sel.Specified && sel.ID == nil {
		if !isAdmin && !set.CoversLive() {
			return nil, &domain.ForbiddenError{Message: "live data requires an explicit live grant"}
		}
		return []*string{nil}, nil
	}

	if sel.Specified {
		index := study.VersionIndex(*sel.ID)
		if index < 0 {
			return nil, &domain.NotFoundError{Message: fmt.Sprintf("data version %s does not exist", *sel.ID)}
		}
		if !isAdmin && index > study.CurrentDataVersion {
			return nil, &domain.ForbiddenError{Message: "requested data version is not visible"}
		}
		id := *sel.ID
		return []*string{&id}, nil
	}

	// Absent: the study's visible versions, most authoritative first.
	// Live rows outrank every freeze (admins only see them here), and a
	// newer freeze outranks an older one. Standard users need a versioned
	// grant at all.
	if !isAdmin && !set.HasVersionedGrant() {
		return nil, &domain.ForbiddenError{Message: "versioned data requires a versioned grant"}
	}
	var versions []*string
	if isAdmin {
		versions = append(versions, nil)
	}
	ids := study.VisibleVersionIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		v := ids[i]
		versions = append(versions, &v)
	}
	if versions == nil {
		versions = []*string{}
	}
	return versions, nil
}

// fieldPredicate applies the set's matcher to a dictionary query. Grants
// carrying metadata sub-filters match the dictionary through metadata;
// otherwise the field patterns apply. The all-access sentinel emits no
// predicate at all.
func fieldPredicate(q *repositories.FieldQuery, set *permission.Set) {
	if set.IsAll() {
		return
	}
	if mo := set.MatchObjects(); len(mo) > 0 {
		q.MetadataFilter = mo
		return
	}
	q.FieldPatterns = set.FieldPatterns()
}

// FieldsOfStudy returns the dictionary the user may see, one entry per
// fieldId, sorted by fieldId
func (s *fieldService) FieldsOfStudy(ctx context.Context, user *models.User, studyID string, projectID *string, version services.VersionSelector) ([]models.FieldEntry, error) {
	set, err := s.permissions.ResolveDataPermission(ctx, user, studyID, projectID, permission.OpRead)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &domain.ForbiddenError{Message: "no data access to this study"}
	}

	study, err := s.studyRepo.GetByID(ctx, studyID)
	if err != nil {
		return nil, err
	}

	versions, err := resolveVersionSelector(study, set, user.IsAdmin(), version)
	if err != nil {
		return nil, err
	}

	// Tombstones take part in the grouping so a deletion shadows older
	// definitions; groups whose winner is a tombstone are dropped after.
	q := repositories.FieldQuery{
		StudyID:          studyID,
		DataVersions:     versions,
		IncludeDeleted:   true,
		LatestPerFieldID: true,
		SortByFieldID:    true,
	}
	fieldPredicate(&q, set)

	grouped, err := s.fieldRepo.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	entries := []models.FieldEntry{}
	for _, entry := range grouped {
		if entry.DateDeleted == nil {
			entries = append(entries, entry)
		}
	}

	if projectID != nil && !user.IsAdmin() {
		entries, err = restrictToApproved(ctx, s.projectRepo, s.fieldRepo, *projectID, entries)
		if err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// restrictToApproved keeps only entries whose semantic fieldId is covered
// by the project's approved entry ids.
func restrictToApproved(ctx context.Context, projectRepo repositories.ProjectRepository, fieldRepo repositories.FieldRepository, projectID string, entries []models.FieldEntry) ([]models.FieldEntry, error) {
	project, err := projectRepo.GetByID(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	approved, err := fieldRepo.GetByIDs(ctx, project.ApprovedFields)
	if err != nil {
		return nil, err
	}
	approvedFieldIDs := make(map[string]bool, len(approved))
	for _, entry := range approved {
		approvedFieldIDs[entry.FieldID] = true
	}

	kept := []models.FieldEntry{}
	for _, entry := range entries {
		if approvedFieldIDs[entry.FieldID] {
			kept = append(kept, entry)
		}
	}
	return kept, nil
}

// CreateFields writes a batch of live field definitions with per-input
// outcomes. Duplicate fieldIds within the batch collapse to the first
// occurrence; a failed input never aborts the others.
func (s *fieldService) CreateFields(ctx context.Context, user *models.User, studyID string, inputs []services.FieldInput) ([]services.FieldWriteResult, error) {
	set, err := s.permissions.ResolveDataPermission(ctx, user, studyID, nil, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &domain.ForbiddenError{Message: "no data write access to this study"}
	}
	if _, err := s.studyRepo.GetByID(ctx, studyID); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	results := []services.FieldWriteResult{}
	pending := []models.FieldEntry{}

	for _, input := range inputs {
		if seen[input.FieldID] {
			continue
		}
		seen[input.FieldID] = true

		result := services.FieldWriteResult{FieldID: input.FieldID}
		if errs := validateFieldInput(input); len(errs) > 0 {
			result.Errors = errs
			results = append(results, result)
			continue
		}
		if !set.CoversLive() {
			result.Errors = []string{"writing field definitions requires a live grant"}
			results = append(results, result)
			continue
		}
		if !set.CheckDataEntryValid(input.FieldID, nil, nil) {
			result.Errors = []string{fmt.Sprintf("no write permission for field %s", input.FieldID)}
			results = append(results, result)
			continue
		}

		entry := models.FieldEntry{
			ID:             uuid.New().String(),
			StudyID:        studyID,
			FieldID:        input.FieldID,
			FieldName:      input.FieldName,
			TableName:      input.TableName,
			DataType:       input.DataType,
			PossibleValues: input.PossibleValues,
			Unit:           input.Unit,
			Comments:       input.Comments,
			Metadata:       input.Metadata,
			DateAdded:      time.Now(),
		}
		pending = append(pending, entry)

		result.Successful = true
		result.Field = &pending[len(pending)-1]
		results = append(results, result)
	}

	if err := s.fieldRepo.BulkUpsertLive(ctx, pending); err != nil {
		return nil, err
	}

	s.logger.Info("fields created",
		"study_id", studyID,
		"accepted", len(pending),
		"rejected", len(results)-len(pending),
		"created_by", user.ID,
	)

	return results, nil
}

// DeleteField writes a live tombstone for the fieldId. The tombstone
// shadows any older definition in subsequent lookups; the definitions
// frozen in earlier versions stay untouched.
func (s *fieldService) DeleteField(ctx context.Context, user *models.User, studyID, fieldID string) (*models.FieldEntry, error) {
	set, err := s.permissions.ResolveDataPermission(ctx, user, studyID, nil, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if set == nil || !set.CheckDataEntryValid(fieldID, nil, nil) {
		return nil, &domain.ForbiddenError{Message: fmt.Sprintf("no write permission for field %s", fieldID)}
	}

	latest, err := s.fieldRepo.LatestByFieldID(ctx, studyID, fieldID)
	if err != nil {
		return nil, err
	}
	if latest.DateDeleted != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("field %s is already deleted", fieldID)}
	}

	now := time.Now()
	tombstone := *latest
	tombstone.ID = uuid.New().String()
	tombstone.DataVersion = nil
	tombstone.DateAdded = now
	tombstone.DateDeleted = &now

	if err := s.fieldRepo.BulkUpsertLive(ctx, []models.FieldEntry{tombstone}); err != nil {
		return nil, err
	}

	s.logger.Info("field deleted", "study_id", studyID, "field_id", fieldID, "deleted_by", user.ID)

	return &tombstone, nil
}

// validateFieldInput checks one field definition. All violations are
// reported together so the client can fix a batch in one round trip.
func validateFieldInput(input services.FieldInput) []string {
	var errs []string

	if err := validation.Validate(input.FieldID, validation.Required, validation.Length(1, 100)); err != nil {
		errs = append(errs, fmt.Sprintf("fieldId: %v", err))
	}
	if err := validation.Validate(input.FieldName, validation.Required, validation.Length(1, 200)); err != nil {
		errs = append(errs, fmt.Sprintf("fieldName: %v", err))
	}
	if !models.ValidDataType(input.DataType) {
		errs = append(errs, fmt.Sprintf("dataType: unknown type %q", input.DataType))
	}
	if input.DataType == models.DataTypeCategorical && len(input.PossibleValues) == 0 {
		errs = append(errs, "possibleValues: required for categorical fields")
	}
	if input.DataType != models.DataTypeCategorical && len(input.PossibleValues) > 0 {
		errs = append(errs, "possibleValues: only allowed on categorical fields")
	}

	return errs
}
