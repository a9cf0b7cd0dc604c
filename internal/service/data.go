package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// dataService implements the DataService interface
type dataService struct {
	studyRepo   repositories.StudyRepository
	projectRepo repositories.ProjectRepository
	fieldRepo   repositories.FieldRepository
	recordRepo  repositories.RecordRepository
	stdRepo     repositories.StandardizationRepository
	jobRepo     repositories.ExportJobRepository
	permissions services.PermissionService
	logger      *slog.Logger
}

// NewDataService creates a new data service
func NewDataService(
	studyRepo repositories.StudyRepository,
	projectRepo repositories.ProjectRepository,
	fieldRepo repositories.FieldRepository,
	recordRepo repositories.RecordRepository,
	stdRepo repositories.StandardizationRepository,
	jobRepo repositories.ExportJobRepository,
	permissions services.PermissionService,
	logger *slog.Logger,
) services.DataService {
	return &dataService{
		studyRepo:   studyRepo,
		projectRepo: projectRepo,
		fieldRepo:   fieldRepo,
		recordRepo:  recordRepo,
		stdRepo:     stdRepo,
		jobRepo:     jobRepo,
		permissions: permissions,
		logger:      logger,
	}
}

// GetData plans and executes a permission-scoped read of the study's
// records and merges them into the requested output shape
func (s *dataService) GetData(ctx context.Context, user *models.User, req *services.DataQueryRequest) (*services.DataQueryResult, error) {
	format := req.Format
	if format == "" {
		format = services.FormatRaw
	}
	stdType := standardizedType(format)
	if format != services.FormatRaw && format != services.FormatGrouped && stdType == "" {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("unknown output format %q", format)}
	}

	set, err := s.permissions.ResolveDataPermission(ctx, user, req.StudyID, req.ProjectID, permission.OpRead)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &domain.ForbiddenError{Message: "no data access to this study"}
	}

	study, err := s.studyRepo.GetByID(ctx, req.StudyID)
	if err != nil {
		return nil, err
	}

	versions, err := resolveVersionSelector(study, set, user.IsAdmin(), req.Version)
	if err != nil {
		return nil, err
	}

	filter, err := compileCallerFilter(req)
	if err != nil {
		return nil, err
	}

	fields, err := s.visibleFields(ctx, user, set, req.StudyID, req.ProjectID, versions)
	if err != nil {
		return nil, err
	}
	result := &services.DataQueryResult{Format: format}
	if len(fields) == 0 {
		return s.shapeResult(ctx, result, nil, stdType, req.StudyID)
	}
	fieldIDs := make([]string, len(fields))
	for i, entry := range fields {
		fieldIDs[i] = entry.FieldID
	}

	records, err := s.recordRepo.Find(ctx, buildRecordQuery(set, req.StudyID, versions, fieldIDs))
	if err != nil {
		return nil, err
	}

	merged := mergeRecords(records)

	if filter != nil {
		kept := merged[:0]
		for _, record := range merged {
			if filter.admits(record.SubjectID, record.VisitID, record.FieldID, record.Metadata) {
				kept = append(kept, record)
			}
		}
		merged = kept
	}

	merged, err = s.pseudonymize(ctx, user, req.StudyID, req.ProjectID, merged)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("data query executed",
		"study_id", req.StudyID,
		"format", format,
		"fetched", len(records),
		"merged", len(merged),
	)

	return s.shapeResult(ctx, result, merged, stdType, req.StudyID)
}

// shapeResult fills the payload field matching the requested format.
func (s *dataService) shapeResult(ctx context.Context, result *services.DataQueryResult, merged []models.DataRecord, stdType, studyID string) (*services.DataQueryResult, error) {
	switch {
	case stdType != "":
		templates, err := s.stdRepo.ListByStudyAndType(ctx, studyID, stdType)
		if err != nil {
			return nil, err
		}
		result.Rows = rowsByInstance(merged, templates)
	case result.Format == services.FormatGrouped:
		result.Grouped = groupRecords(merged)
	default:
		if merged == nil {
			merged = []models.DataRecord{}
		}
		result.Records = merged
	}
	return result, nil
}

// pseudonymize rewrites subject ids through the project's patient mapping
// for callers whose only access is project-scoped. Subjects absent from
// the mapping (added to the study after project creation) are dropped;
// leaking a real id is worse than omitting a late subject.
func (s *dataService) pseudonymize(ctx context.Context, user *models.User, studyID string, projectID *string, records []models.DataRecord) ([]models.DataRecord, error) {
	if projectID == nil || user.IsAdmin() {
		return records, nil
	}
	studySet, err := s.permissions.ResolveDataPermission(ctx, user, studyID, nil, permission.OpRead)
	if err != nil {
		return nil, err
	}
	if studySet != nil {
		return records, nil
	}

	project, err := s.projectRepo.GetByID(ctx, *projectID, true)
	if err != nil {
		return nil, err
	}

	kept := records[:0]
	for _, record := range records {
		pseudonym, ok := project.PatientMapping[record.SubjectID]
		if !ok {
			continue
		}
		record.SubjectID = pseudonym
		kept = append(kept, record)
	}
	return kept, nil
}

// visibleFields resolves the field catalogue a query may touch: latest
// non-tombstone definition per fieldId within the selected versions, under
// the set's predicate, narrowed to the project's approved fields for
// project callers.
func (s *dataService) visibleFields(ctx context.Context, user *models.User, set *permission.Set, studyID string, projectID *string, versions []*string) ([]models.FieldEntry, error) {
	q := repositories.FieldQuery{
		StudyID:          studyID,
		DataVersions:     versions,
		IncludeDeleted:   true,
		LatestPerFieldID: true,
	}
	fieldPredicate(&q, set)

	grouped, err := s.fieldRepo.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	fields := []models.FieldEntry{}
	for _, entry := range grouped {
		if entry.DateDeleted == nil {
			fields = append(fields, entry)
		}
	}

	if projectID != nil && !user.IsAdmin() {
		return restrictToApproved(ctx, s.projectRepo, s.fieldRepo, *projectID, fields)
	}
	return fields, nil
}

// UploadData writes a batch of live observations with per-clip outcomes
func (s *dataService) UploadData(ctx context.Context, user *models.User, studyID string, clips []models.DataClip) ([]services.ClipResult, error) {
	set, err := s.permissions.ResolveDataPermission(ctx, user, studyID, nil, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &domain.ForbiddenError{Message: "no data write access to this study"}
	}
	if !set.CoversLive() {
		return nil, &domain.ForbiddenError{Message: "uploading data requires a live grant"}
	}

	study, err := s.studyRepo.GetByID(ctx, studyID)
	if err != nil {
		return nil, err
	}

	dictionary, err := s.uploadDictionary(ctx, study)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	results := make([]services.ClipResult, 0, len(clips))
	pending := []models.DataRecord{}

	for _, clip := range clips {
		result := services.ClipResult{
			SubjectID: clip.SubjectID,
			VisitID:   clip.VisitID,
			FieldID:   clip.FieldID,
		}

		field, ok := dictionary[clip.FieldID]
		if !ok {
			result.Description = fmt.Sprintf("field %s does not exist in this study", clip.FieldID)
			results = append(results, result)
			continue
		}
		if !set.CheckDataEntryValid(clip.FieldID, &clip.SubjectID, &clip.VisitID) {
			result.Description = "no write permission for this coordinate"
			results = append(results, result)
			continue
		}
		if err := validateClipValue(field, clip.Value); err != nil {
			result.Description = err.Error()
			results = append(results, result)
			continue
		}

		pending = append(pending, models.DataRecord{
			ID:         uuid.New().String(),
			StudyID:    studyID,
			SubjectID:  clip.SubjectID,
			VisitID:    clip.VisitID,
			FieldID:    clip.FieldID,
			Value:      clip.Value,
			UploadedAt: now,
		})
		result.Successful = true
		results = append(results, result)
	}

	if err := s.recordRepo.BulkUpsertLive(ctx, pending); err != nil {
		return nil, err
	}

	s.logger.Info("data uploaded",
		"study_id", studyID,
		"accepted", len(pending),
		"rejected", len(results)-len(pending),
		"uploaded_by", user.ID,
	)

	return results, nil
}

// uploadDictionary indexes the study's current dictionary by fieldId for
// clip validation: latest definition per fieldId across visible versions
// and live, with tombstones shadowing (a tombstoned field rejects clips).
func (s *dataService) uploadDictionary(ctx context.Context, study *models.Study) (map[string]*models.FieldEntry, error) {
	versions := []*string{nil}
	for _, id := range study.VisibleVersionIDs() {
		v := id
		versions = append(versions, &v)
	}

	grouped, err := s.fieldRepo.Query(ctx, repositories.FieldQuery{
		StudyID:          study.ID,
		DataVersions:     versions,
		IncludeDeleted:   true,
		LatestPerFieldID: true,
	})
	if err != nil {
		return nil, err
	}

	dictionary := make(map[string]*models.FieldEntry, len(grouped))
	for i := range grouped {
		if grouped[i].DateDeleted == nil {
			dictionary[grouped[i].FieldID] = &grouped[i]
		}
	}
	return dictionary, nil
}

// DeleteData writes live tombstones for every (subject, visit, field)
// combination. Combinations outside the user's write grants are skipped
// without failing the batch.
func (s *dataService) DeleteData(ctx context.Context, user *models.User, studyID string, subjectIDs, visitIDs, fieldIDs []string) ([]services.ClipResult, error) {
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

	now := time.Now()
	results := []services.ClipResult{}
	pending := []models.DataRecord{}

	for _, subjectID := range subjectIDs {
		for _, visitID := range visitIDs {
			for _, fieldID := range fieldIDs {
				if !set.CheckDataEntryValid(fieldID, &subjectID, &visitID) {
					continue
				}
				pending = append(pending, models.DataRecord{
					ID:         uuid.New().String(),
					StudyID:    studyID,
					SubjectID:  subjectID,
					VisitID:    visitID,
					FieldID:    fieldID,
					Value:      nil,
					UploadedAt: now,
				})
				results = append(results, services.ClipResult{
					SubjectID:  subjectID,
					VisitID:    visitID,
					FieldID:    fieldID,
					Successful: true,
				})
			}
		}
	}

	if err := s.recordRepo.BulkUpsertLive(ctx, pending); err != nil {
		return nil, err
	}

	s.logger.Info("data deleted", "study_id", studyID, "tombstones", len(pending), "deleted_by", user.ID)

	return results, nil
}

// ListSubjects lists the distinct subject ids visible to the user
func (s *dataService) ListSubjects(ctx context.Context, user *models.User, studyID string, projectID *string) ([]string, error) {
	q, err := s.scopedQuery(ctx, user, studyID, projectID)
	if err != nil {
		return nil, err
	}
	return s.recordRepo.DistinctSubjectIDs(ctx, *q)
}

// ListVisits lists the distinct visit ids visible to the user
func (s *dataService) ListVisits(ctx context.Context, user *models.User, studyID string, projectID *string) ([]string, error) {
	q, err := s.scopedQuery(ctx, user, studyID, projectID)
	if err != nil {
		return nil, err
	}
	return s.recordRepo.DistinctVisitIDs(ctx, *q)
}

// CountSubjectVisits counts the distinct (subject, visit) pairs visible
// to the user
func (s *dataService) CountSubjectVisits(ctx context.Context, user *models.User, studyID string, projectID *string) (int, error) {
	q, err := s.scopedQuery(ctx, user, studyID, projectID)
	if err != nil {
		return 0, err
	}
	return s.recordRepo.CountSubjectVisits(ctx, *q)
}

// scopedQuery builds the default record predicate for metadata listings:
// the study's visible versions under the caller's read grants.
func (s *dataService) scopedQuery(ctx context.Context, user *models.User, studyID string, projectID *string) (*repositories.RecordQuery, error) {
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

	versions, err := resolveVersionSelector(study, set, user.IsAdmin(), services.VersionSelector{})
	if err != nil {
		return nil, err
	}

	q := buildRecordQuery(set, studyID, versions, nil)
	q.ValueNotNull = true
	return &q, nil
}

// CreateStandardization registers an output rewrite template
func (s *dataService) CreateStandardization(ctx context.Context, user *models.User, std *models.Standardization) (*models.Standardization, error) {
	allowed, err := s.permissions.HasManagementPermission(ctx, user, std.StudyID, nil, permission.ScopeStudyManage, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "study administration requires a management grant"}
	}

	if std.Type == "" || std.Field == "" || std.Name == "" {
		return nil, &domain.ValidationError{Message: "standardization requires type, field and name"}
	}

	std.ID = uuid.New().String()
	if err := s.stdRepo.Create(ctx, std); err != nil {
		return nil, err
	}

	s.logger.Info("standardization created", "study_id", std.StudyID, "type", std.Type, "field", std.Field)

	return std, nil
}

// CreateExportJob queues an export of the study or one of its projects
func (s *dataService) CreateExportJob(ctx context.Context, user *models.User, studyID string, projectID *string) (*models.ExportJob, error) {
	set, err := s.permissions.ResolveDataPermission(ctx, user, studyID, projectID, permission.OpRead)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, &domain.ForbiddenError{Message: "no data access to this study"}
	}

	job := &models.ExportJob{
		ID:        uuid.New().String(),
		JobType:   "EXPORT",
		StudyID:   studyID,
		ProjectID: projectID,
		Requester: user.ID,
		Status:    models.JobStatusWaiting,
		CreatedAt: time.Now(),
	}

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("export job queued", "job_id", job.ID, "study_id", studyID, "requester", user.ID)

	return job, nil
}

// ListExportJobs lists the export jobs of a study
func (s *dataService) ListExportJobs(ctx context.Context, user *models.User, studyID string) ([]models.ExportJob, error) {
	allowed, err := s.permissions.HasAnyAccess(ctx, user, studyID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "no access to this study"}
	}
	return s.jobRepo.ListByStudy(ctx, studyID)
}

// validateClipValue checks a value against its field definition. A nil
// value is always admissible; it is the tombstone form.
func validateClipValue(field *models.FieldEntry, value *string) error {
	if value == nil {
		return nil
	}
	v := *value

	switch field.DataType {
	case models.DataTypeInteger:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("value %q is not an integer", v)
		}
	case models.DataTypeDecimal:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("value %q is not a decimal", v)
		}
	case models.DataTypeBoolean:
		if v != "true" && v != "false" {
			return fmt.Errorf("value %q is not a boolean", v)
		}
	case models.DataTypeDate:
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("value %q is not an RFC 3339 timestamp", v)
		}
	case models.DataTypeJSON:
		if !json.Valid([]byte(v)) {
			return fmt.Errorf("value is not valid JSON")
		}
	case models.DataTypeCategorical:
		if !field.HasPossibleValue(v) {
			return fmt.Errorf("value %q is not among the possible values of field %s", v, field.FieldID)
		}
	case models.DataTypeString, models.DataTypeFile:
		// Any string is admissible.
	}

	return nil
}
