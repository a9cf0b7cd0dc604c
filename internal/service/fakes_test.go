package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/repositories"
)

// Shared in-memory fakes for the service tests. They implement the store
// contracts the services rely on: version membership, the record ordering
// (authoritative version first, newest upload first within a version) and
// live-row upsert semantics.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func versionKeyMatches(key *string, versionID *string) bool {
	if key == nil {
		return versionID == nil
	}
	return versionID != nil && *versionID == *key
}

func versionMember(keys []*string, versionID *string) bool {
	for _, key := range keys {
		if versionKeyMatches(key, versionID) {
			return true
		}
	}
	return false
}

func matchAnyPattern(patterns []string, candidate string) bool {
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(candidate) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// fakeStudyRepo

type fakeStudyRepo struct {
	studies map[string]*models.Study
}

func newFakeStudyRepo(studies ...*models.Study) *fakeStudyRepo {
	r := &fakeStudyRepo{studies: make(map[string]*models.Study)}
	for _, s := range studies {
		copied := *s
		r.studies[s.ID] = &copied
	}
	return r
}

func (r *fakeStudyRepo) Create(ctx context.Context, study *models.Study) error {
	for _, existing := range r.studies {
		if existing.Name == study.Name && existing.Deleted == nil {
			return &domain.ValidationError{Message: fmt.Sprintf("study %q already exists", study.Name)}
		}
	}
	copied := *study
	r.studies[study.ID] = &copied
	return nil
}

func (r *fakeStudyRepo) GetByID(ctx context.Context, id string) (*models.Study, error) {
	study, ok := r.studies[id]
	if !ok || study.Deleted != nil {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("study %s not found", id)}
	}
	copied := *study
	return &copied, nil
}

func (r *fakeStudyRepo) List(ctx context.Context) ([]models.Study, error) {
	out := []models.Study{}
	for _, study := range r.studies {
		if study.Deleted == nil {
			out = append(out, *study)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeStudyRepo) UpdateDescription(ctx context.Context, id, description string) (*models.Study, error) {
	study, ok := r.studies[id]
	if !ok {
		return nil, &domain.NotFoundError{Message: "study not found"}
	}
	study.Description = description
	copied := *study
	return &copied, nil
}

func (r *fakeStudyRepo) SoftDelete(ctx context.Context, id string) error {
	study, ok := r.studies[id]
	if !ok {
		return &domain.NotFoundError{Message: "study not found"}
	}
	now := time.Now()
	study.Deleted = &now
	return nil
}

func (r *fakeStudyRepo) AppendDataVersion(ctx context.Context, studyID string, version models.DataVersion) (*models.Study, error) {
	study, ok := r.studies[studyID]
	if !ok {
		return nil, &domain.NotFoundError{Message: "study not found"}
	}
	study.DataVersions = append(study.DataVersions, version)
	// The pointer lands on the appended entry, whatever the ledger held.
	study.CurrentDataVersion = len(study.DataVersions) - 1
	copied := *study
	return &copied, nil
}

func (r *fakeStudyRepo) snapshot() func() {
	saved := make(map[string]*models.Study, len(r.studies))
	for id, study := range r.studies {
		copied := *study
		copied.DataVersions = append([]models.DataVersion{}, study.DataVersions...)
		saved[id] = &copied
	}
	return func() { r.studies = saved }
}

func (r *fakeStudyRepo) SetCurrentDataVersion(ctx context.Context, studyID string, index int) (*models.Study, error) {
	study, ok := r.studies[studyID]
	if !ok {
		return nil, &domain.NotFoundError{Message: "study not found"}
	}
	study.CurrentDataVersion = index
	copied := *study
	return &copied, nil
}

// ---------------------------------------------------------------------------
// fakeProjectRepo

type fakeProjectRepo struct {
	projects map[string]*models.Project
}

func newFakeProjectRepo(projects ...*models.Project) *fakeProjectRepo {
	r := &fakeProjectRepo{projects: make(map[string]*models.Project)}
	for _, p := range projects {
		copied := *p
		r.projects[p.ID] = &copied
	}
	return r
}

func (r *fakeProjectRepo) Create(ctx context.Context, project *models.Project) error {
	copied := *project
	r.projects[project.ID] = &copied
	return nil
}

func (r *fakeProjectRepo) GetByID(ctx context.Context, id string, withMapping bool) (*models.Project, error) {
	project, ok := r.projects[id]
	if !ok || project.Deleted != nil {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("project %s not found", id)}
	}
	copied := *project
	if !withMapping {
		copied.PatientMapping = nil
	}
	return &copied, nil
}

func (r *fakeProjectRepo) ListByStudy(ctx context.Context, studyID string) ([]models.Project, error) {
	out := []models.Project{}
	for _, project := range r.projects {
		if project.StudyID == studyID && project.Deleted == nil {
			copied := *project
			copied.PatientMapping = nil
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeProjectRepo) SoftDelete(ctx context.Context, id string) error {
	project, ok := r.projects[id]
	if !ok {
		return &domain.NotFoundError{Message: "project not found"}
	}
	now := time.Now()
	project.Deleted = &now
	return nil
}

func (r *fakeProjectRepo) SoftDeleteByStudy(ctx context.Context, studyID string) error {
	now := time.Now()
	for _, project := range r.projects {
		if project.StudyID == studyID && project.Deleted == nil {
			project.Deleted = &now
		}
	}
	return nil
}

func (r *fakeProjectRepo) EditApprovedFields(ctx context.Context, projectID string, add, remove []string) (*models.Project, error) {
	project, ok := r.projects[projectID]
	if !ok {
		return nil, &domain.NotFoundError{Message: "project not found"}
	}
	removed := make(map[string]bool, len(remove))
	for _, id := range remove {
		removed[id] = true
	}
	next := []string{}
	seen := make(map[string]bool)
	for _, id := range append(append([]string{}, project.ApprovedFields...), add...) {
		if removed[id] || seen[id] {
			continue
		}
		seen[id] = true
		next = append(next, id)
	}
	project.ApprovedFields = next
	copied := *project
	copied.PatientMapping = nil
	return &copied, nil
}

func (r *fakeProjectRepo) SetApprovedFields(ctx context.Context, projectID string, fieldEntryIDs []string) error {
	project, ok := r.projects[projectID]
	if !ok {
		return &domain.NotFoundError{Message: "project not found"}
	}
	project.ApprovedFields = fieldEntryIDs
	return nil
}

func (r *fakeProjectRepo) SetApprovedFiles(ctx context.Context, projectID string, fileIDs []string) (*models.Project, error) {
	project, ok := r.projects[projectID]
	if !ok {
		return nil, &domain.NotFoundError{Message: "project not found"}
	}
	project.ApprovedFiles = fileIDs
	copied := *project
	copied.PatientMapping = nil
	return &copied, nil
}

func (r *fakeProjectRepo) snapshot() func() {
	saved := make(map[string]*models.Project, len(r.projects))
	for id, project := range r.projects {
		copied := *project
		saved[id] = &copied
	}
	return func() { r.projects = saved }
}

// ---------------------------------------------------------------------------
// fakeRoleRepo

type fakeRoleRepo struct {
	roles map[string]*models.Role

	// When set, SoftDeleteByStudy fails with this error so tests can
	// exercise a cascade that dies partway through.
	softDeleteByStudyErr error
}

func newFakeRoleRepo(roles ...*models.Role) *fakeRoleRepo {
	r := &fakeRoleRepo{roles: make(map[string]*models.Role)}
	for _, role := range roles {
		copied := *role
		r.roles[role.ID] = &copied
	}
	return r
}

func (r *fakeRoleRepo) Create(ctx context.Context, role *models.Role) error {
	copied := *role
	r.roles[role.ID] = &copied
	return nil
}

func (r *fakeRoleRepo) GetByID(ctx context.Context, id string) (*models.Role, error) {
	role, ok := r.roles[id]
	if !ok || role.Deleted != nil {
		return nil, &domain.NotFoundError{Message: "role not found"}
	}
	copied := *role
	return &copied, nil
}

func (r *fakeRoleRepo) FindForUser(ctx context.Context, userID, studyID string, projectID *string) ([]models.Role, error) {
	out := []models.Role{}
	for _, role := range r.roles {
		if role.Deleted != nil || role.StudyID != studyID || !role.HasUser(userID) {
			continue
		}
		if projectID == nil {
			if role.ProjectID != nil {
				continue
			}
		} else if role.ProjectID == nil || *role.ProjectID != *projectID {
			continue
		}
		out = append(out, *role)
	}
	return out, nil
}

func (r *fakeRoleRepo) ListStudyIDsForUser(ctx context.Context, userID string) ([]string, error) {
	seen := make(map[string]bool)
	out := []string{}
	for _, role := range r.roles {
		if role.Deleted == nil && role.HasUser(userID) && !seen[role.StudyID] {
			seen[role.StudyID] = true
			out = append(out, role.StudyID)
		}
	}
	return out, nil
}

func (r *fakeRoleRepo) ListByStudy(ctx context.Context, studyID string) ([]models.Role, error) {
	out := []models.Role{}
	for _, role := range r.roles {
		if role.Deleted == nil && role.StudyID == studyID && role.ProjectID == nil {
			out = append(out, *role)
		}
	}
	return out, nil
}

func (r *fakeRoleRepo) ListByProject(ctx context.Context, projectID string) ([]models.Role, error) {
	out := []models.Role{}
	for _, role := range r.roles {
		if role.Deleted == nil && role.ProjectID != nil && *role.ProjectID == projectID {
			out = append(out, *role)
		}
	}
	return out, nil
}

func (r *fakeRoleRepo) Update(ctx context.Context, role *models.Role) error {
	if _, ok := r.roles[role.ID]; !ok {
		return &domain.NotFoundError{Message: "role not found"}
	}
	copied := *role
	r.roles[role.ID] = &copied
	return nil
}

func (r *fakeRoleRepo) SoftDelete(ctx context.Context, id string) error {
	role, ok := r.roles[id]
	if !ok {
		return &domain.NotFoundError{Message: "role not found"}
	}
	now := time.Now()
	role.Deleted = &now
	return nil
}

func (r *fakeRoleRepo) SoftDeleteByStudy(ctx context.Context, studyID string) error {
	if r.softDeleteByStudyErr != nil {
		return r.softDeleteByStudyErr
	}
	now := time.Now()
	for _, role := range r.roles {
		if role.StudyID == studyID && role.Deleted == nil {
			role.Deleted = &now
		}
	}
	return nil
}

func (r *fakeRoleRepo) SoftDeleteByProject(ctx context.Context, projectID string) error {
	now := time.Now()
	for _, role := range r.roles {
		if role.ProjectID != nil && *role.ProjectID == projectID && role.Deleted == nil {
			role.Deleted = &now
		}
	}
	return nil
}

func (r *fakeRoleRepo) snapshot() func() {
	saved := make(map[string]*models.Role, len(r.roles))
	for id, role := range r.roles {
		copied := *role
		saved[id] = &copied
	}
	return func() { r.roles = saved }
}

// ---------------------------------------------------------------------------
// fakeFieldRepo

type fakeFieldRepo struct {
	entries []models.FieldEntry
}

func newFakeFieldRepo(entries ...models.FieldEntry) *fakeFieldRepo {
	return &fakeFieldRepo{entries: append([]models.FieldEntry{}, entries...)}
}

func (r *fakeFieldRepo) matches(entry models.FieldEntry, q repositories.FieldQuery) bool {
	if entry.StudyID != q.StudyID {
		return false
	}
	if q.DataVersions != nil && !versionMember(q.DataVersions, entry.DataVersion) {
		return false
	}
	if !q.IncludeDeleted && entry.DateDeleted != nil {
		return false
	}
	if len(q.FieldPatterns) > 0 && !matchAnyPattern(q.FieldPatterns, entry.FieldID) {
		return false
	}
	if len(q.MetadataFilter) > 0 && !matchAnyMetadata(q.MetadataFilter, entry.Metadata) {
		return false
	}
	return true
}

func (r *fakeFieldRepo) Query(ctx context.Context, q repositories.FieldQuery) ([]models.FieldEntry, error) {
	matched := []models.FieldEntry{}
	for _, entry := range r.entries {
		if r.matches(entry, q) {
			matched = append(matched, entry)
		}
	}

	if q.LatestPerFieldID {
		latest := make(map[string]models.FieldEntry)
		for _, entry := range matched {
			existing, ok := latest[entry.FieldID]
			// Equal timestamps fall back to the entry id, matching the
			// store's ORDER BY tie-break.
			if !ok || entry.DateAdded.After(existing.DateAdded) ||
				(entry.DateAdded.Equal(existing.DateAdded) && entry.ID > existing.ID) {
				latest[entry.FieldID] = entry
			}
		}
		matched = matched[:0]
		for _, entry := range latest {
			matched = append(matched, entry)
		}
	}
	if q.LatestPerFieldID || q.SortByFieldID {
		sort.Slice(matched, func(i, j int) bool { return matched[i].FieldID < matched[j].FieldID })
	}
	return matched, nil
}

func (r *fakeFieldRepo) GetByIDs(ctx context.Context, ids []string) ([]models.FieldEntry, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := []models.FieldEntry{}
	for _, entry := range r.entries {
		if wanted[entry.ID] {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *fakeFieldRepo) LatestByFieldID(ctx context.Context, studyID, fieldID string) (*models.FieldEntry, error) {
	var latest *models.FieldEntry
	for i := range r.entries {
		entry := &r.entries[i]
		if entry.StudyID != studyID || entry.FieldID != fieldID {
			continue
		}
		if latest == nil || entry.DateAdded.After(latest.DateAdded) ||
			(entry.DateAdded.Equal(latest.DateAdded) && entry.ID > latest.ID) {
			latest = entry
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("field %s: %w", fieldID, domain.ErrNotFound)
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeFieldRepo) BulkUpsertLive(ctx context.Context, entries []models.FieldEntry) error {
	for _, entry := range entries {
		replaced := false
		for i := range r.entries {
			if r.entries[i].StudyID == entry.StudyID &&
				r.entries[i].FieldID == entry.FieldID &&
				r.entries[i].DataVersion == nil {
				r.entries[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			r.entries = append(r.entries, entry)
		}
	}
	return nil
}

func (r *fakeFieldRepo) DistinctFieldIDs(ctx context.Context, studyID string) ([]string, error) {
	seen := make(map[string]bool)
	out := []string{}
	for _, entry := range r.entries {
		if entry.StudyID == studyID && !seen[entry.FieldID] {
			seen[entry.FieldID] = true
			out = append(out, entry.FieldID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *fakeFieldRepo) AttachVersion(ctx context.Context, studyID, versionID string) (int64, error) {
	var count int64
	for i := range r.entries {
		if r.entries[i].StudyID == studyID && r.entries[i].DataVersion == nil {
			v := versionID
			r.entries[i].DataVersion = &v
			count++
		}
	}
	return count, nil
}

func (r *fakeFieldRepo) snapshot() func() {
	saved := append([]models.FieldEntry{}, r.entries...)
	return func() { r.entries = saved }
}

// ---------------------------------------------------------------------------
// fakeRecordRepo

type fakeRecordRepo struct {
	records []models.DataRecord
}

func newFakeRecordRepo(records ...models.DataRecord) *fakeRecordRepo {
	return &fakeRecordRepo{records: append([]models.DataRecord{}, records...)}
}

func (r *fakeRecordRepo) matches(record models.DataRecord, q repositories.RecordQuery) bool {
	if record.StudyID != q.StudyID {
		return false
	}
	if q.DataVersions != nil && !versionMember(q.DataVersions, record.VersionID) {
		return false
	}
	if len(q.SubjectPatterns) > 0 && !matchAnyPattern(q.SubjectPatterns, record.SubjectID) {
		return false
	}
	if len(q.VisitPatterns) > 0 && !matchAnyPattern(q.VisitPatterns, record.VisitID) {
		return false
	}
	if len(q.FieldPatterns) > 0 && !matchAnyPattern(q.FieldPatterns, record.FieldID) {
		return false
	}
	if q.FieldIDs != nil {
		found := false
		for _, id := range q.FieldIDs {
			if id == record.FieldID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.MetadataFilter) > 0 && !matchAnyMetadata(q.MetadataFilter, record.Metadata) {
		return false
	}
	if q.ValueNotNull && record.Value == nil {
		return false
	}
	return true
}

// Find honours the store's ordering contract: records of the most
// authoritative version first (the order of q.DataVersions), newest
// upload first within a version.
func (r *fakeRecordRepo) Find(ctx context.Context, q repositories.RecordQuery) ([]models.DataRecord, error) {
	matched := []models.DataRecord{}
	for _, record := range r.records {
		if r.matches(record, q) {
			matched = append(matched, record)
		}
	}

	position := func(versionID *string) int {
		for i, key := range q.DataVersions {
			if versionKeyMatches(key, versionID) {
				return i
			}
		}
		return len(q.DataVersions)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		pi, pj := position(matched[i].VersionID), position(matched[j].VersionID)
		if pi != pj {
			return pi < pj
		}
		return matched[i].UploadedAt.After(matched[j].UploadedAt)
	})
	return matched, nil
}

func (r *fakeRecordRepo) BulkUpsertLive(ctx context.Context, records []models.DataRecord) error {
	for _, record := range records {
		replaced := false
		for i := range r.records {
			if r.records[i].StudyID == record.StudyID &&
				r.records[i].SubjectID == record.SubjectID &&
				r.records[i].VisitID == record.VisitID &&
				r.records[i].FieldID == record.FieldID &&
				r.records[i].VersionID == nil {
				r.records[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			r.records = append(r.records, record)
		}
	}
	return nil
}

func (r *fakeRecordRepo) DistinctSubjectIDs(ctx context.Context, q repositories.RecordQuery) ([]string, error) {
	seen := make(map[string]bool)
	out := []string{}
	for _, record := range r.records {
		if r.matches(record, q) && !seen[record.SubjectID] {
			seen[record.SubjectID] = true
			out = append(out, record.SubjectID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *fakeRecordRepo) DistinctVisitIDs(ctx context.Context, q repositories.RecordQuery) ([]string, error) {
	seen := make(map[string]bool)
	out := []string{}
	for _, record := range r.records {
		if r.matches(record, q) && !seen[record.VisitID] {
			seen[record.VisitID] = true
			out = append(out, record.VisitID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *fakeRecordRepo) CountSubjectVisits(ctx context.Context, q repositories.RecordQuery) (int, error) {
	type pair struct{ subject, visit string }
	seen := make(map[pair]bool)
	for _, record := range r.records {
		if r.matches(record, q) {
			seen[pair{record.SubjectID, record.VisitID}] = true
		}
	}
	return len(seen), nil
}

func (r *fakeRecordRepo) AttachVersion(ctx context.Context, studyID, versionID string) (int64, error) {
	var count int64
	for i := range r.records {
		if r.records[i].StudyID == studyID && r.records[i].VersionID == nil {
			v := versionID
			r.records[i].VersionID = &v
			count++
		}
	}
	return count, nil
}

func (r *fakeRecordRepo) snapshot() func() {
	saved := append([]models.DataRecord{}, r.records...)
	return func() { r.records = saved }
}

// ---------------------------------------------------------------------------
// fakeStandardizationRepo and fakeExportJobRepo

type fakeStandardizationRepo struct {
	stds []models.Standardization
}

func (r *fakeStandardizationRepo) Create(ctx context.Context, std *models.Standardization) error {
	r.stds = append(r.stds, *std)
	return nil
}

func (r *fakeStandardizationRepo) ListByStudyAndType(ctx context.Context, studyID, typ string) ([]models.Standardization, error) {
	out := []models.Standardization{}
	for _, std := range r.stds {
		if std.StudyID == studyID && std.Type == typ && std.Deleted == nil {
			out = append(out, std)
		}
	}
	return out, nil
}

type fakeExportJobRepo struct {
	jobs []models.ExportJob
}

func (r *fakeExportJobRepo) Create(ctx context.Context, job *models.ExportJob) error {
	r.jobs = append(r.jobs, *job)
	return nil
}

func (r *fakeExportJobRepo) ListByStudy(ctx context.Context, studyID string) ([]models.ExportJob, error) {
	out := []models.ExportJob{}
	for _, job := range r.jobs {
		if job.StudyID == studyID {
			out = append(out, job)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// fakeTxManager

// fakeTxManager runs the function inline, snapshotting the listed stores
// first and restoring them when fn fails. A cascade that dies partway
// through leaves no partial writes behind, matching the real manager's
// rollback.
type fakeTxManager struct {
	calls  int
	stores []interface{ snapshot() func() }
}

func (m *fakeTxManager) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	m.calls++
	restores := make([]func(), len(m.stores))
	for i, store := range m.stores {
		restores[i] = store.snapshot()
	}
	if err := fn(ctx); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}
