package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/services"
)

type dataHarness struct {
	studies  *fakeStudyRepo
	projects *fakeProjectRepo
	roles    *fakeRoleRepo
	fields   *fakeFieldRepo
	records  *fakeRecordRepo
	stds     *fakeStandardizationRepo
	jobs     *fakeExportJobRepo
	svc      services.DataService
}

func newDataHarness(t *testing.T) *dataHarness {
	t.Helper()
	h := &dataHarness{
		studies:  newFakeStudyRepo(),
		projects: newFakeProjectRepo(),
		roles:    newFakeRoleRepo(),
		fields:   newFakeFieldRepo(),
		records:  newFakeRecordRepo(),
		stds:     &fakeStandardizationRepo{},
		jobs:     &fakeExportJobRepo{},
	}
	logger := testLogger()
	permissions := NewPermissionService(h.roles, logger)
	h.svc = NewDataService(h.studies, h.projects, h.fields, h.records, h.stds, h.jobs, permissions, logger)
	return h
}

// seedVitals sets up a study with two frozen versions, a vitals.hr
// dictionary entry and a superseded S1 observation.
func (h *dataHarness) seedVitals(t *testing.T) {
	t.Helper()
	study := frozenStudy("study-1", "v1", "v2")
	h.studies.studies[study.ID] = study
	v1, v2 := "v1", "v2"
	t1 := time.Now().Add(-2 * time.Hour)
	t2 := time.Now().Add(-time.Hour)
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-hr", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: t1},
	)
	h.records.records = append(h.records.records,
		rec("S1", "1", "vitals.hr", strPtr("60"), &v1, t1),
		rec("S1", "1", "vitals.hr", strPtr("65"), &v2, t2),
		rec("S2", "1", "vitals.hr", strPtr("70"), &v1, t1),
	)
}

func (h *dataHarness) grantReader(ctx context.Context, userID string, entries ...string) {
	h.roles.Create(ctx, roleWith("role-"+userID, "study-1", nil, []string{userID}, entries...))
}

func TestGetData_NewerVersionWinsTheMerge(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	result, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{StudyID: "study-1"})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if result.Format != services.FormatRaw {
		t.Errorf("default format should be raw, got %q", result.Format)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 merged records, got %+v", result.Records)
	}
	if *result.Records[0].Value != "65" {
		t.Errorf("S1 should carry the v2 value, got %q", *result.Records[0].Value)
	}
	if result.Records[1].SubjectID != "S2" || *result.Records[1].Value != "70" {
		t.Errorf("S2 record wrong: %+v", result.Records[1])
	}

	if _, err := h.svc.GetData(ctx, standardUser("stranger"), &services.DataQueryRequest{StudyID: "study-1"}); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("caller without data access should be rejected, got %v", err)
	}
}

func TestGetData_SpecificVersionReadsOnlyThatSnapshot(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	v1 := "v1"
	result, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID: "study-1",
		Version: services.VersionSelector{Specified: true, ID: &v1},
	})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(result.Records) != 2 || *result.Records[0].Value != "60" {
		t.Errorf("v1 snapshot should carry the original values, got %+v", result.Records)
	}
}

func TestGetData_CallerFiltersIntersectGrants(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":["^vitals\\..*$"]}`)

	result, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID:         "study-1",
		SubjectPatterns: []string{"S1"},
	})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].SubjectID != "S1" {
		t.Errorf("subject filter should keep only S1, got %+v", result.Records)
	}

	// A filter outside the grant yields nothing rather than widening it.
	result, err = h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID:       "study-1",
		FieldPatterns: []string{"labs\\..*"},
	})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(result.Records) != 0 {
		t.Errorf("filter outside the grant should intersect to nothing, got %+v", result.Records)
	}

	if _, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID:         "study-1",
		SubjectPatterns: []string{"("},
	}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("invalid filter pattern should be rejected, got %v", err)
	}
}

func TestGetData_GroupedFormat(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	result, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID: "study-1",
		Format:  services.FormatGrouped,
	})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if got := result.Grouped["vitals.hr"]["S1"]["1"]; got != "65" {
		t.Errorf("grouped value wrong: %q", got)
	}
	if got := result.Grouped["vitals.hr"]["S2"]["1"]; got != "70" {
		t.Errorf("grouped value wrong: %q", got)
	}

	if _, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID: "study-1",
		Format:  "csv",
	}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown format should be rejected, got %v", err)
	}
}

func TestGetData_StandardizedFormatRenamesFields(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)
	h.stds.stds = append(h.stds.stds, models.Standardization{
		ID: "std-1", StudyID: "study-1", Type: "cdisc", Field: "vitals.hr", Name: "HR",
	})

	result, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID: "study-1",
		Format:  "standardized-cdisc",
	})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected one row per (subject, visit), got %+v", result.Rows)
	}
	if result.Rows[0].SubjectID != "S1" || result.Rows[0].Values["HR"] != "65" {
		t.Errorf("row should use the standardized name: %+v", result.Rows[0])
	}

	// Templates of a different type do not apply.
	result, err = h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{
		StudyID: "study-1",
		Format:  "standardized-other",
	})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if result.Rows[0].Values["vitals.hr"] != "65" {
		t.Errorf("untemplated field should keep its fieldId: %+v", result.Rows[0])
	}
}

func TestGetData_MetadataGrant(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1", "v1")
	h.studies.studies[study.ID] = study
	v1 := "v1"
	t1 := time.Now()
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-steps", StudyID: "study-1", FieldID: "wearable.steps", FieldName: "Steps", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: t1, Metadata: map[string]any{"device": "fitbit"}},
		models.FieldEntry{ID: "fe-ecg", StudyID: "study-1", FieldID: "wearable.ecg", FieldName: "ECG", DataType: models.DataTypeJSON, DataVersion: &v1, DateAdded: t1, Metadata: map[string]any{"device": "kardia"}},
	)
	fitbit := rec("S1", "1", "wearable.steps", strPtr("9000"), &v1, t1)
	fitbit.Metadata = map[string]any{"device": "fitbit"}
	kardia := rec("S1", "1", "wearable.ecg", strPtr("{}"), &v1, t1)
	kardia.Metadata = map[string]any{"device": "kardia"}
	h.records.records = append(h.records.records, fitbit, kardia)

	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"metadata":{"device":"fitbit"}}`)

	result, err := h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{StudyID: "study-1"})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].FieldID != "wearable.steps" {
		t.Errorf("metadata grant should admit only the tagged records, got %+v", result.Records)
	}
}

func TestGetData_PseudonymizesProjectOnlyCallers(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	projectID := "proj-1"
	h.projects.Create(ctx, &models.Project{
		ID: projectID, StudyID: "study-1",
		PatientMapping: map[string]string{"S1": "ab1"}, // S2 joined after project creation
		ApprovedFields: []string{"fe-hr"},
	})
	h.roles.Create(ctx, roleWith("r-collab", "study-1", &projectID, []string{"collab"},
		`{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`))
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	result, err := h.svc.GetData(ctx, standardUser("collab"), &services.DataQueryRequest{StudyID: "study-1", ProjectID: &projectID})
	if err != nil {
		t.Fatalf("GetData collab: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("unmapped subjects must be dropped, got %+v", result.Records)
	}
	if result.Records[0].SubjectID != "ab1" {
		t.Errorf("subject id should be pseudonymized, got %q", result.Records[0].SubjectID)
	}

	// A caller who also holds study-level access keeps real ids.
	result, err = h.svc.GetData(ctx, standardUser("reader"), &services.DataQueryRequest{StudyID: "study-1", ProjectID: &projectID})
	if err != nil {
		t.Fatalf("GetData reader: %v", err)
	}
	for _, record := range result.Records {
		if record.SubjectID != "S1" && record.SubjectID != "S2" {
			t.Errorf("study-level caller should see real subject ids, got %q", record.SubjectID)
		}
	}
}

func TestUploadData(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1")
	h.studies.studies[study.ID] = study
	now := time.Now()
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-hr", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger, DateAdded: now},
		models.FieldEntry{ID: "fe-sex", StudyID: "study-1", FieldID: "demographics.sex", FieldName: "Sex", DataType: models.DataTypeCategorical, DateAdded: now,
			PossibleValues: []models.PossibleValue{{ID: "pv1", Code: "1"}, {ID: "pv2", Code: "2"}}},
		models.FieldEntry{ID: "fe-old", StudyID: "study-1", FieldID: "labs.old", FieldName: "Old", DataType: models.DataTypeString, DateAdded: now, DateDeleted: &now},
	)
	h.grantReader(ctx, "writer",
		`{"scope":"data","operations":["READ","WRITE"],"subjectIds":["^S1$"],"visitIds":[".*"],"fieldIds":[".*"]}`)

	clips := []models.DataClip{
		{SubjectID: "S1", VisitID: "1", FieldID: "vitals.hr", Value: strPtr("72")},
		{SubjectID: "S1", VisitID: "1", FieldID: "vitals.hr", Value: strPtr("abc")},
		{SubjectID: "S1", VisitID: "1", FieldID: "demographics.sex", Value: strPtr("1")},
		{SubjectID: "S1", VisitID: "1", FieldID: "demographics.sex", Value: strPtr("9")},
		{SubjectID: "S2", VisitID: "1", FieldID: "vitals.hr", Value: strPtr("80")},
		{SubjectID: "S1", VisitID: "1", FieldID: "nope", Value: strPtr("x")},
		{SubjectID: "S1", VisitID: "1", FieldID: "labs.old", Value: strPtr("x")},
	}

	results, err := h.svc.UploadData(ctx, standardUser("writer"), "study-1", clips)
	if err != nil {
		t.Fatalf("UploadData: %v", err)
	}
	if len(results) != len(clips) {
		t.Fatalf("expected one result per clip, got %d", len(results))
	}

	wantOK := []bool{true, false, true, false, false, false, false}
	for i, want := range wantOK {
		if results[i].Successful != want {
			t.Errorf("clip %d: successful=%v, want %v (%s)", i, results[i].Successful, want, results[i].Description)
		}
		if !want && results[i].Description == "" {
			t.Errorf("clip %d: rejected clip should carry a description", i)
		}
	}

	stored := 0
	for _, record := range h.records.records {
		if record.VersionID == nil {
			stored++
		}
	}
	if stored != 2 {
		t.Errorf("expected 2 live records stored, got %d", stored)
	}
}

func TestUploadData_RequiresLiveGrant(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1")
	h.studies.studies[study.ID] = study
	h.grantReader(ctx, "writer",
		`{"scope":"data","operations":["READ","WRITE"],"fieldIds":[".*"],"coverage":"versioned"}`)

	if _, err := h.svc.UploadData(ctx, standardUser("writer"), "study-1", nil); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("versioned-only grant should not upload, got %v", err)
	}
	if _, err := h.svc.UploadData(ctx, standardUser("stranger"), "study-1", nil); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("caller without write access should be rejected, got %v", err)
	}
}

func TestDeleteData_SkipsUngrantedCombinationsSilently(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1")
	h.studies.studies[study.ID] = study
	h.grantReader(ctx, "writer",
		`{"scope":"data","operations":["READ","WRITE"],"subjectIds":["^S1$"],"visitIds":[".*"],"fieldIds":[".*"]}`)

	results, err := h.svc.DeleteData(ctx, standardUser("writer"), "study-1",
		[]string{"S1", "S2"}, []string{"1"}, []string{"vitals.hr"})
	if err != nil {
		t.Fatalf("DeleteData: %v", err)
	}
	if len(results) != 1 || results[0].SubjectID != "S1" || !results[0].Successful {
		t.Fatalf("only the granted combination should be acknowledged, got %+v", results)
	}

	if len(h.records.records) != 1 {
		t.Fatalf("expected 1 tombstone, got %d", len(h.records.records))
	}
	if h.records.records[0].Value != nil || h.records.records[0].VersionID != nil {
		t.Errorf("deletion should write a live tombstone, got %+v", h.records.records[0])
	}
}

func TestListSubjectsAndVisits(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "narrow",
		`{"scope":"data","operations":["READ"],"subjectIds":["^S1$"],"fieldIds":[".*"]}`)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	subjects, err := h.svc.ListSubjects(ctx, standardUser("reader"), "study-1", nil)
	if err != nil {
		t.Fatalf("ListSubjects: %v", err)
	}
	if len(subjects) != 2 {
		t.Errorf("expected both subjects, got %v", subjects)
	}

	subjects, err = h.svc.ListSubjects(ctx, standardUser("narrow"), "study-1", nil)
	if err != nil {
		t.Fatalf("ListSubjects narrow: %v", err)
	}
	if len(subjects) != 1 || subjects[0] != "S1" {
		t.Errorf("grant patterns should scope the listing, got %v", subjects)
	}

	visits, err := h.svc.ListVisits(ctx, standardUser("reader"), "study-1", nil)
	if err != nil {
		t.Fatalf("ListVisits: %v", err)
	}
	if len(visits) != 1 || visits[0] != "1" {
		t.Errorf("unexpected visits %v", visits)
	}

	count, err := h.svc.CountSubjectVisits(ctx, standardUser("reader"), "study-1", nil)
	if err != nil {
		t.Fatalf("CountSubjectVisits: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 distinct (subject, visit) pairs, got %d", count)
	}
}

func TestCreateStandardization(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "manager", `{"scope":"study.manage","operations":["READ","WRITE"]}`)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	if _, err := h.svc.CreateStandardization(ctx, standardUser("reader"), &models.Standardization{
		StudyID: "study-1", Type: "cdisc", Field: "vitals.hr", Name: "HR",
	}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("data reader should not create templates, got %v", err)
	}

	if _, err := h.svc.CreateStandardization(ctx, standardUser("manager"), &models.Standardization{
		StudyID: "study-1", Type: "cdisc",
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("incomplete template should be rejected, got %v", err)
	}

	std, err := h.svc.CreateStandardization(ctx, standardUser("manager"), &models.Standardization{
		StudyID: "study-1", Type: "cdisc", Field: "vitals.hr", Name: "HR",
	})
	if err != nil {
		t.Fatalf("CreateStandardization: %v", err)
	}
	if std.ID == "" {
		t.Error("template should get a generated id")
	}
	if got, _ := h.stds.ListByStudyAndType(ctx, "study-1", "cdisc"); len(got) != 1 {
		t.Errorf("template not stored, got %+v", got)
	}
}

func TestExportJobs(t *testing.T) {
	h := newDataHarness(t)
	ctx := context.Background()
	h.seedVitals(t)
	h.grantReader(ctx, "reader", `{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`)

	if _, err := h.svc.CreateExportJob(ctx, standardUser("stranger"), "study-1", nil); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("caller without data access should not queue exports, got %v", err)
	}

	job, err := h.svc.CreateExportJob(ctx, standardUser("reader"), "study-1", nil)
	if err != nil {
		t.Fatalf("CreateExportJob: %v", err)
	}
	if job.Status != models.JobStatusWaiting || job.Requester != "reader" {
		t.Errorf("unexpected job %+v", job)
	}

	jobs, err := h.svc.ListExportJobs(ctx, standardUser("reader"), "study-1")
	if err != nil {
		t.Fatalf("ListExportJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("queued job should be listed, got %+v", jobs)
	}

	if _, err := h.svc.ListExportJobs(ctx, standardUser("stranger"), "study-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("caller without access should not list jobs, got %v", err)
	}
}
