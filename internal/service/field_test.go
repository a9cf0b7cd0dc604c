package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/services"
)

func mustSet(t *testing.T, entries ...permission.Permission) *permission.Set {
	t.Helper()
	set, err := permission.NewSet(entries)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

func dataEntry(coverage permission.Coverage, fieldPatterns ...string) permission.Permission {
	return permission.Permission{
		Scope:         permission.ScopeData,
		Operations:    []permission.Operation{permission.OpRead, permission.OpWrite},
		FieldPatterns: fieldPatterns,
		Coverage:      coverage,
	}
}

func TestResolveVersionSelector(t *testing.T) {
	study := frozenStudy("study-1", "v1", "v2", "v3")
	study.CurrentDataVersion = 1 // v3 exists but is not visible

	live := services.VersionSelector{Specified: true}
	specific := func(id string) services.VersionSelector {
		return services.VersionSelector{Specified: true, ID: &id}
	}
	absent := services.VersionSelector{}

	renderKeys := func(keys []*string) []string {
		out := make([]string, len(keys))
		for i, k := range keys {
			if k == nil {
				out[i] = "<live>"
			} else {
				out[i] = *k
			}
		}
		return out
	}

	tests := []struct {
		name    string
		set     *permission.Set
		isAdmin bool
		sel     services.VersionSelector
		want    []string
		wantErr error
	}{
		{"live for admin", nil, true, live, []string{"<live>"}, nil},
		{"live with live grant", mustSet(t, dataEntry(permission.CoverageLive, ".*")), false, live, []string{"<live>"}, nil},
		{"live without live grant", mustSet(t, dataEntry(permission.CoverageVersioned, ".*")), false, live, nil, domain.ErrForbidden},
		{"specific visible version", mustSet(t, dataEntry(permission.CoverageAll, ".*")), false, specific("v2"), []string{"v2"}, nil},
		{"specific unknown version", mustSet(t, dataEntry(permission.CoverageAll, ".*")), false, specific("v404"), nil, domain.ErrNotFound},
		{"specific invisible version", mustSet(t, dataEntry(permission.CoverageAll, ".*")), false, specific("v3"), nil, domain.ErrForbidden},
		{"specific invisible version for admin", nil, true, specific("v3"), []string{"v3"}, nil},
		{"absent with versioned grant", mustSet(t, dataEntry(permission.CoverageAll, ".*")), false, absent, []string{"v2", "v1"}, nil},
		{"absent with live-only grant", mustSet(t, dataEntry(permission.CoverageLive, ".*")), false, absent, nil, domain.ErrForbidden},
		{"absent for admin puts live first", nil, true, absent, []string{"<live>", "v2", "v1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveVersionSelector(study, tt.set, tt.isAdmin, tt.sel)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveVersionSelector: %v", err)
			}
			keys := renderKeys(got)
			if len(keys) != len(tt.want) {
				t.Fatalf("got %v, want %v", keys, tt.want)
			}
			for i := range keys {
				if keys[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", keys, tt.want)
				}
			}
		})
	}
}

func TestResolveVersionSelector_NeverFrozen(t *testing.T) {
	study := frozenStudy("study-1")

	got, err := resolveVersionSelector(study, nil, true, services.VersionSelector{})
	if err != nil {
		t.Fatalf("resolveVersionSelector admin: %v", err)
	}
	if len(got) != 1 || got[0] != nil {
		t.Errorf("admin over a never-frozen study should read only live data, got %v", got)
	}

	set := mustSet(t, dataEntry(permission.CoverageAll, ".*"))
	got, err = resolveVersionSelector(study, set, false, services.VersionSelector{})
	if err != nil {
		t.Fatalf("resolveVersionSelector standard: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("standard user over a never-frozen study should see no versions, got %v", got)
	}
}

type fieldHarness struct {
	studies  *fakeStudyRepo
	projects *fakeProjectRepo
	roles    *fakeRoleRepo
	fields   *fakeFieldRepo
	svc      services.FieldService
}

func newFieldHarness(t *testing.T) *fieldHarness {
	t.Helper()
	h := &fieldHarness{
		studies:  newFakeStudyRepo(),
		projects: newFakeProjectRepo(),
		roles:    newFakeRoleRepo(),
		fields:   newFakeFieldRepo(),
	}
	logger := testLogger()
	permissions := NewPermissionService(h.roles, logger)
	h.svc = NewFieldService(h.studies, h.projects, h.fields, permissions, logger)
	return h
}

func TestFieldsOfStudy_TombstoneShadowsOlderDefinitions(t *testing.T) {
	h := newFieldHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1", "v1")
	h.studies.studies[study.ID] = study
	v1 := "v1"
	t1 := time.Now().Add(-2 * time.Hour)
	t2 := time.Now().Add(-time.Hour)
	t3 := time.Now()
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-hr", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: t1},
		models.FieldEntry{ID: "fe-hr-live", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate (bpm)", DataType: models.DataTypeInteger, DateAdded: t3},
		models.FieldEntry{ID: "fe-bp", StudyID: "study-1", FieldID: "vitals.bp", FieldName: "Blood pressure", DataType: models.DataTypeString, DataVersion: &v1, DateAdded: t1},
		models.FieldEntry{ID: "fe-bp-del", StudyID: "study-1", FieldID: "vitals.bp", FieldName: "Blood pressure", DataType: models.DataTypeString, DataVersion: &v1, DateAdded: t2, DateDeleted: &t2},
		models.FieldEntry{ID: "fe-glu", StudyID: "study-1", FieldID: "labs.glucose", FieldName: "Glucose", DataType: models.DataTypeDecimal, DataVersion: &v1, DateAdded: t1},
	)
	h.roles.Create(ctx, roleWith("r1", "study-1", nil, []string{"reader"},
		`{"scope":"data","operations":["READ"],"fieldIds":["^vitals\\..*$"]}`))

	// The reader sees the frozen dictionary, minus the tombstoned field,
	// minus fields outside the grant. The live redefinition of vitals.hr
	// is invisible without a live selection.
	entries, err := h.svc.FieldsOfStudy(ctx, standardUser("reader"), "study-1", nil, services.VersionSelector{})
	if err != nil {
		t.Fatalf("FieldsOfStudy: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "fe-hr" {
		t.Fatalf("expected [fe-hr], got %+v", entries)
	}

	// Admins see the live rows too: the live redefinition wins the
	// vitals.hr group and the ungranted field appears.
	entries, err = h.svc.FieldsOfStudy(ctx, adminUser(), "study-1", nil, services.VersionSelector{})
	if err != nil {
		t.Fatalf("FieldsOfStudy admin: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].FieldID != "labs.glucose" || entries[1].ID != "fe-hr-live" {
		t.Errorf("expected [labs.glucose, fe-hr-live] sorted by fieldId, got %+v", entries)
	}

	if _, err := h.svc.FieldsOfStudy(ctx, standardUser("stranger"), "study-1", nil, services.VersionSelector{}); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("caller without data access should be rejected, got %v", err)
	}
}

func TestFieldsOfStudy_EqualTimestampTieBreaksOnEntryID(t *testing.T) {
	h := newFieldHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1", "v1")
	h.studies.studies[study.ID] = study
	v1 := "v1"
	added := time.Now()
	// Two definitions of the same fieldId share a dateAdded. The greater
	// entry id wins the group, in any iteration order.
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-hr-b", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate (new)", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: added},
		models.FieldEntry{ID: "fe-hr-a", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate (old)", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: added},
	)
	h.roles.Create(ctx, roleWith("r1", "study-1", nil, []string{"reader"},
		`{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`))

	entries, err := h.svc.FieldsOfStudy(ctx, standardUser("reader"), "study-1", nil, services.VersionSelector{})
	if err != nil {
		t.Fatalf("FieldsOfStudy: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "fe-hr-b" {
		t.Fatalf("expected [fe-hr-b] to win the tie, got %+v", entries)
	}
}

func TestFieldsOfStudy_ProjectRestrictsToApprovedFields(t *testing.T) {
	h := newFieldHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1", "v1")
	h.studies.studies[study.ID] = study
	v1 := "v1"
	t1 := time.Now()
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-hr", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: t1},
		models.FieldEntry{ID: "fe-glu", StudyID: "study-1", FieldID: "labs.glucose", FieldName: "Glucose", DataType: models.DataTypeDecimal, DataVersion: &v1, DateAdded: t1},
	)
	projectID := "proj-1"
	h.projects.Create(ctx, &models.Project{ID: projectID, StudyID: "study-1", ApprovedFields: []string{"fe-hr"}})
	h.roles.Create(ctx, roleWith("r1", "study-1", &projectID, []string{"collab"},
		`{"scope":"data","operations":["READ"],"fieldIds":[".*"]}`))

	entries, err := h.svc.FieldsOfStudy(ctx, standardUser("collab"), "study-1", &projectID, services.VersionSelector{})
	if err != nil {
		t.Fatalf("FieldsOfStudy: %v", err)
	}
	if len(entries) != 1 || entries[0].FieldID != "vitals.hr" {
		t.Errorf("collaborator should see only approved fields, got %+v", entries)
	}

	// Admins are not narrowed by the approved list.
	entries, err = h.svc.FieldsOfStudy(ctx, adminUser(), "study-1", &projectID, services.VersionSelector{})
	if err != nil {
		t.Fatalf("FieldsOfStudy admin: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("admin should see the full dictionary, got %+v", entries)
	}
}

func TestCreateFields(t *testing.T) {
	h := newFieldHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1")
	h.studies.studies[study.ID] = study
	h.roles.Create(ctx, roleWith("r1", "study-1", nil, []string{"writer"},
		`{"scope":"data","operations":["READ","WRITE"],"fieldIds":["^vitals\\..*$"]}`))

	inputs := []services.FieldInput{
		{FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger, Unit: "bpm"},
		{FieldID: "vitals.hr", FieldName: "duplicate, collapsed", DataType: models.DataTypeInteger},
		{FieldID: "vitals.sex", FieldName: "Sex", DataType: models.DataTypeCategorical}, // no possible values
		{FieldID: "", FieldName: "", DataType: "nope"},
		{FieldID: "labs.glucose", FieldName: "Glucose", DataType: models.DataTypeDecimal}, // outside the grant
	}

	results, err := h.svc.CreateFields(ctx, standardUser("writer"), "study-1", inputs)
	if err != nil {
		t.Fatalf("CreateFields: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("duplicate fieldIds should collapse, got %d results", len(results))
	}

	byField := make(map[string]services.FieldWriteResult, len(results))
	for _, r := range results {
		byField[r.FieldID] = r
	}

	if r := byField["vitals.hr"]; !r.Successful || r.Field == nil || r.Field.FieldName != "Heart rate" {
		t.Errorf("first occurrence should win: %+v", r)
	}
	if r := byField["vitals.sex"]; r.Successful || len(r.Errors) == 0 {
		t.Errorf("categorical without values should fail: %+v", r)
	}
	if r := byField[""]; r.Successful || len(r.Errors) < 3 {
		t.Errorf("all violations should be reported together: %+v", r)
	}
	if r := byField["labs.glucose"]; r.Successful || len(r.Errors) == 0 {
		t.Errorf("field outside the write grant should fail: %+v", r)
	}

	stored, _ := h.fields.DistinctFieldIDs(ctx, "study-1")
	if len(stored) != 1 || stored[0] != "vitals.hr" {
		t.Errorf("only the accepted definition should be stored, got %v", stored)
	}
}

func TestCreateFields_VersionedGrantCannotWriteLive(t *testing.T) {
	h := newFieldHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1")
	h.studies.studies[study.ID] = study
	h.roles.Create(ctx, roleWith("r1", "study-1", nil, []string{"writer"},
		`{"scope":"data","operations":["READ","WRITE"],"fieldIds":[".*"],"coverage":"versioned"}`))

	results, err := h.svc.CreateFields(ctx, standardUser("writer"), "study-1", []services.FieldInput{
		{FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger},
	})
	if err != nil {
		t.Fatalf("CreateFields: %v", err)
	}
	if results[0].Successful {
		t.Error("versioned-only grant should not write live definitions")
	}
}

func TestDeleteField(t *testing.T) {
	h := newFieldHarness(t)
	ctx := context.Background()
	study := frozenStudy("study-1", "v1")
	h.studies.studies[study.ID] = study
	v1 := "v1"
	h.fields.entries = append(h.fields.entries,
		models.FieldEntry{ID: "fe-hr", StudyID: "study-1", FieldID: "vitals.hr", FieldName: "Heart rate", DataType: models.DataTypeInteger, DataVersion: &v1, DateAdded: time.Now().Add(-time.Hour)},
	)
	h.roles.Create(ctx, roleWith("r1", "study-1", nil, []string{"writer"},
		`{"scope":"data","operations":["READ","WRITE"],"fieldIds":["^vitals\\..*$"]}`))

	if _, err := h.svc.DeleteField(ctx, standardUser("writer"), "study-1", "labs.glucose"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("field outside the grant should be forbidden, got %v", err)
	}

	tombstone, err := h.svc.DeleteField(ctx, standardUser("writer"), "study-1", "vitals.hr")
	if err != nil {
		t.Fatalf("DeleteField: %v", err)
	}
	if tombstone.DateDeleted == nil || tombstone.DataVersion != nil {
		t.Errorf("deletion should write a live tombstone, got %+v", tombstone)
	}
	if tombstone.ID == "fe-hr" {
		t.Error("the frozen definition must not be mutated in place")
	}

	// The tombstone is now the latest definition.
	if _, err := h.svc.DeleteField(ctx, standardUser("writer"), "study-1", "vitals.hr"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("deleting an already-deleted field should fail, got %v", err)
	}
}
