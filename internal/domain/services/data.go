package services

import (
	"context"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
)

// Output formats of a data query. Standardized formats are
// "standardized-<type>", where <type> selects the registered templates.
const (
	FormatRaw     = "raw"
	FormatGrouped = "grouped"
)

// DataQueryRequest describes one read of a study's data.
type DataQueryRequest struct {
	StudyID   string
	ProjectID *string

	// Version selects which snapshot to read; the zero value means "the
	// study's visible versions", resolved per the caller's grants.
	Version VersionSelector

	// Optional caller filters. These narrow the permission predicate,
	// never widen it: a record must satisfy both the caller filter and
	// the user's grants.
	SubjectPatterns []string
	VisitPatterns   []string
	FieldPatterns   []string
	Metadata        []permission.MetadataFilter

	// Format is FormatRaw (default), FormatGrouped or
	// "standardized-<type>".
	Format string
}

// DataRow is one merged (subject, visit) observation row.
type DataRow struct {
	SubjectID string            `json:"subjectId"`
	VisitID   string            `json:"visitId"`
	Values    map[string]string `json:"values"` // keyed by fieldId, or rewritten name when standardized
}

// DataQueryResult carries the query output in the requested shape.
// Exactly one of the payload fields is populated.
type DataQueryResult struct {
	Format string `json:"format"`

	// Records holds the raw merged records, newest-authoritative winner
	// per coordinate.
	Records []models.DataRecord `json:"records,omitempty"`

	// Grouped maps fieldId -> subjectId -> visitId -> value.
	Grouped map[string]map[string]map[string]string `json:"grouped,omitempty"`

	// Rows holds grouped-by-instance rows, standardized when the format
	// asked for it.
	Rows []DataRow `json:"rows,omitempty"`
}

// ClipResult is the per-clip outcome of a bulk upload or delete.
type ClipResult struct {
	SubjectID   string `json:"subjectId"`
	VisitID     string `json:"visitId"`
	FieldID     string `json:"fieldId"`
	Successful  bool   `json:"successful"`
	Description string `json:"description,omitempty"`
}

// DataService handles record queries, uploads, deletions and exports.
type DataService interface {
	// GetData plans and executes a permission-scoped read of the study's
	// records and merges them into the requested output shape. The merge
	// is deterministic: re-running the same query over unchanged data
	// yields an identical result.
	GetData(ctx context.Context, user *models.User, req *DataQueryRequest) (*DataQueryResult, error)

	// UploadData writes a batch of live observations. Each clip is
	// validated against the field dictionary and the user's write grants
	// independently; failures are reported per clip.
	UploadData(ctx context.Context, user *models.User, studyID string, clips []models.DataClip) ([]ClipResult, error)

	// DeleteData writes live tombstones for every (subject, visit, field)
	// combination given. Combinations outside the user's write grants are
	// skipped silently.
	DeleteData(ctx context.Context, user *models.User, studyID string, subjectIDs, visitIDs, fieldIDs []string) ([]ClipResult, error)

	// ListSubjects lists the distinct subject ids visible to the user.
	ListSubjects(ctx context.Context, user *models.User, studyID string, projectID *string) ([]string, error)

	// ListVisits lists the distinct visit ids visible to the user.
	ListVisits(ctx context.Context, user *models.User, studyID string, projectID *string) ([]string, error)

	// CountSubjectVisits counts the distinct (subject, visit) pairs
	// visible to the user.
	CountSubjectVisits(ctx context.Context, user *models.User, studyID string, projectID *string) (int, error)

	// CreateStandardization registers an output rewrite template.
	// Requires study management.
	CreateStandardization(ctx context.Context, user *models.User, std *models.Standardization) (*models.Standardization, error)

	// CreateExportJob queues an export of the study (or of one project).
	CreateExportJob(ctx context.Context, user *models.User, studyID string, projectID *string) (*models.ExportJob, error)

	// ListExportJobs lists the export jobs of a study, newest first.
	ListExportJobs(ctx context.Context, user *models.User, studyID string) ([]models.ExportJob, error)
}
