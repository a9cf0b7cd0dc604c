package repositories

import (
	"context"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
)

// RecordQuery is the declarative stage description a data-record lookup
// compiles to: restrict to study and version set, apply the permission or
// metadata predicate, restrict to the visible field catalogue.
//
// Ordering contract: Find returns records ordered by the position of their
// version id in DataVersions first and by uploadedAt descending within a
// version. The planner passes DataVersions most-authoritative-first, so
// the downstream first-non-nil merge sees authoritative records before
// superseded ones. The merge result must never depend on any other store
// iteration order.
type RecordQuery struct {
	StudyID string

	// DataVersions restricts versionId membership, most authoritative
	// first; a nil element selects live records. Empty selects nothing.
	DataVersions []*string

	// Anchored regex sources per coordinate dimension; empty = no
	// restriction on that dimension.
	SubjectPatterns []string
	VisitPatterns   []string
	FieldPatterns   []string

	// FieldIDs, when non-nil, restricts to records of the given fieldIds
	// (the visible field catalogue).
	FieldIDs []string

	// MetadataFilter, when non-empty, requires record metadata to satisfy
	// at least one disjunct (OR of AND-conjunctions).
	MetadataFilter []permission.MetadataFilter

	// ValueNotNull excludes tombstone records.
	ValueNotNull bool
}

// RecordRepository defines data access operations for raw data records.
type RecordRepository interface {
	// Find executes a declarative record lookup under the ordering
	// contract documented on RecordQuery.
	Find(ctx context.Context, q RecordQuery) ([]models.DataRecord, error)

	// BulkUpsertLive writes a batch keyed on (studyId, subjectId,
	// visitId, fieldId, versionId IS NULL): the live record for a
	// coordinate is replaced, frozen records are never touched. An empty
	// batch is a no-op, not an error.
	BulkUpsertLive(ctx context.Context, records []models.DataRecord) error

	// DistinctSubjectIDs lists the distinct subject ids matching the
	// query, sorted ascending.
	DistinctSubjectIDs(ctx context.Context, q RecordQuery) ([]string, error)

	// DistinctVisitIDs lists the distinct visit ids matching the query,
	// sorted ascending.
	DistinctVisitIDs(ctx context.Context, q RecordQuery) ([]string, error)

	// CountSubjectVisits counts distinct (subject, visit) pairs matching
	// the query.
	CountSubjectVisits(ctx context.Context, q RecordQuery) (int, error)

	// AttachVersion stamps every live record of the study with the given
	// version id and returns how many were frozen.
	AttachVersion(ctx context.Context, studyID, versionID string) (int64, error)
}
