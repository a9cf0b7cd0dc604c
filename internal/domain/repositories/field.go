package repositories

import (
	"context"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
)

// FieldQuery is the declarative filter/group/sort description a field
// dictionary lookup compiles to. The store executes the stages in order:
// match study + versions, match permission predicate, group latest per
// fieldId, sort.
type FieldQuery struct {
	StudyID string

	// DataVersions restricts dataVersion membership; a nil element selects
	// live entries. An empty slice selects nothing (a study with no
	// visible versions has no visible dictionary).
	DataVersions []*string

	// IncludeDeleted keeps tombstone entries in the result. The default
	// excludes them before grouping; upload-validation lookups need them
	// kept so a tombstone can shadow an older definition.
	IncludeDeleted bool

	// FieldPatterns, when non-empty, requires fieldId to match at least
	// one of the anchored regex sources.
	FieldPatterns []string

	// MetadataFilter, when non-empty, requires the entry metadata to
	// satisfy at least one disjunct (OR of AND-conjunctions).
	MetadataFilter []permission.MetadataFilter

	// LatestPerFieldID groups by fieldId keeping the entry with the
	// greatest dateAdded.
	LatestPerFieldID bool

	// SortByFieldID orders the result ascending by fieldId.
	SortByFieldID bool
}

// FieldRepository defines data access operations for the field dictionary.
type FieldRepository interface {
	// Query executes a declarative dictionary lookup.
	Query(ctx context.Context, q FieldQuery) ([]models.FieldEntry, error)

	// GetByIDs retrieves entries by their per-version entry ids,
	// regardless of version or deletion state.
	GetByIDs(ctx context.Context, ids []string) ([]models.FieldEntry, error)

	// LatestByFieldID retrieves the most recently added entry for a
	// semantic fieldId across all versions including live, tombstones
	// included.
	LatestByFieldID(ctx context.Context, studyID, fieldID string) (*models.FieldEntry, error)

	// BulkUpsertLive writes a batch of live entries keyed on
	// (studyId, fieldId, dataVersion IS NULL): an existing live entry for
	// the same fieldId is replaced, frozen entries are never touched.
	// An empty batch is a no-op.
	BulkUpsertLive(ctx context.Context, entries []models.FieldEntry) error

	// DistinctFieldIDs lists every fieldId ever defined in the study.
	DistinctFieldIDs(ctx context.Context, studyID string) ([]string, error)

	// AttachVersion stamps every live entry of the study with the given
	// version id and returns how many were frozen.
	AttachVersion(ctx context.Context, studyID, versionID string) (int64, error)
}
