package models

import (
	"time"
)

// StudyType classifies the kind of observations a study collects.
type StudyType string

const (
	StudyTypeSensor   StudyType = "SENSOR"
	StudyTypeClinical StudyType = "CLINICAL"
	StudyTypeAny      StudyType = "ANY"
)

// NoCurrentVersion is the CurrentDataVersion value of a study whose data
// has never been frozen.
const NoCurrentVersion = -1

// DataVersion is an immutable snapshot boundary: it names the set of live
// records that were frozen together for reproducible querying. Entries are
// only ever appended to a study; superseding happens by appending a new
// version and moving the study's pointer, never by editing or removing one.
//
// Two versions sharing a ContentID carry the same underlying content
// re-tagged; visibility is still decided by ID, not ContentID.
type DataVersion struct {
	ID            string    `json:"id"`
	ContentID     string    `json:"contentId"`
	Version       string    `json:"version"` // dotted numeric string, e.g. "1.2"
	Tag           *string   `json:"tag,omitempty"`
	UpdateDate    time.Time `json:"updateDate"`
	JobIDs        []string  `json:"jobIds,omitempty"`
	ExtractedFrom []string  `json:"extractedFrom,omitempty"`
	FieldTrees    []string  `json:"fieldTrees,omitempty"`
}

// Study is the top-level tenant of the system.
//
// Invariant: CurrentDataVersion is either NoCurrentVersion or a valid index
// into DataVersions, and DataVersions is append-only.
type Study struct {
	ID                 string        `json:"id" db:"id"`
	Name               string        `json:"name" db:"name"`
	CreatedBy          string        `json:"created_by" db:"created_by"`
	LastModified       time.Time     `json:"last_modified" db:"last_modified"`
	Deleted            *time.Time    `json:"deleted,omitempty" db:"deleted"`
	CurrentDataVersion int           `json:"current_data_version" db:"current_data_version"`
	DataVersions       []DataVersion `json:"data_versions" db:"data_versions"`
	Description        string        `json:"description" db:"description"`
	Type               StudyType     `json:"type" db:"type"`
}

// VisibleVersions returns the data versions visible at or before the
// current pointer: DataVersions[0..CurrentDataVersion] inclusive, or nothing
// when no data has been frozen. The visible set is always a prefix of the
// ledger, so rewinding the pointer strictly shrinks it and advancing
// strictly grows it.
func (s *Study) VisibleVersions() []DataVersion {
	if s.CurrentDataVersion < 0 || s.CurrentDataVersion >= len(s.DataVersions) {
		return nil
	}
	return s.DataVersions[:s.CurrentDataVersion+1]
}

// VisibleVersionIDs returns the ids of VisibleVersions in ledger order
// (oldest first).
func (s *Study) VisibleVersionIDs() []string {
	visible := s.VisibleVersions()
	ids := make([]string, len(visible))
	for i, v := range visible {
		ids[i] = v.ID
	}
	return ids
}

// VersionIndex returns the ledger index of the data version with the given
// id, or -1 when no such version exists. Lookup is by ID, never ContentID.
func (s *Study) VersionIndex(versionID string) int {
	for i, v := range s.DataVersions {
		if v.ID == versionID {
			return i
		}
	}
	return -1
}
