package models

import (
	"time"
)

// DataRecord is one raw observation at a (subject, visit, field)
// coordinate. Records are append-mostly: re-uploads add new rows for the
// same coordinate and the lifecycle rule is "last write by UploadedAt wins"
// within a (study, subject, visit, field, version) tuple. Deletion inserts
// a tombstone row with a nil Value.
type DataRecord struct {
	ID         string         `json:"id" db:"id"`
	StudyID    string         `json:"m_studyId" db:"study_id"`
	SubjectID  string         `json:"m_subjectId" db:"subject_id"`
	VisitID    string         `json:"m_visitId" db:"visit_id"`
	VersionID  *string        `json:"m_versionId" db:"version_id"` // nil = live, not yet frozen
	FieldID    string         `json:"m_fieldId" db:"field_id"`
	Value      *string        `json:"value" db:"value"` // nil = tombstone
	UploadedAt time.Time      `json:"uploadedAt" db:"uploaded_at"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// DataClip is one client-supplied observation in a bulk upload.
type DataClip struct {
	SubjectID string  `json:"subjectId"`
	VisitID   string  `json:"visitId"`
	FieldID   string  `json:"fieldId"`
	Value     *string `json:"value"`
}
