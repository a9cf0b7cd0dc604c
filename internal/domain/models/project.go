package models

import (
	"time"
)

// Project is a sub-scope of a study handed to external collaborators.
// Collaborators see pseudonymized subject ids and only the approved subset
// of fields and files.
//
// Invariant: PatientMapping is a bijection generated once at project
// creation over the subject ids visible at that moment; it is not
// recomputed when new subjects appear later.
type Project struct {
	ID             string            `json:"id" db:"id"`
	StudyID        string            `json:"study_id" db:"study_id"`
	CreatedBy      string            `json:"created_by" db:"created_by"`
	Name           string            `json:"name" db:"name"`
	PatientMapping map[string]string `json:"patient_mapping,omitempty" db:"patient_mapping"`
	ApprovedFields []string          `json:"approved_fields" db:"approved_fields"`
	ApprovedFiles  []string          `json:"approved_files" db:"approved_files"`
	LastModified   time.Time         `json:"last_modified" db:"last_modified"`
	Deleted        *time.Time        `json:"deleted,omitempty" db:"deleted"`
}
