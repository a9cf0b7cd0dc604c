package models

import (
	"time"
)

// Standardization is one per-study output rewrite rule. Templates are
// configuration data registered against a study and an output type; the
// engine's only obligation is to look them up by (study, type, not deleted)
// and hand them to the evaluator together with the merged rows.
type Standardization struct {
	ID      string     `json:"id" db:"id"`
	StudyID string     `json:"study_id" db:"study_id"`
	Type    string     `json:"type" db:"type"`
	Field   string     `json:"field" db:"field"` // source fieldId the rule applies to
	Name    string     `json:"name" db:"name"`   // external name the field is rewritten to
	Deleted *time.Time `json:"deleted,omitempty" db:"deleted"`
}
