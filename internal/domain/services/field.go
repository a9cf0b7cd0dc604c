package services

import (
	"context"

	"cohort/internal/domain/models"
)

// VersionSelector is the tri-state version argument of dictionary and
// record queries: absent (use the study's visible versions), explicitly
// null (live, unversioned data) or one specific version id.
type VersionSelector struct {
	// Specified distinguishes "argument absent" from "argument null".
	Specified bool
	// ID is the requested version id; nil means live data. Ignored when
	// Specified is false.
	ID *string
}

// FieldInput is one client-supplied field definition in a batch create.
type FieldInput struct {
	FieldID        string                 `json:"fieldId"`
	FieldName      string                 `json:"fieldName"`
	TableName      string                 `json:"tableName,omitempty"`
	DataType       models.DataType        `json:"dataType"`
	PossibleValues []models.PossibleValue `json:"possibleValues,omitempty"`
	Unit           string                 `json:"unit,omitempty"`
	Comments       string                 `json:"comments,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

// FieldWriteResult is the per-input outcome of a batch field write.
// Errors are data here: one bad input never aborts the batch.
type FieldWriteResult struct {
	FieldID    string   `json:"fieldId"`
	Successful bool     `json:"successful"`
	Field      *models.FieldEntry `json:"field,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// FieldService manages the versioned field dictionary.
type FieldService interface {
	// FieldsOfStudy returns the field dictionary the user may see, one
	// entry per fieldId (the latest definition wins), sorted by fieldId.
	// The version selector follows the caller-class rules: only admins
	// and holders of an explicit live grant may select live data, and
	// selecting a specific version requires it to be visible.
	FieldsOfStudy(ctx context.Context, user *models.User, studyID string, projectID *string, version VersionSelector) ([]models.FieldEntry, error)

	// CreateFields writes a batch of live field definitions. Duplicate
	// fieldIds within the batch collapse to the first occurrence; each
	// input is validated and permission-checked independently and failures
	// are reported per input.
	CreateFields(ctx context.Context, user *models.User, studyID string, inputs []FieldInput) ([]FieldWriteResult, error)

	// DeleteField writes a live tombstone entry for the fieldId. The
	// field must currently exist and the user must hold a write grant
	// matching it.
	DeleteField(ctx context.Context, user *models.User, studyID, fieldID string) (*models.FieldEntry, error)
}
