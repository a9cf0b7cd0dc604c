package models

import (
	"time"
)

// DataType is the closed set of value types a field can carry.
type DataType string

const (
	DataTypeInteger     DataType = "int"
	DataTypeDecimal     DataType = "dec"
	DataTypeString      DataType = "str"
	DataTypeBoolean     DataType = "bool"
	DataTypeDate        DataType = "date"
	DataTypeFile        DataType = "file"
	DataTypeJSON        DataType = "json"
	DataTypeCategorical DataType = "cat"
)

// DataTypes lists every valid DataType, in display order.
var DataTypes = []DataType{
	DataTypeInteger,
	DataTypeDecimal,
	DataTypeString,
	DataTypeBoolean,
	DataTypeDate,
	DataTypeFile,
	DataTypeJSON,
	DataTypeCategorical,
}

// ValidDataType reports whether t is a member of the closed enum.
func ValidDataType(t DataType) bool {
	for _, known := range DataTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PossibleValue is one admissible code of a categorical field.
type PossibleValue struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// FieldEntry is one definition of a field within a study's dictionary.
// Entry ids are per-version: editing a frozen definition means inserting a
// new entry, never mutating in place, and deletion inserts a tombstone
// entry with DateDeleted set. The semantic identity of a field across
// versions is its FieldID, not its entry ID.
//
// Invariant: for a given (StudyID, FieldID) at most one entry has
// DateDeleted == nil within any visible-version snapshot.
type FieldEntry struct {
	ID             string          `json:"id" db:"id"`
	StudyID        string          `json:"study_id" db:"study_id"`
	FieldID        string          `json:"field_id" db:"field_id"`
	FieldName      string          `json:"field_name" db:"field_name"`
	TableName      string          `json:"table_name,omitempty" db:"table_name"`
	DataType       DataType        `json:"data_type" db:"data_type"`
	PossibleValues []PossibleValue `json:"possible_values,omitempty" db:"possible_values"`
	Unit           string          `json:"unit,omitempty" db:"unit"`
	Comments       string          `json:"comments,omitempty" db:"comments"`
	DataVersion    *string         `json:"data_version" db:"data_version"` // nil = live, not yet frozen
	Metadata       map[string]any  `json:"metadata,omitempty" db:"metadata"`
	DateAdded      time.Time       `json:"date_added" db:"date_added"`
	DateDeleted    *time.Time      `json:"date_deleted,omitempty" db:"date_deleted"`
}

// HasPossibleValue reports whether code is in the categorical value list.
func (f *FieldEntry) HasPossibleValue(code string) bool {
	for _, pv := range f.PossibleValues {
		if pv.Code == code {
			return true
		}
	}
	return false
}
