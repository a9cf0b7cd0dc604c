// Package permission implements the pattern-based grant model: single
// permission entries carried by roles, and the aggregated PermissionSet the
// resolver folds them into.
//
// The combination model is union-only with no explicit deny: folding more
// roles into a set can only widen the coordinates it accepts. This is a
// deliberate design choice, not an accident - any broader grant means
// broader effective access, and composition stays monotonic and
// order-independent.
package permission

import (
	"encoding/json"
	"fmt"

	"cohort/internal/domain"
)

// Operation is an atomic access operation.
type Operation string

const (
	OpRead  Operation = "READ"
	OpWrite Operation = "WRITE"
)

// Scope is the management scope a permission entry applies to.
type Scope string

const (
	// ScopeData grants access to data coordinates (subject/visit/field).
	// Valid on both study-scoped and project-scoped roles.
	ScopeData Scope = "data"
	// ScopeStudyManage grants study administration (projects, versions).
	// Study-scoped roles only.
	ScopeStudyManage Scope = "study.manage"
	// ScopeStudyRoles grants role administration. Study-scoped roles only.
	ScopeStudyRoles Scope = "study.roles"
	// ScopeProjectManage grants project self-administration.
	// Project-scoped roles only.
	ScopeProjectManage Scope = "project.manage"
)

// Coverage restricts a data grant to frozen or live records. The zero
// value covers both.
type Coverage string

const (
	CoverageAll       Coverage = ""
	CoverageVersioned Coverage = "versioned"
	CoverageLive      Coverage = "live"
)

// MetadataFilter is one AND-conjunction over record metadata tags: every
// key must be contained in the record's metadata with the given value
// (array values match as subsets). It is the versioned-data equivalent of
// pattern matching.
type MetadataFilter map[string]any

// Permission is one grant entry of a role: a (scope, matcher) pair.
// Entries are persisted on roles as serialized strings; see Parse.
type Permission struct {
	Scope           Scope          `json:"scope"`
	Operations      []Operation    `json:"operations"`
	SubjectPatterns []string       `json:"subjectIds,omitempty"`
	VisitPatterns   []string       `json:"visitIds,omitempty"`
	FieldPatterns   []string       `json:"fieldIds,omitempty"`
	Coverage        Coverage       `json:"coverage,omitempty"`
	Metadata        MetadataFilter `json:"metadata,omitempty"`
}

// Parse decodes one serialized permission entry and rejects unknown
// tokens. A role carrying an unparseable entry is malformed input, never a
// silent no-op.
func Parse(raw string) (Permission, error) {
	var p Permission
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Permission{}, &domain.ValidationError{Message: fmt.Sprintf("malformed permission entry: %v", err)}
	}
	switch p.Scope {
	case ScopeData, ScopeStudyManage, ScopeStudyRoles, ScopeProjectManage:
	default:
		return Permission{}, &domain.ValidationError{Message: fmt.Sprintf("unknown permission scope %q", p.Scope)}
	}
	if len(p.Operations) == 0 {
		return Permission{}, &domain.ValidationError{Message: "permission entry carries no operations"}
	}
	for _, op := range p.Operations {
		if op != OpRead && op != OpWrite {
			return Permission{}, &domain.ValidationError{Message: fmt.Sprintf("unknown permission operation %q", op)}
		}
	}
	switch p.Coverage {
	case CoverageAll, CoverageVersioned, CoverageLive:
	default:
		return Permission{}, &domain.ValidationError{Message: fmt.Sprintf("unknown permission coverage %q", p.Coverage)}
	}
	return p, nil
}

// ParseAll parses every serialized entry of a role.
func ParseAll(raw []string) ([]Permission, error) {
	entries := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p, err := Parse(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	return entries, nil
}

// Serialize encodes the entry the way roles persist it.
func (p Permission) Serialize() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("serialize permission: %w", err)
	}
	return string(b), nil
}

// Grants reports whether the entry covers the given operation.
func (p Permission) Grants(op Operation) bool {
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ValidateScope enforces that an entry is admissible on a role of the
// given kind: a project role must never carry a study-admin permission and
// a study role must never carry a project-management one.
func (p Permission) ValidateScope(projectScoped bool) error {
	if projectScoped {
		switch p.Scope {
		case ScopeStudyManage, ScopeStudyRoles:
			return &domain.ValidationError{Message: fmt.Sprintf("permission scope %q is not applicable to a project role", p.Scope)}
		}
		return nil
	}
	if p.Scope == ScopeProjectManage {
		return &domain.ValidationError{Message: fmt.Sprintf("permission scope %q is not applicable to a study role", p.Scope)}
	}
	return nil
}
