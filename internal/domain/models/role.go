package models

import (
	"time"
)

// Role is a permission grant attaching a set of users to a set of
// serialized permission entries within one study, or within one project of
// that study.
//
// A role with a nil ProjectID is study-scoped; a role with a non-nil
// ProjectID is project-scoped and must only carry project-applicable
// permission kinds. That constraint is validated on create/edit, not
// assumed (see permission.Permission.ValidateScope).
type Role struct {
	ID          string     `json:"id" db:"id"`
	StudyID     string     `json:"study_id" db:"study_id"`
	ProjectID   *string    `json:"project_id,omitempty" db:"project_id"`
	Name        string     `json:"name" db:"name"`
	Permissions []string   `json:"permissions" db:"permissions"`
	Users       []string   `json:"users" db:"users"`
	CreatedBy   string     `json:"created_by" db:"created_by"`
	Deleted     *time.Time `json:"deleted,omitempty" db:"deleted"`
}

// HasUser reports whether the given user is a member of the role.
func (r *Role) HasUser(userID string) bool {
	for _, u := range r.Users {
		if u == userID {
			return true
		}
	}
	return false
}
