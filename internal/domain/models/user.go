package models

// UserType distinguishes administrators (who bypass pattern-based
// permission checks) from standard users.
type UserType string

const (
	UserTypeAdmin    UserType = "ADMIN"
	UserTypeStandard UserType = "STANDARD"
)

// User is the authenticated caller supplied by the transport layer.
// The engine only ever consumes the id and the type; everything else
// about identity lives with the auth collaborator.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username,omitempty"`
	Type     UserType `json:"type"`
}

// IsAdmin reports whether the user bypasses pattern matching entirely.
func (u *User) IsAdmin() bool {
	return u != nil && u.Type == UserTypeAdmin
}
