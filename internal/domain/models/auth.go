package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the JWT claims the auth middleware consumes. The subject
// is the user id; AppRole carries the platform-level user type ("admin" or
// "standard") so the engine never needs its own users table.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`     // token class, must be "authenticated"
	AppRole  string `json:"app_role"` // "admin" | "standard"
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// User converts the verified claims into the user object the engine
// consumes.
func (c *AccessClaims) User() *User {
	t := UserTypeStandard
	if c.AppRole == "admin" {
		t = UserTypeAdmin
	}
	return &User{
		ID:       c.Subject,
		Username: c.Username,
		Type:     t,
	}
}
