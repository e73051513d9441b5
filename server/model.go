package server

import (
	"slices"
	"time"
)

// Login providers recorded on a session.
const (
	ProviderCognito = "cognito"
	ProviderLocal   = "local"
)

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	AuthTime  time.Time `json:"auth_time"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthNonce is the server half of a login state. Binding matches the
// value of the browser's state cookie.
type AuthNonce struct {
	ID        string    `json:"id"`
	Binding   string    `json:"binding"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// User is a local account, optionally linked to a Cognito identity.
type User struct {
	ID           string
	Username     string
	Email        string
	DisplayName  string
	FirstName    string
	LastName     string
	CognitoID    string
	PasswordHash string
	Roles        []string
	Attributes   map[string]string
	CreatedAt    time.Time
}

// HasRole reports whether the user holds role.
func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// HasAnyRole reports whether the user holds one of roles.
func (u User) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

// Attribute keys written during provisioning.
const (
	attrCognitoGroups = "cognito_groups"
)
