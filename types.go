package identity

import (
	"github.com/atelier-sites/identity/provider"
)

// Role is the application-level role carried by a profile.
//
// The data model also has an implicit "visitor" state: an unauthenticated
// request has no profile and therefore no role at all. Visitors are handled
// by the gate's redirect branch, never by a role value.
type Role string

const (
	// RoleClient is the default role assigned at sign-up.
	RoleClient Role = "client"
	// RoleAdmin unlocks admin-gated routes.
	RoleAdmin Role = "admin"
)

// Snapshot is the read model exposed to consumers. It is a self-contained
// copy taken under the store's lock: gates and views branch on it without
// ever touching store internals, and a Snapshot never mutates after it is
// returned.
//
// Loading true means "identity currently indeterminate": consumers must not
// render protected content nor redirect while it is set.
type Snapshot struct {
	Session *provider.Session
	User    *provider.User
	Profile *provider.Profile

	Loading bool
}

// IsAuthenticated reports whether a user is present.
func (s Snapshot) IsAuthenticated() bool {
	return s.User != nil
}

// IsAdmin reports whether the current profile carries the admin role.
func (s Snapshot) IsAdmin() bool {
	return s.Profile != nil && Role(s.Profile.Role) == RoleAdmin
}

// RoleLabel returns the profile role for display, or "" when signed out.
func (s Snapshot) RoleLabel() string {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.Role
}
