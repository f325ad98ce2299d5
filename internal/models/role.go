package models

import "strings"

// Role is an organization-scoped role. The set is closed and totally ordered:
// VIEWER < MEMBER < ADMIN < OWNER.
type Role string

const (
	RoleViewer Role = "VIEWER"
	RoleMember Role = "MEMBER"
	RoleAdmin  Role = "ADMIN"
	RoleOwner  Role = "OWNER"
)

// Roles lists every valid role in ascending rank order.
var Roles = []Role{RoleViewer, RoleMember, RoleAdmin, RoleOwner}

// Rank returns the position of r in the hierarchy, or -1 for unknown roles.
func (r Role) Rank() int {
	switch r {
	case RoleViewer:
		return 0
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	default:
		return -1
	}
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// HasPermission reports whether actual satisfies required. Unknown roles never do.
func HasPermission(actual, required Role) bool {
	if !actual.Valid() || !required.Valid() {
		return false
	}
	return actual.Rank() >= required.Rank()
}

// ParseRole normalises s (case-insensitive) into a Role.
func ParseRole(s string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	return role, role.Valid()
}
