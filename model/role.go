// Package model provides role-based model selection for the audit pipeline.
// Each pipeline stage (cataloger, router, auditor) names a role, and the
// registry resolves the role to an ordered chain of endpoints plus the
// sampling settings that stage runs with.
package model

// Role identifies a pipeline stage that issues model calls.
type Role string

const (
	// RoleCataloger builds the deep content index of one evidence document.
	RoleCataloger Role = "cataloger"

	// RoleRouter selects the evidence documents relevant to one requirement.
	RoleRouter Role = "router"

	// RoleAuditor judges compliance for one requirement.
	RoleAuditor Role = "auditor"
)

// Roles lists every pipeline role in execution order.
func Roles() []Role {
	return []Role{RoleCataloger, RoleRouter, RoleAuditor}
}

// IsValid checks if a role string is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleCataloger, RoleRouter, RoleAuditor:
		return true
	}
	return false
}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// ParseRole converts a string to a Role, returning empty for invalid values.
func ParseRole(s string) Role {
	role := Role(s)
	if role.IsValid() {
		return role
	}
	return ""
}
