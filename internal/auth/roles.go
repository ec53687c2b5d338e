package auth

import "fmt"

// Role is an admin role checked by the admin endpoints
type Role string

const (
	// RoleAdmin may mutate balances, limits and credentials
	RoleAdmin Role = "admin"

	// RoleViewer may only read account state and usage
	RoleViewer Role = "viewer"
)

func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is known
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if r satisfies required. Admin satisfies everything.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// ParseRole converts a role name into a Role
func ParseRole(name string) (Role, error) {
	r := Role(name)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", name)
	}
	return r, nil
}
