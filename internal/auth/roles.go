package auth

import "fmt"

// Role is an admin token role. Roles are ordered: a higher role grants everything a lower one does.
type Role string

const (
	// RoleViewer may read gateway status
	RoleViewer Role = "viewer"

	// RoleAdmin may do everything a viewer can
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleAdmin:  2,
}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) String() string {
	return string(r)
}

// IsValid reports whether r is a known role
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r ranks at least as high as required
func (r Role) HasPermission(required Role) bool {
	have, ok := roleRank[r]
	return ok && have >= roleRank[required]
}
