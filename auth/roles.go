package auth

import "fmt"

// RoleMapping maps identity provider group names to application roles.
type RoleMapping map[string]Role

// NewRoleMapping builds a mapping from the configured group lists. A group
// listed under both roles keeps the higher one.
func NewRoleMapping(administratorGroups, standardGroups []string) (RoleMapping, error) {
	m := make(RoleMapping, len(administratorGroups)+len(standardGroups))
	for _, g := range standardGroups {
		if g == "" {
			return nil, configError("empty group name in standard groups")
		}
		m[g] = RoleStandardUser
	}
	for _, g := range administratorGroups {
		if g == "" {
			return nil, configError("empty group name in administrator groups")
		}
		m[g] = RoleAdministrator
	}
	if len(m) == 0 {
		return nil, configError("no groups mapped to a role; every login would be denied")
	}
	return m, nil
}

// Evaluate returns the highest-privilege role granted by any of the user's
// groups, or RoleUnauthenticated when none is mapped. Group names match
// exactly.
func Evaluate(claims *UserClaims, mapping RoleMapping) Role {
	if claims == nil {
		return RoleUnauthenticated
	}
	role := RoleUnauthenticated
	for _, g := range claims.Groups {
		if r, ok := mapping[g]; ok && r > role {
			role = r
		}
	}
	return role
}

// Admit turns an evaluation into the login outcome.
func Admit(claims *UserClaims, mapping RoleMapping) (Role, error) {
	role := Evaluate(claims, mapping)
	if role == RoleUnauthenticated {
		return role, fmt.Errorf("%w: no recognized group", ErrAuthorizationDenied)
	}
	return role, nil
}
