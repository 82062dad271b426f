// Package rbac models the cascading permission scheme: per-scope permission
// maps on organizations and projects, a monotone read < write < admin role
// hierarchy, and the site-admin bypass.
package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
)

// RemoveAll is the sentinel role passed to Apply to strip every grant a user
// holds on a scope.
const RemoveAll = "remove_all"

var (
	ErrSelfModify  = errors.New("users cannot modify their own permissions")
	ErrInvalidRole = errors.New("invalid permission level")
	ErrNotAdmin    = errors.New("admin permission required")
)

func Valid(role Role) bool {
	switch role {
	case RoleRead, RoleWrite, RoleAdmin:
		return true
	default:
		return false
	}
}

func rank(role Role) int {
	switch role {
	case RoleRead:
		return 1
	case RoleWrite:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Allows reports whether a held role satisfies a required one. Higher roles
// imply every lower role.
func Allows(held, required Role) bool {
	return rank(held) >= rank(required) && rank(required) > 0
}

// Expand lists every role implied by the held one, lowest first.
func Expand(held Role) []Role {
	switch held {
	case RoleAdmin:
		return []Role{RoleRead, RoleWrite, RoleAdmin}
	case RoleWrite:
		return []Role{RoleRead, RoleWrite}
	case RoleRead:
		return []Role{RoleRead}
	default:
		return nil
	}
}

// PermissionMap stores the highest role each user holds on a scope. The JSON
// form round-trips the expanded list shape used on the wire and in storage:
// {"vader": ["read", "write", "admin"]}.
type PermissionMap map[string]Role

func (m PermissionMap) MarshalJSON() ([]byte, error) {
	expanded := make(map[string][]Role, len(m))
	for username, role := range m {
		expanded[username] = Expand(role)
	}
	return json.Marshal(expanded)
}

func (m *PermissionMap) UnmarshalJSON(data []byte) error {
	var expanded map[string][]Role
	if err := json.Unmarshal(data, &expanded); err != nil {
		return err
	}
	result := make(PermissionMap, len(expanded))
	for username, roles := range expanded {
		highest := Role("")
		for _, role := range roles {
			if !Valid(role) {
				return fmt.Errorf("%w: %q", ErrInvalidRole, role)
			}
			if rank(role) > rank(highest) {
				highest = role
			}
		}
		if highest != "" {
			result[username] = highest
		}
	}
	*m = result
	return nil
}

// Clone returns an independent copy of the map.
func (m PermissionMap) Clone() PermissionMap {
	copied := make(PermissionMap, len(m))
	for username, role := range m {
		copied[username] = role
	}
	return copied
}

// Status computes the effective role set a user holds on a scope. Scopes are
// given outermost first; a project passes its owning org's map followed by its
// own, so org grants carry down. A site admin holds every role everywhere.
func Status(username string, siteAdmin bool, scopes ...PermissionMap) []Role {
	if siteAdmin {
		return Expand(RoleAdmin)
	}
	highest := Role("")
	for _, scope := range scopes {
		if role, ok := scope[username]; ok && rank(role) > rank(highest) {
			highest = role
		}
	}
	return Expand(highest)
}

// CheckAccess reports whether the user's effective role on the scope chain
// satisfies the required role.
func CheckAccess(username string, siteAdmin bool, required Role, scopes ...PermissionMap) bool {
	if siteAdmin {
		return Valid(required)
	}
	for _, role := range Status(username, siteAdmin, scopes...) {
		if role == required {
			return true
		}
	}
	return false
}

// Apply mutates a scope's permission map: grant target the given role, or
// strip all grants when role is RemoveAll. The actor must hold admin on the
// scope chain and may not change their own permissions. The returned map is a
// copy; persisting it is the caller's job.
func Apply(current PermissionMap, actor string, actorSiteAdmin bool, target, role string, scopes ...PermissionMap) (PermissionMap, error) {
	if actor == target {
		return nil, ErrSelfModify
	}
	chain := append([]PermissionMap{current}, scopes...)
	if !CheckAccess(actor, actorSiteAdmin, RoleAdmin, chain...) {
		return nil, ErrNotAdmin
	}
	updated := current.Clone()
	if role == RemoveAll {
		delete(updated, target)
		return updated, nil
	}
	if !Valid(Role(role)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	updated[target] = Role(role)
	return updated, nil
}
