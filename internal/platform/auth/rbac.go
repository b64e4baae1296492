package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		if level := roleLevels[strings.ToLower(strings.TrimSpace(role))]; level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest maps reads to viewer, administrative paths to admin
// and every other write (starting runs, reporting progress) to editor.
func RequiredRoleForRequest(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/api/admin/") {
		return RoleAdmin
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}

func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}

// AdminPolicy is the allow/deny decision for administrative operations.
type AdminPolicy interface {
	AllowAdmin(identity Identity) bool
}

// RoleAdminPolicy allows identities holding at least MinRole.
type RoleAdminPolicy struct {
	MinRole string
}

func (p RoleAdminPolicy) AllowAdmin(identity Identity) bool {
	role := p.MinRole
	if role == "" {
		role = RoleAdmin
	}
	return HasAtLeast(identity.Roles, role)
}

// AllowAll is used when AUTH_MODE=disabled.
type AllowAll struct{}

func (AllowAll) AllowAdmin(Identity) bool { return true }
