package security

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a capability token granted to a user within a tenant.
type Permission string

const (
	ReadDocuments   Permission = "read:documents"
	WriteDocuments  Permission = "write:documents"
	DeleteDocuments Permission = "delete:documents"
	ReadEstimates   Permission = "read:estimates"
	WriteEstimates  Permission = "write:estimates"
	DeleteEstimates Permission = "delete:estimates"
	ReadJobs        Permission = "read:jobs"
	WriteJobs       Permission = "write:jobs"
	DeleteJobs      Permission = "delete:jobs"
	ReadLogs        Permission = "read:logs"
	// AdminAll satisfies every permission check.
	AdminAll Permission = "admin:all"
)

var allPermissions = []Permission{
	ReadDocuments, WriteDocuments, DeleteDocuments,
	ReadEstimates, WriteEstimates, DeleteEstimates,
	ReadJobs, WriteJobs, DeleteJobs,
	ReadLogs, AdminAll,
}

// AllPermissions returns every known permission.
func AllPermissions() []Permission {
	return append([]Permission(nil), allPermissions...)
}

// ParsePermission rejects tokens outside the closed set.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.TrimSpace(s))
	for _, known := range allPermissions {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Permissions is a set of permissions.
type Permissions map[Permission]struct{}

// NewPermissions builds a set from ps.
func NewPermissions(ps ...Permission) Permissions {
	set := make(Permissions, len(ps))
	for _, p := range ps {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether p is in the set. AdminAll is not implied here; see Allows.
func (s Permissions) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Allows reports whether the set holds AdminAll or every permission in required.
func (s Permissions) Allows(required ...Permission) bool {
	if s.Has(AdminAll) {
		return true
	}
	for _, p := range required {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Missing returns the required permissions not in the set, sorted.
func (s Permissions) Missing(required ...Permission) []Permission {
	if s.Has(AdminAll) {
		return nil
	}
	var missing []Permission
	for _, p := range required {
		if !s.Has(p) {
			missing = append(missing, p)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Slice returns the permissions sorted.
func (s Permissions) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted permission tokens.
func (s Permissions) Strings() []string {
	ps := s.Slice()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
