package security

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/estimatord/internal/config"
)

// Role is a user's role inside one tenant.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleEstimator Role = "estimator"
	RoleViewer    Role = "viewer"
	RoleAuditor   Role = "auditor"
)

var rolePermissions = map[Role][]Permission{
	RoleOwner: {
		ReadDocuments, WriteDocuments, DeleteDocuments,
		ReadEstimates, WriteEstimates, DeleteEstimates,
		ReadJobs, WriteJobs, DeleteJobs,
		ReadLogs,
	},
	RoleEstimator: {
		ReadDocuments, WriteDocuments,
		ReadEstimates, WriteEstimates,
		ReadJobs, WriteJobs,
	},
	RoleViewer:  {ReadDocuments, ReadEstimates, ReadJobs},
	RoleAuditor: {ReadDocuments, ReadEstimates, ReadJobs, ReadLogs},
}

// ParseRole rejects unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := rolePermissions[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Permissions returns the permissions granted by the role.
func (r Role) Permissions() Permissions {
	return NewPermissions(rolePermissions[r]...)
}

// ErrNoMembership is returned by resolvers when the user has no role in the tenant.
var ErrNoMembership = errors.New("no tenant membership")

// Membership binds a user to a tenant with a role.
type Membership struct {
	UserID         string
	ClientID       string
	OrganizationID string
	Role           Role
}

// PermissionResolver answers who may do what inside a tenant.
type PermissionResolver interface {
	// Membership returns the user's membership in clientID or ErrNoMembership.
	Membership(ctx context.Context, userID, clientID string) (*Membership, error)
	// IsUserAdmin reports whether the user is a platform administrator.
	IsUserAdmin(ctx context.Context, userID string) (bool, error)
}

// UserPermissions resolves the effective permission set of userID in clientID.
// Admins always hold AdminAll. A non-admin without membership gets
// ErrNoMembership.
func UserPermissions(ctx context.Context, r PermissionResolver, userID, clientID string) (Permissions, *Membership, bool, error) {
	admin, err := r.IsUserAdmin(ctx, userID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("resolving admin status: %w", err)
	}

	m, err := r.Membership(ctx, userID, clientID)
	switch {
	case errors.Is(err, ErrNoMembership):
		if !admin {
			return nil, nil, false, err
		}
		m = nil
	case err != nil:
		return nil, nil, false, fmt.Errorf("resolving membership: %w", err)
	}

	perms := NewPermissions()
	if m != nil {
		perms = m.Role.Permissions()
	}
	if admin {
		perms[AdminAll] = struct{}{}
	}
	return perms, m, admin, nil
}

// StaticResolver serves memberships held in memory, typically from config.
type StaticResolver struct {
	mu          sync.RWMutex
	admins      map[string]bool
	memberships map[string]Membership // key: userID + "\x00" + clientID
}

var _ PermissionResolver = (*StaticResolver)(nil)

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		admins:      make(map[string]bool),
		memberships: make(map[string]Membership),
	}
}

// NewStaticResolverFromConfig loads admins and memberships from config.
func NewStaticResolverFromConfig(cfg config.SecurityConfig) (*StaticResolver, error) {
	r := NewStaticResolver()
	for _, a := range cfg.Admins {
		r.AddAdmin(a)
	}
	for i, mc := range cfg.Memberships {
		role, err := ParseRole(mc.Role)
		if err != nil {
			return nil, fmt.Errorf("membership %d: %w", i, err)
		}
		if mc.UserID == "" || mc.ClientID == "" {
			return nil, fmt.Errorf("membership %d: user_id and client_id are required", i)
		}
		r.AddMembership(Membership{
			UserID:         mc.UserID,
			ClientID:       mc.ClientID,
			OrganizationID: mc.OrganizationID,
			Role:           role,
		})
	}
	return r, nil
}

func membershipKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// AddAdmin marks userID as a platform administrator.
func (r *StaticResolver) AddAdmin(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admins[userID] = true
}

// AddMembership adds or replaces a membership.
func (r *StaticResolver) AddMembership(m Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memberships[membershipKey(m.UserID, m.ClientID)] = m
}

func (r *StaticResolver) Membership(_ context.Context, userID, clientID string) (*Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memberships[membershipKey(userID, clientID)]
	if !ok {
		return nil, ErrNoMembership
	}
	return &m, nil
}

func (r *StaticResolver) IsUserAdmin(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[userID], nil
}
