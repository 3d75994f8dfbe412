package security

import (
	"errors"

	"github.com/fyrsmithlabs/estimatord/internal/tenant"
)

// Gate and access-control errors. The HTTP layer maps them to status codes
// with errors.Is.
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrClientIDRequired        = tenant.ErrMissingClientID
	ErrInvalidClientID         = tenant.ErrInvalidClientID
	ErrNotTenantMember         = errors.New("not a member of this client")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrCrossTenantAccess       = errors.New("cross-tenant access denied")
	ErrCrossOrganizationAccess = errors.New("cross-organization access denied")
	ErrRateLimited             = errors.New("rate limit exceeded")
)

// failureReason names the audit category for a gate failure.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthenticated"
	case errors.Is(err, ErrClientIDRequired):
		return "client_id_missing"
	case errors.Is(err, ErrInvalidClientID):
		return "client_id_invalid"
	case errors.Is(err, ErrNotTenantMember):
		return "not_tenant_member"
	case errors.Is(err, ErrInsufficientPermissions):
		return "insufficient_permissions"
	default:
		return "context_resolution_failed"
	}
}

// auditedError marks a denial whose audit event was already recorded by the
// check that produced it.
type auditedError struct{ err error }

func (e *auditedError) Error() string { return e.err.Error() }
func (e *auditedError) Unwrap() error { return e.err }

// Audited wraps err so the gate does not record a second event for it.
func Audited(err error) error {
	if err == nil || IsAudited(err) {
		return err
	}
	return &auditedError{err: err}
}

// IsAudited reports whether err, or an error it wraps, came from Audited.
func IsAudited(err error) bool {
	var ae *auditedError
	return errors.As(err, &ae)
}
