package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AccessControl performs ad-hoc authorization checks inside handlers.
type AccessControl struct {
	audit AuditSink
	now   func() time.Time
}

// NewAccessControl creates access checks that report denials to audit.
func NewAccessControl(audit AuditSink) *AccessControl {
	if audit == nil {
		audit = MultiAuditSink(nil)
	}
	return &AccessControl{audit: audit, now: time.Now}
}

// ValidateClientAccess allows access to targetClientID only for the bound
// tenant or an admin. Denials are audited at error severity.
func (a *AccessControl) ValidateClientAccess(ctx context.Context, sc *Context, targetClientID string) error {
	if sc == nil {
		return ErrUnauthorized
	}
	if sc.ClientID == targetClientID || sc.IsAdmin {
		return nil
	}
	a.audit.Record(ctx, AuditEvent{
		Event:    EventCrossTenant,
		Severity: SeverityError,
		Time:     a.now(),
		Details:  map[string]any{"target_client_id": targetClientID},
	}.withContext(sc))
	return Audited(fmt.Errorf("%w: %s", ErrCrossTenantAccess, targetClientID))
}

// ValidateOrganizationAccess is ValidateClientAccess for organizations.
func (a *AccessControl) ValidateOrganizationAccess(ctx context.Context, sc *Context, targetOrganizationID string) error {
	if sc == nil {
		return ErrUnauthorized
	}
	if sc.OrganizationID == targetOrganizationID || sc.IsAdmin {
		return nil
	}
	a.audit.Record(ctx, AuditEvent{
		Event:    EventCrossOrganization,
		Severity: SeverityError,
		Time:     a.now(),
		Details:  map[string]any{"target_organization_id": targetOrganizationID},
	}.withContext(sc))
	return Audited(fmt.Errorf("%w: %s", ErrCrossOrganizationAccess, targetOrganizationID))
}

// ValidatePermission requires p (or admin:all). Denials are audited at warn.
func (a *AccessControl) ValidatePermission(ctx context.Context, sc *Context, p Permission) error {
	if sc == nil {
		return ErrUnauthorized
	}
	if sc.HasPermission(p) {
		return nil
	}
	a.audit.Record(ctx, AuditEvent{
		Event:    EventPermissionDenied,
		Severity: SeverityWarn,
		Time:     a.now(),
		Details:  map[string]any{"required": string(p)},
	}.withContext(sc))
	return Audited(fmt.Errorf("%w: %s", ErrInsufficientPermissions, p))
}

// SanitizeData is the package-level SanitizeData bound to an AccessControl.
func (a *AccessControl) SanitizeData(data any, sc *Context) (any, error) {
	return SanitizeData(data, sc)
}

var tenantKeys = map[string]struct{}{
	"clientId":        {},
	"organizationId":  {},
	"userId":          {},
	"client_id":       {},
	"organization_id": {},
	"user_id":         {},
}

// SanitizeData returns a JSON-shaped copy of data with tenant identifiers
// (clientId, organizationId, userId and their snake_case forms) removed at
// every level. Structs are converted through their JSON encoding. sc is
// accepted for symmetry with the other checks and is not consulted.
func SanitizeData(data any, _ *Context) (any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("sanitizing response: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("sanitizing response: %w", err)
	}
	return stripTenantKeys(generic), nil
}

func stripTenantKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, drop := tenantKeys[k]; drop {
				delete(t, k)
				continue
			}
			t[k] = stripTenantKeys(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = stripTenantKeys(child)
		}
		return t
	default:
		return v
	}
}
