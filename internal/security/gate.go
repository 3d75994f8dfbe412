package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/estimatord/internal/logging"
	"github.com/fyrsmithlabs/estimatord/internal/tenant"
	"github.com/labstack/echo/v4"
)

// Gate authenticates a request, binds it to a tenant, checks permissions and
// audits the outcome. One Gate is built at startup and shared.
type Gate struct {
	sessions   SessionResolver
	resolver   PermissionResolver
	audit      AuditSink
	logSuccess bool
	now        func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithSuccessAudit emits an info event for every request that completes.
func WithSuccessAudit(enabled bool) GateOption {
	return func(g *Gate) { g.logSuccess = enabled }
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. audit may be nil to discard events.
func NewGate(sessions SessionResolver, resolver PermissionResolver, audit AuditSink, opts ...GateOption) *Gate {
	if audit == nil {
		audit = MultiAuditSink(nil)
	}
	g := &Gate{
		sessions: sessions,
		resolver: resolver,
		audit:    audit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandlerFunc is business logic run behind the gate.
type HandlerFunc[T any] func(ctx context.Context, sc *Context) (T, error)

// WithSecurity runs handler only if r carries a valid session, a valid
// client id the user belongs to, and every required permission (or
// admin:all). Each call emits exactly one audit event when success auditing
// is on: a violation, a handler error, or a grant. A handler error already
// marked with Audited is not recorded again. Handler errors are returned
// unchanged.
func WithSecurity[T any](g *Gate, r *http.Request, handler HandlerFunc[T], required ...Permission) (T, error) {
	var zero T
	ctx := r.Context()
	start := g.now()

	sc, err := g.authorize(ctx, r, required)
	if err != nil {
		g.recordViolation(ctx, r, sc, required, err)
		return zero, err
	}

	ctx = bind(ctx, sc)
	out, err := handler(ctx, sc)
	elapsed := g.now().Sub(start)

	if err != nil {
		if IsAudited(err) {
			return zero, err
		}
		g.audit.Record(ctx, AuditEvent{
			Event:      EventSecurityError,
			Severity:   SeverityError,
			Time:       g.now(),
			Method:     r.Method,
			Path:       r.URL.Path,
			DurationMS: elapsed.Milliseconds(),
			Details:    map[string]any{"error": err.Error()},
		}.withContext(sc))
		return zero, err
	}

	if g.logSuccess {
		g.audit.Record(ctx, AuditEvent{
			Event:      EventAccessGranted,
			Severity:   SeverityInfo,
			Time:       g.now(),
			Method:     r.Method,
			Path:       r.URL.Path,
			DurationMS: elapsed.Milliseconds(),
			Details:    map[string]any{"required": permissionStrings(required)},
		}.withContext(sc))
	}
	return out, nil
}

// Authorize performs the gate checks without running a handler. Failures
// are audited.
func (g *Gate) Authorize(r *http.Request, required ...Permission) (*Context, error) {
	sc, err := g.authorize(r.Context(), r, required)
	if err != nil {
		g.recordViolation(r.Context(), r, sc, required, err)
		return nil, err
	}
	return sc, nil
}

// authorize returns a partially filled context alongside an error so that
// violations can be attributed.
func (g *Gate) authorize(ctx context.Context, r *http.Request, required []Permission) (*Context, error) {
	sc := &Context{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}

	session, err := g.sessions.Resolve(ctx, r)
	if err != nil {
		return sc, fmt.Errorf("resolving session: %w", err)
	}
	if session == nil || session.UserID == "" {
		return sc, ErrUnauthorized
	}
	sc.UserID = session.UserID
	sc.SessionID = session.SessionID

	clientID := clientIDFromRequest(r)
	if err := tenant.ValidateClientID(clientID); err != nil {
		return sc, err
	}
	sc.ClientID = clientID

	perms, membership, admin, err := UserPermissions(ctx, g.resolver, sc.UserID, clientID)
	if errors.Is(err, ErrNoMembership) {
		return sc, fmt.Errorf("%w: %s", ErrNotTenantMember, clientID)
	}
	if err != nil {
		return sc, err
	}
	sc.Permissions = perms
	sc.IsAdmin = admin
	if membership != nil {
		sc.OrganizationID = membership.OrganizationID
	}

	if !perms.Allows(required...) {
		return sc, fmt.Errorf("%w: missing %v", ErrInsufficientPermissions, perms.Missing(required...))
	}
	return sc, nil
}

func (g *Gate) recordViolation(ctx context.Context, r *http.Request, sc *Context, required []Permission, err error) {
	details := map[string]any{"reason": failureReason(err)}
	if len(required) > 0 {
		details["required"] = permissionStrings(required)
	}
	if sc != nil && sc.Permissions != nil {
		if missing := sc.Permissions.Missing(required...); len(missing) > 0 {
			details["missing"] = permissionStrings(missing)
		}
	}
	g.audit.Record(ctx, AuditEvent{
		Event:    EventSecurityViolation,
		Severity: SeverityWarn,
		Time:     g.now(),
		Method:   r.Method,
		Path:     r.URL.Path,
		Details:  details,
	}.withContext(sc))
}

// bind attaches sc and its log correlation to ctx.
func bind(ctx context.Context, sc *Context) context.Context {
	ctx = WithContext(ctx, sc)
	ctx = logging.WithTenant(ctx, &logging.Tenant{ClientID: sc.ClientID, OrganizationID: sc.OrganizationID})
	ctx = logging.WithUserID(ctx, sc.UserID)
	return logging.WithSessionID(ctx, sc.SessionID)
}

func permissionStrings(ps []Permission) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

const echoContextKey = "security.context"

// Middleware protects an echo route. The handler reads the security context
// with ContextFromEcho or FromContext(c.Request().Context()).
func (g *Gate) Middleware(required ...Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, err := WithSecurity(g, c.Request(), func(ctx context.Context, sc *Context) (struct{}, error) {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set(echoContextKey, sc)
				return struct{}{}, next(c)
			}, required...)
			return err
		}
	}
}

// ContextFromEcho returns the security context set by Middleware.
func ContextFromEcho(c echo.Context) (*Context, bool) {
	sc, ok := c.Get(echoContextKey).(*Context)
	return sc, ok && sc != nil
}
