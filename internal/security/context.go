package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Context is the authenticated, tenant-bound identity of one request.
// It lives only for the request and is never persisted.
type Context struct {
	UserID         string
	ClientID       string
	OrganizationID string
	SessionID      string
	Permissions    Permissions
	IsAdmin        bool
	IPAddress      string
	UserAgent      string
}

// HasPermission reports whether the context satisfies p, counting AdminAll.
func (c *Context) HasPermission(p Permission) bool {
	return c != nil && c.Permissions.Allows(p)
}

type securityCtxKey struct{}

// WithContext stores sc in ctx.
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, securityCtxKey{}, sc)
}

// FromContext returns the security context stored in ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(securityCtxKey{}).(*Context)
	return sc, ok && sc != nil
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// clientIDFromRequest reads the clientId query parameter, falling back to
// the x-client-id header.
func clientIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("clientId"); id != "" {
		return id
	}
	return r.Header.Get("X-Client-Id")
}
