// Package security implements the tenant security gate.
//
// Every tenant-scoped request passes WithSecurity (or Gate.Middleware for
// echo routes), which:
//
//  1. resolves the session (SessionResolver, JWT by default)
//  2. reads the client id from the clientId query parameter or the
//     x-client-id header and validates it
//  3. resolves the user's role in that client and platform admin status
//     (PermissionResolver) into a Context
//  4. requires every listed Permission unless the user holds admin:all
//
// Failures are audited and returned as sentinel errors; the handler never
// runs. AccessControl offers the same checks for use inside handlers, and
// RateLimiter enforces fixed-window limits per user, client and action over
// a pluggable CounterStore (memory or NATS JetStream KV).
package security
