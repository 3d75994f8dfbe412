// Package logging provides structured logging for estimatord on top of zap.
//
// Features:
//   - Trace level (-2) below Debug
//   - stdout and OpenTelemetry outputs (otelzap bridge)
//   - correlation fields pulled from context: trace_id, span_id,
//     tenant.client, tenant.org, user.id, session.id, request.id
//   - redaction of sensitive keys and value patterns (bearer tokens, JWTs,
//     DSN passwords) at the encoder
//   - sampling below error level
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTenant(ctx, &logging.Tenant{ClientID: "acme_co"})
//	logger.Info(ctx, "embedding stored", zap.Duration("duration", d))
//
// Components that accept a *zap.Logger receive logger.Underlying().
//
// Tests use NewTestLogger and its Assert helpers.
package logging
