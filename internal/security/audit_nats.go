package security

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSAuditSink publishes events as JSON to <prefix>.<severity>.<event>.
// Publishing is buffered by the client; failures are logged and dropped.
type NATSAuditSink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSAuditSink publishes on nc. The caller owns the connection.
func NewNATSAuditSink(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSAuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSAuditSink{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (s *NATSAuditSink) Subject(e AuditEvent) string {
	return s.prefix + "." + string(e.Severity) + "." + e.Event
}

func (s *NATSAuditSink) Record(_ context.Context, e AuditEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("audit event not serializable", zap.String("event", e.Event), zap.Error(err))
		return
	}
	if err := s.nc.Publish(s.Subject(e), data); err != nil {
		s.logger.Warn("audit publish failed", zap.String("event", e.Event), zap.Error(err))
	}
}
