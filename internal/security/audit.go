package security

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/estimatord/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Audit event names.
const (
	EventAccessGranted     = "access_granted"
	EventSecurityViolation = "security_violation"
	EventSecurityError     = "security_error"
	EventCrossTenant       = "cross_tenant_access_attempt"
	EventCrossOrganization = "cross_organization_access_attempt"
	EventPermissionDenied  = "permission_denied"
	EventRateLimitExceeded = "rate_limit_exceeded"
)

// AuditEvent is one security-relevant occurrence.
type AuditEvent struct {
	Event          string         `json:"event"`
	Severity       Severity       `json:"severity"`
	Time           time.Time      `json:"time"`
	UserID         string         `json:"user_id,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Method         string         `json:"method,omitempty"`
	Path           string         `json:"path,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// withContext copies identity fields from sc into the event.
func (e AuditEvent) withContext(sc *Context) AuditEvent {
	if sc == nil {
		return e
	}
	e.UserID = sc.UserID
	e.ClientID = sc.ClientID
	e.OrganizationID = sc.OrganizationID
	e.SessionID = sc.SessionID
	e.IPAddress = sc.IPAddress
	e.UserAgent = sc.UserAgent
	return e
}

// AuditSink receives audit events. Record must not block the caller for
// long and never fails it; delivery problems are the sink's to handle.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// LoggerAuditSink writes events as structured log entries.
type LoggerAuditSink struct {
	logger *logging.Logger
}

// NewLoggerAuditSink logs through logger; nil discards events.
func NewLoggerAuditSink(logger *logging.Logger) *LoggerAuditSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LoggerAuditSink{logger: logger.Named("audit")}
}

func (s *LoggerAuditSink) Record(ctx context.Context, e AuditEvent) {
	fields := []zap.Field{
		zap.String("audit.event", e.Event),
		zap.Time("audit.time", e.Time),
	}
	for _, f := range []struct{ key, val string }{
		{"audit.user_id", e.UserID},
		{"audit.client_id", e.ClientID},
		{"audit.organization_id", e.OrganizationID},
		{"audit.session_id", e.SessionID},
		{"audit.ip", e.IPAddress},
		{"audit.user_agent", e.UserAgent},
		{"audit.method", e.Method},
		{"audit.path", e.Path},
	} {
		if f.val != "" {
			fields = append(fields, zap.String(f.key, f.val))
		}
	}
	if e.DurationMS > 0 {
		fields = append(fields, zap.Int64("audit.duration_ms", e.DurationMS))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("audit.details", e.Details))
	}
	s.logger.Log(ctx, severityLevel(e.Severity), "security audit", fields...)
}

func severityLevel(s Severity) zapcore.Level {
	switch s {
	case SeverityError:
		return zapcore.ErrorLevel
	case SeverityWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// MultiAuditSink fans events out to several sinks.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, e AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// RecordingAuditSink keeps events in memory. Useful in tests and for
// debugging endpoints.
type RecordingAuditSink struct {
	events chan AuditEvent
}

// NewRecordingAuditSink buffers up to size events; further events are dropped.
func NewRecordingAuditSink(size int) *RecordingAuditSink {
	return &RecordingAuditSink{events: make(chan AuditEvent, size)}
}

func (r *RecordingAuditSink) Record(_ context.Context, e AuditEvent) {
	select {
	case r.events <- e:
	default:
	}
}

// Drain returns and removes all buffered events.
func (r *RecordingAuditSink) Drain() []AuditEvent {
	var out []AuditEvent
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
