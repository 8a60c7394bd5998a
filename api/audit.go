package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditTokenMissing         AuditEvent = "token_missing"
	AuditTokenInvalid         AuditEvent = "token_invalid"
	AuditTokenRotated         AuditEvent = "token_rotated"
	AuditValidatorUnreachable AuditEvent = "validator_unreachable"
	AuditSessionLogin         AuditEvent = "session_login"
	AuditSessionLogout        AuditEvent = "session_logout"
	AuditCSRFMismatch         AuditEvent = "csrf_mismatch"
	AuditRefreshRateLimited   AuditEvent = "refresh_rate_limited"

	AuditIncidentCreated      AuditEvent = "incident_created"
	AuditIncidentUpdated      AuditEvent = "incident_updated"
	AuditIncidentValidated    AuditEvent = "incident_validated"
	AuditIncidentArchived     AuditEvent = "incident_archived"
	AuditIncidentUnarchived   AuditEvent = "incident_unarchived"
	AuditIncidentSoftDeleted  AuditEvent = "incident_soft_deleted"
	AuditIncidentRestored     AuditEvent = "incident_restored"
	AuditIncidentForceDeleted AuditEvent = "incident_force_deleted"
	AuditIncidentsExported    AuditEvent = "incidents_exported"
	AuditDistributionUpdated  AuditEvent = "distribution_list_updated"
	AuditDistributionDeleted  AuditEvent = "distribution_list_deleted"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. The verified user, when known,
// is taken from the request context.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
		userAttr(r.Context()),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		extra := make(map[string]string, len(attrs))
		for _, a := range attrs {
			extra[a.Key] = a.Value.String()
		}
		u, _ := CurrentUser(r.Context())
		al.webhook.enqueue(webhookEvent{
			Event:      string(event),
			User:       u.Login,
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
			Attrs:      extra,
		})
	}
}

// logIncident is a convenience for events about one incident.
func (al *auditLogger) logIncident(event AuditEvent, r *http.Request, incidentID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("incident_id", incidentID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected or failed authentication step.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
