package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of administrative action being logged.
type AuditEvent string

const (
	AuditAdminAuthFailure   AuditEvent = "admin_auth_failure"
	AuditAdminRateLimited   AuditEvent = "admin_rate_limited"
	AuditDocumentCreated    AuditEvent = "document_created"
	AuditProofChainExported AuditEvent = "proof_chain_exported"
	AuditProofChainBroken   AuditEvent = "proof_chain_broken"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string) {
	al.log(event, r, slog.String("reason", reason))
}
