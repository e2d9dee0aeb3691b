// Package audit provides security audit logging for SIEM consumption.
// Security-relevant events are logged in structured JSON for easy parsing
// and integration with monitoring systems.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and
// alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a filter value.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventGuardrailViolation is logged when raw SQL is rejected before execution.
	EventGuardrailViolation SecurityEventType = "guardrail_violation"
)

// SecurityEvent is one auditable event with its context.
type SecurityEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    SecurityEventType `json:"event_type"`
	DataSourceID uuid.UUID         `json:"datasource_id"`
	Details      any               `json:"details"`
	Severity     string            `json:"severity"` // warning, critical
}

// InjectionDetails carries specifics of a flagged filter value.
type InjectionDetails struct {
	Column      string `json:"column"`
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// SecurityAuditor logs security events under a dedicated logger namespace
// for SIEM filtering.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor on the "security_audit" namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a flagged filter value. Logged at ERROR with
// critical severity for immediate alerting; the request it belongs to is
// rejected by the caller.
func (a *SecurityAuditor) LogInjectionAttempt(dataSourceID uuid.UUID, details InjectionDetails) {
	event := SecurityEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    EventSQLInjectionAttempt,
		DataSourceID: dataSourceID,
		Details:      details,
		Severity:     "critical",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("datasource_id", dataSourceID.String()),
		zap.String("column", details.Column),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogGuardrailViolation records a rejected raw statement. The statement
// never reached a connection; this is the audit trail of the rejection.
func (a *SecurityAuditor) LogGuardrailViolation(dataSourceID uuid.UUID, reason string) {
	event := SecurityEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    EventGuardrailViolation,
		DataSourceID: dataSourceID,
		Details:      map[string]string{"reason": reason},
		Severity:     "warning",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Raw SQL rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("datasource_id", dataSourceID.String()),
		zap.String("reason", reason),
		zap.String("severity", "warning"),
	)
}
