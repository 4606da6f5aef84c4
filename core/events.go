package core

import "time"

// EventType classifies a security event
type EventType string

const (
	EventRenewSuccess      EventType = "renew-success"
	EventRenewFailure      EventType = "renew-failure"
	EventRenewCancelled    EventType = "renew-cancelled"
	EventValidationFailure EventType = "validation-failure"
	EventAnomaly           EventType = "anomaly"
	EventSessionRestored   EventType = "session-restored"
	EventSessionRejected   EventType = "session-rejected"
)

// SecurityEvent is an entry of the security event log
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	SubjectID string            `json:"subject_id,omitempty"`
	DeviceID  string            `json:"device_id"`
	Details   map[string]string `json:"details,omitempty"`
}

// Severity ranks alerts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is delivered to security monitor subscribers
type Alert struct {
	Severity       Severity      `json:"severity"`
	Type           EventType     `json:"type"`
	Message        string        `json:"message"`
	ActionRequired bool          `json:"action_required"`
	Event          SecurityEvent `json:"event"`
}

// LifecycleEvent is an application foreground/background transition
type LifecycleEvent string

const (
	LifecycleForeground LifecycleEvent = "foreground"
	LifecycleBackground LifecycleEvent = "background"
)
