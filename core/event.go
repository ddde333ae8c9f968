package core

import "time"

// EventType is the top-level event taxonomy consumed by callers and analytics
type EventType string

const (
	EventSubmit   EventType = "submit"
	EventSuccess  EventType = "success"
	EventError    EventType = "error"
	EventSecurity EventType = "security"
)

// SecurityKind sub-types security events
type SecurityKind string

const (
	KindHoneypot              SecurityKind = "honeypot"
	KindSubmissionTime        SecurityKind = "submission_time"
	KindRecaptchaExecute      SecurityKind = "recaptcha_execute"
	KindRecaptchaSuccess      SecurityKind = "recaptcha_success"
	KindRecaptchaVerifyFailed SecurityKind = "recaptcha_verify_failed"
	KindChecksPassed          SecurityKind = "security_checks_passed"
	KindCheckFailed           SecurityKind = "security_check_failed"
	KindNotConfigured         SecurityKind = "recaptcha_not_configured"
	KindSecretExposed         SecurityKind = "recaptcha_secret_exposed"
)

// Reasons carried by security_check_failed and recaptcha_execute events
const (
	ReasonHoneypot       = "honeypot"
	ReasonSubmissionTime = "submission_time"
	ReasonLoadError      = "recaptcha_load_error"
	ReasonTimeout        = "recaptcha_timeout"
	ReasonTokenError     = "recaptcha_token_error"
	ReasonVerifyFailed   = "recaptcha_verify_failed"
	ReasonUnreachable    = "recaptcha_unreachable"
)

// Level is the severity of an event
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a lifecycle record delivered through the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Kind      SecurityKind   `json:"kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	Level     Level          `json:"level"`
	AttemptID string         `json:"attemptId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Fields holds the submitted form values for in-process subscribers.
	// It is never serialized.
	Fields map[string]string `json:"-"`
}

// SecurityEvent builds a security event of the given kind
func SecurityEvent(kind SecurityKind, level Level, attemptID string) Event {
	return Event{
		Type:      EventSecurity,
		Kind:      kind,
		Level:     level,
		AttemptID: attemptID,
		Payload:   map[string]any{},
	}
}
