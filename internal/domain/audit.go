package domain

import (
	"context"
	"time"
)

// AuditEventType is the kind of action an audit entry records. Entries never
// carry payload bytes or transcript text.
type AuditEventType string

const (
	AuditCaptureStart   AuditEventType = "capture_start"
	AuditCaptureDenied  AuditEventType = "capture_denied"
	AuditCaptureStop    AuditEventType = "capture_stop"
	AuditCaptureRevoke  AuditEventType = "capture_revoke"
	AuditRetentionSweep AuditEventType = "retention_sweep"
	AuditNukeAll        AuditEventType = "nuke_all"
	AuditPolicyUpdate   AuditEventType = "policy_update"
	AuditTransmission   AuditEventType = "transmission"
	AuditSnapshot       AuditEventType = "snapshot"
	AuditAccessLog      AuditEventType = "access"
	AuditAccessDenied   AuditEventType = "access_denied"
	AuditDataEvent      AuditEventType = "data_event"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditEvent is one line of the audit trail. Actor, Resource, Action and
// Outcome are filled in by the compliance wrapper when the caller leaves
// them empty.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`
	Actor     string            `json:"actor,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
}

// Denied reports whether the entry records a refused action.
func (e AuditEvent) Denied() bool {
	return e.Outcome == OutcomeDenied || e.Type == AuditCaptureDenied || e.Type == AuditAccessDenied
}

type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditReader returns up to limit recent audit entries, newest first.
type AuditReader interface {
	Tail(limit int) ([]AuditEvent, error)
}
