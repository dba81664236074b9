package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// EventType names a lifecycle notification. Types are dotted, "<topic>.<what>",
// and clients subscribe by exact type or by topic.
type EventType string

const (
	EventCaptureStarted  EventType = "capture.started"
	EventCaptureDenied   EventType = "capture.denied"
	EventCaptureStopped  EventType = "capture.stopped"
	EventCaptureRevoked  EventType = "capture.revoked"
	EventRecordsPurged   EventType = "records.purged"
	EventPrivacyNuked    EventType = "privacy.nuked"
	EventPrivacyStatus   EventType = "privacy.status" // greeting sent to new gateway clients
	EventPolicyUpdated   EventType = "policy.updated"
	EventTransmission    EventType = "transmission.recorded"
	EventGuidanceReady   EventType = "guidance.ready"
	EventGuidanceAborted EventType = "guidance.aborted"
	EventGuidanceBreaker EventType = "guidance.breaker" // backend breaker changed state
)

// Topic returns the part of t before the first dot.
func (t EventType) Topic() string {
	topic, _, _ := strings.Cut(string(t), ".")
	return topic
}

// Event is a lifecycle notification. Payload is the JSON form of whatever the
// publisher attached; RecordID is set when the event concerns one capture.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RecordID  string          `json:"record_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A nil payload leaves Payload empty.
func NewEvent(typ EventType, at time.Time, recordID string, payload any) (Event, error) {
	e := Event{Type: typ, Timestamp: at.UTC(), RecordID: recordID}
	if payload == nil {
		return e, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	e.Payload = data
	return e, nil
}

type EventHandler func(ctx context.Context, event Event)

// EventBus fans lifecycle events out to subscribers. The returned funcs
// unsubscribe. Publish after Close is a no-op.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
