package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeTopic(t *testing.T) {
	assert.Equal(t, "capture", EventCaptureStarted.Topic())
	assert.Equal(t, "transmission", EventTransmission.Topic())
	assert.Equal(t, "bare", EventType("bare").Topic())
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	e, err := NewEvent(EventCaptureStopped, at, "rec-1", map[string]int{"chunks": 2})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, "rec-1", e.RecordID)
	assert.JSONEq(t, `{"chunks":2}`, string(e.Payload))

	e, err = NewEvent(EventPrivacyNuked, at, "", nil)
	require.NoError(t, err)
	assert.Nil(t, e.Payload)

	_, err = NewEvent(EventPolicyUpdated, at, "", make(chan int))
	assert.Error(t, err)
}

func TestAuditEventDenied(t *testing.T) {
	assert.True(t, AuditEvent{Type: AuditCaptureDenied}.Denied())
	assert.True(t, AuditEvent{Type: AuditAccessDenied}.Denied())
	assert.True(t, AuditEvent{Type: AuditPolicyUpdate, Outcome: OutcomeDenied}.Denied())
	assert.False(t, AuditEvent{Type: AuditSnapshot, Outcome: OutcomeFailure}.Denied())
}
