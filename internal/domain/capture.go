package domain

import "time"

// CaptureState is the retention state of a captured record.
// Transitions only move forward: Active -> Expired -> Deleted.
type CaptureState string

const (
	CaptureActive  CaptureState = "active"
	CaptureExpired CaptureState = "expired"
	CaptureDeleted CaptureState = "deleted"
)

var captureStateRank = map[CaptureState]int{
	CaptureActive:  0,
	CaptureExpired: 1,
	CaptureDeleted: 2,
}

// Valid reports whether s is a known retention state.
func (s CaptureState) Valid() bool {
	_, ok := captureStateRank[s]
	return ok
}

// CanTransition reports whether moving from s to next keeps the order.
// Staying in the same state is allowed.
func (s CaptureState) CanTransition(next CaptureState) bool {
	from, ok := captureStateRank[s]
	if !ok {
		return false
	}
	to, ok := captureStateRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// SessionState models the capture session lifecycle, independent of retention.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionRequesting SessionState = "requesting"
	SessionActive     SessionState = "active"
	SessionStopping   SessionState = "stopping"
	SessionDenied     SessionState = "denied"
)

// CaptureRecord is one bounded span of captured audio or text.
type CaptureRecord struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	TTLHours    int          `json:"ttl_hours"`
	State       CaptureState `json:"state"`
	Session     SessionState `json:"session"`
	StoppedAt   time.Time    `json:"stopped_at,omitempty"`
	PayloadSize int          `json:"payload_size"`
	ConsentMode ConsentMode  `json:"consent_mode"`
}

// ExpiresAt returns the instant the record stops being retainable.
func (r CaptureRecord) ExpiresAt() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTLHours) * time.Hour)
}

// Recording reports whether the capture session is still open.
func (r CaptureRecord) Recording() bool {
	return r.Session == SessionActive
}
