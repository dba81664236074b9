package gateway

import (
	"encoding/json"
	"time"

	"guardian-ai/internal/domain"
)

// FrameType distinguishes requests, responses and pushed events.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Frame is one JSON message on the socket. Requests carry Method and
// Payload; the response echoes ID with either Payload or Error. Events carry
// the event type in Method and the domain.Event in Payload.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the failure half of a response.
type FrameError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func newFrameError(err error) *FrameError {
	if err == nil {
		return nil
	}
	return &FrameError{Code: domain.ErrorCodeOf(err), Message: err.Error()}
}

func responseFrame(id uint64, result json.RawMessage, err error) Frame {
	f := Frame{Type: FrameResponse, ID: id, Error: newFrameError(err)}
	if err == nil {
		f.Payload = result
	}
	return f
}

func eventFrame(e domain.Event) (Frame, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Method: string(e.Type), Payload: payload}, nil
}
