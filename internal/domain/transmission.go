package domain

import (
	"fmt"
	"time"
)

// TransmissionKind classifies what left the device.
type TransmissionKind string

const (
	TransmissionText  TransmissionKind = "text"
	TransmissionAudio TransmissionKind = "audio"
)

// ParseTransmissionKind converts a wire string to a TransmissionKind.
func ParseTransmissionKind(s string) (TransmissionKind, error) {
	switch TransmissionKind(s) {
	case TransmissionText, TransmissionAudio:
		return TransmissionKind(s), nil
	}
	return "", NewDomainError("ParseTransmissionKind", ErrInvalidInput, fmt.Sprintf("unknown kind %q", s))
}

// DefaultLedgerCapacity is the number of transmissions kept when no cap is configured.
const DefaultLedgerCapacity = 50

// MaxLedgerCapacity bounds the in-memory audit history.
const MaxLedgerCapacity = 10000

// TransmissionLogEntry is an immutable audit record of one outbound send.
type TransmissionLogEntry struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Kind      TransmissionKind `json:"kind"`
	SizeBytes int              `json:"size_bytes"`
	Purpose   string           `json:"purpose"`
}
