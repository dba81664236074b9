package domain

import (
	"context"
	"fmt"
	"time"
)

// ConsentMode determines whose agreement is required before capture.
type ConsentMode string

const (
	ConsentOneParty ConsentMode = "one-party"
	ConsentAllParty ConsentMode = "all-party"
)

// Valid reports whether m is a known consent mode.
func (m ConsentMode) Valid() bool {
	return m == ConsentOneParty || m == ConsentAllParty
}

// ParseConsentMode accepts the canonical names plus the CamelCase forms
// ("OneParty", "AllParty") used by older settings payloads.
func ParseConsentMode(s string) (ConsentMode, error) {
	switch s {
	case "one-party", "OneParty", "one_party":
		return ConsentOneParty, nil
	case "all-party", "AllParty", "all_party":
		return ConsentAllParty, nil
	}
	return "", NewSubSystemError("consent", "ParseConsentMode", ErrInvalidConfiguration, fmt.Sprintf("unknown consent mode %q", s))
}

// TTL bounds, in hours.
const (
	MinTTLHours     = 1
	MaxTTLHours     = 24
	DefaultTTLHours = 24
)

// PrivacyPolicy is the process-wide privacy configuration: consent rule,
// retention window and display/cleanup preferences.
type PrivacyPolicy struct {
	ConsentMode    ConsentMode `json:"consent_mode"`
	TTLHours       int         `json:"ttl_hours"`
	ShowIndicators bool        `json:"show_indicators"`
	AutoDelete     bool        `json:"auto_delete"`
}

// DefaultPrivacyPolicy returns one-party consent with a 24h retention window.
func DefaultPrivacyPolicy() PrivacyPolicy {
	return PrivacyPolicy{
		ConsentMode:    ConsentOneParty,
		TTLHours:       DefaultTTLHours,
		ShowIndicators: true,
		AutoDelete:     true,
	}
}

// Validate rejects out-of-range values; nothing is clamped.
func (p PrivacyPolicy) Validate() error {
	if !p.ConsentMode.Valid() {
		return NewSubSystemError("consent", "PrivacyPolicy.Validate", ErrInvalidConfiguration,
			fmt.Sprintf("unknown consent mode %q", p.ConsentMode))
	}
	return ValidateTTLHours(p.TTLHours)
}

// ValidateTTLHours checks ttl is within [MinTTLHours, MaxTTLHours].
func ValidateTTLHours(ttl int) error {
	if ttl < MinTTLHours || ttl > MaxTTLHours {
		return NewSubSystemError("retention", "ValidateTTLHours", ErrInvalidConfiguration,
			fmt.Sprintf("ttl_hours %d outside [%d, %d]", ttl, MinTTLHours, MaxTTLHours))
	}
	return nil
}

// ConsentPolicy is the rule governing whether capture may start.
type ConsentPolicy struct {
	Mode ConsentMode `json:"mode"`
}

// Consent returns the consent half of the policy.
func (p PrivacyPolicy) Consent() ConsentPolicy {
	return ConsentPolicy{Mode: p.ConsentMode}
}

// Authorization is the proof that a capture start passed the consent gate.
type Authorization struct {
	Mode              ConsentMode `json:"mode"`
	SelfConsent       bool        `json:"self_consent"`
	AllPartiesConsent bool        `json:"all_parties_consent"`
}

// PayloadEncryptor seals captured payload bytes at rest.
type PayloadEncryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// PrivacyStatus summarizes what the status indicator shows.
type PrivacyStatus struct {
	Recording      bool          `json:"recording"`
	ActiveSessions int           `json:"active_sessions"`
	Records        int           `json:"records"`
	ExpiredRecords int           `json:"expired_records"`
	BufferBytes    int           `json:"buffer_bytes"`
	LedgerEntries  int           `json:"ledger_entries"`
	LedgerEvicted  uint64        `json:"ledger_evicted"`
	Policy         PrivacyPolicy `json:"policy"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// LifecycleSnapshot is the persistable state of the privacy core.
type LifecycleSnapshot struct {
	Policy        PrivacyPolicy          `json:"policy"`
	Records       []CaptureRecord        `json:"records"`
	Payloads      map[string][][]byte    `json:"-"` // record ID -> sealed chunks, in append order
	Transmissions []TransmissionLogEntry `json:"transmissions"`
}

// LifecycleStore persists snapshots of the privacy core across restarts.
type LifecycleStore interface {
	Save(ctx context.Context, snap LifecycleSnapshot) error
	Load(ctx context.Context) (*LifecycleSnapshot, error)
	Purge(ctx context.Context) error
	Close() error
}
