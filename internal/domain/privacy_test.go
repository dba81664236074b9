package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPrivacyPolicy(t *testing.T) {
	p := DefaultPrivacyPolicy()
	assert.Equal(t, ConsentOneParty, p.ConsentMode)
	assert.Equal(t, 24, p.TTLHours)
	assert.True(t, p.ShowIndicators)
	assert.True(t, p.AutoDelete)
	require.NoError(t, p.Validate())
}

func TestValidateTTLHours(t *testing.T) {
	for _, ttl := range []int{1, 12, 24} {
		assert.NoError(t, ValidateTTLHours(ttl), "ttl %d", ttl)
	}
	for _, ttl := range []int{-1, 0, 25, 100} {
		err := ValidateTTLHours(ttl)
		assert.ErrorIs(t, err, ErrInvalidConfiguration, "ttl %d", ttl)
		assert.Equal(t, CodeRetentionTTL, ErrorCodeOf(err))
	}
}

func TestPrivacyPolicy_ValidateMode(t *testing.T) {
	p := DefaultPrivacyPolicy()
	p.ConsentMode = "nobody"
	assert.ErrorIs(t, p.Validate(), ErrInvalidConfiguration)
}

func TestParseConsentMode(t *testing.T) {
	tests := map[string]ConsentMode{
		"one-party": ConsentOneParty,
		"OneParty":  ConsentOneParty,
		"all-party": ConsentAllParty,
		"AllParty":  ConsentAllParty,
		"all_party": ConsentAllParty,
	}
	for in, want := range tests {
		got, err := ParseConsentMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseConsentMode("two-party")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestCaptureState_Valid(t *testing.T) {
	assert.True(t, CaptureActive.Valid())
	assert.True(t, CaptureExpired.Valid())
	assert.True(t, CaptureDeleted.Valid())
	assert.False(t, CaptureState("").Valid())
	assert.False(t, CaptureState("archived").Valid())
}

func TestCaptureState_CanTransition(t *testing.T) {
	assert.True(t, CaptureActive.CanTransition(CaptureExpired))
	assert.True(t, CaptureExpired.CanTransition(CaptureDeleted))
	assert.True(t, CaptureActive.CanTransition(CaptureDeleted))
	assert.True(t, CaptureExpired.CanTransition(CaptureExpired))

	assert.False(t, CaptureExpired.CanTransition(CaptureActive))
	assert.False(t, CaptureDeleted.CanTransition(CaptureExpired))
	assert.False(t, CaptureDeleted.CanTransition(CaptureActive))
	assert.False(t, CaptureState("bogus").CanTransition(CaptureDeleted))
}

func TestCaptureRecord_ExpiresAt(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	r := CaptureRecord{CreatedAt: created, TTLHours: 2}
	assert.Equal(t, created.Add(2*time.Hour), r.ExpiresAt())
}

func TestParseTransmissionKind(t *testing.T) {
	k, err := ParseTransmissionKind("audio")
	require.NoError(t, err)
	assert.Equal(t, TransmissionAudio, k)

	_, err = ParseTransmissionKind("video")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
