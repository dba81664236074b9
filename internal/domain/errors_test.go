package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Lifecycle.StopCapture", ErrNotFound, "capture 'abc'")
	want := "Lifecycle.StopCapture: capture 'abc': not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Lifecycle.AppendPayload", ErrCaptureNotActive, "")
	want := "Lifecycle.AppendPayload: capture session not active"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Ledger.New", ErrInvalidConfiguration, "cap 0")
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Error("errors.Is should match ErrInvalidConfiguration")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Store.Save", ErrStore, "disk full"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Store.Save" {
		t.Errorf("Op = %q, want %q", de.Op, "Store.Save")
	}
}

func TestConsentDeniedError(t *testing.T) {
	err := &ConsentDeniedError{Mode: ConsentAllParty, Missing: []ConsentRequirement{RequireAllPartiesConsent}}

	assert.ErrorIs(t, err, ErrConsentDenied)
	assert.True(t, err.Lacks(RequireAllPartiesConsent))
	assert.False(t, err.Lacks(RequireSelfConsent))
	assert.Contains(t, err.Error(), "all_parties_consent")
	assert.Contains(t, err.Error(), "all-party")
	assert.Equal(t, CodeConsentDenied, ErrorCodeOf(err))

	var target *ConsentDeniedError
	require.True(t, errors.As(fmt.Errorf("start: %w", err), &target))
	assert.Equal(t, ConsentAllParty, target.Mode)
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeConsentDenied, ErrorCodeOf(ErrConsentDenied))
	assert.Equal(t, CodeInvalidConfiguration, ErrorCodeOf(ErrInvalidConfiguration))
	assert.Equal(t, CodeNotFound, ErrorCodeOf(ErrNotFound))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrCaptureNotActive)
	assert.Equal(t, CodeCaptureNotActive, ErrorCodeOf(wrapped))

	wrappedAuth := fmt.Errorf("ws: %w", ErrGatewayAuthFailed)
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(wrappedAuth))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestSubSystemError_Codes(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"capture", ErrNotFound, CodeCaptureNotFound},
		{"guidance", ErrNotFound, CodeGuidanceNotFound},
		{"guidance", ErrTimeout, CodeGuidanceTimeout},
		{"ledger", ErrInvalidConfiguration, CodeLedgerCapacity},
		{"retention", ErrInvalidConfiguration, CodeRetentionTTL},
		{"unknown", ErrNotFound, CodeNotFound},
		{"consent", ErrInvalidConfiguration, CodeInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem+"/"+string(tt.want), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "detail")
			assert.Equal(t, tt.want, err.Code())
			assert.Equal(t, tt.want, ErrorCodeOf(fmt.Errorf("wrapped: %w", err)))
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestWrapOp(t *testing.T) {
	require.NoError(t, WrapOp("op", nil))

	err := WrapOp("Snapshotter.Persist", ErrStore)
	assert.ErrorIs(t, err, ErrStore)
	assert.Equal(t, "Snapshotter.Persist: lifecycle store operation failed", err.Error())
}

func TestErrorCodeOf_NestedDomainErrors(t *testing.T) {
	inner := NewSubSystemError("capture", "Lifecycle.StopCapture", ErrNotFound, "capture \"x\"")
	outer := NewDomainError("rpc capture.stop", inner, "")
	assert.Equal(t, CodeCaptureNotFound, ErrorCodeOf(outer))
	assert.Equal(t, CodeNotFound, outer.Code())

	consent := NewDomainError("start", &ConsentDeniedError{Mode: ConsentOneParty}, "")
	assert.Equal(t, CodeConsentDenied, consent.Code())
}
