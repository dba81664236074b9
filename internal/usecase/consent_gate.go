package usecase

import (
	"fmt"

	"guardian-ai/internal/domain"
)

// ConsentGate validates whether a capture may start under a consent policy.
// Policy and consent flags are always passed in; the gate reads no shared state.
type ConsentGate struct{}

// NewConsentGate returns a ConsentGate.
func NewConsentGate() ConsentGate { return ConsentGate{} }

// Authorize returns an Authorization, or a *domain.ConsentDeniedError listing
// every unmet condition. An unknown mode fails with ErrInvalidConfiguration.
func (ConsentGate) Authorize(policy domain.ConsentPolicy, selfConsent, allPartiesConsent bool) (domain.Authorization, error) {
	var missing []domain.ConsentRequirement

	switch policy.Mode {
	case domain.ConsentOneParty:
		if !selfConsent {
			missing = append(missing, domain.RequireSelfConsent)
		}
	case domain.ConsentAllParty:
		if !selfConsent {
			missing = append(missing, domain.RequireSelfConsent)
		}
		if !allPartiesConsent {
			missing = append(missing, domain.RequireAllPartiesConsent)
		}
	default:
		return domain.Authorization{}, domain.NewSubSystemError("consent", "ConsentGate.Authorize",
			domain.ErrInvalidConfiguration, fmt.Sprintf("unknown consent mode %q", policy.Mode))
	}

	if len(missing) > 0 {
		return domain.Authorization{}, &domain.ConsentDeniedError{Mode: policy.Mode, Missing: missing}
	}
	return domain.Authorization{
		Mode:              policy.Mode,
		SelfConsent:       selfConsent,
		AllPartiesConsent: allPartiesConsent,
	}, nil
}
