package domain

import (
	"context"
	"time"
)

// GuidanceType classifies a guidance message.
type GuidanceType string

const (
	GuidanceSuggestion    GuidanceType = "suggestion"
	GuidanceWarning       GuidanceType = "warning"
	GuidanceClarification GuidanceType = "clarification"
	GuidanceSummary       GuidanceType = "summary"
)

// Intent is the coarse conversation topic used to pick guidance.
type Intent string

const (
	IntentMedical   Intent = "medical"
	IntentFinancial Intent = "financial"
	IntentLegal     Intent = "legal"
	IntentGeneral   Intent = "general"
)

// AudioMetadata describes the captured span a transcript came from.
type AudioMetadata struct {
	DurationSeconds int       `json:"duration"`
	Speakers        int       `json:"speakers"`
	Confidence      float64   `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
}

// GuidanceRequest is what the guidance backend receives.
type GuidanceRequest struct {
	Transcript string        `json:"transcript"`
	Metadata   AudioMetadata `json:"metadata"`
}

// GuidanceMessage is one piece of advice about the current conversation.
type GuidanceMessage struct {
	ID                   string       `json:"id"`
	Timestamp            time.Time    `json:"timestamp"`
	Type                 GuidanceType `json:"type"`
	Intent               Intent       `json:"intent"`
	Content              string       `json:"content"`
	Context              string       `json:"context"`
	Confidence           float64      `json:"confidence"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	Spoken               bool         `json:"spoken"`
}

// GuidanceGenerator turns a transcript into guidance. Implementations may be remote.
type GuidanceGenerator interface {
	Name() string
	GenerateGuidance(ctx context.Context, req GuidanceRequest) (*GuidanceMessage, error)
}
