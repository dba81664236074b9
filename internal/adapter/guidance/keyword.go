package guidance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guardian-ai/internal/domain"
)

// DefaultSimulatedDelay mimics the latency of a remote backend.
const DefaultSimulatedDelay = 1500 * time.Millisecond

type intentRule struct {
	intent   domain.Intent
	keywords []string
}

// Checked in order; first match wins.
var intentRules = []intentRule{
	{domain.IntentMedical, []string{"doctor", "medical", "prescription"}},
	{domain.IntentFinancial, []string{"bank", "fee", "account"}},
	{domain.IntentLegal, []string{"police", "lawyer", "legal"}},
}

type template struct {
	typ                  domain.GuidanceType
	content              string
	requiresConfirmation bool
}

var templates = map[domain.Intent]template{
	domain.IntentMedical: {
		domain.GuidanceSuggestion,
		"Ask about potential side effects and alternative treatment options.",
		true,
	},
	domain.IntentFinancial: {
		domain.GuidanceWarning,
		"That clause mentions a recurring monthly fee. Request a detailed breakdown.",
		true,
	},
	domain.IntentLegal: {
		domain.GuidanceWarning,
		"Consider requesting clarification on your rights in this situation.",
		true,
	},
	domain.IntentGeneral: {
		domain.GuidanceClarification,
		"I can help clarify that conversation. Would you like a summary?",
		false,
	},
}

// ClassifyIntent maps a transcript to a coarse topic by keyword.
func ClassifyIntent(transcript string) domain.Intent {
	text := strings.ToLower(transcript)
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.intent
			}
		}
	}
	return domain.IntentGeneral
}

// KeywordGenerator is a local, deterministic GuidanceGenerator. Nothing it
// receives leaves the process.
type KeywordGenerator struct {
	delay time.Duration
	now   func() time.Time
}

// NewKeywordGenerator creates a KeywordGenerator. delay < 0 disables the
// simulated latency; 0 uses DefaultSimulatedDelay.
func NewKeywordGenerator(delay time.Duration) *KeywordGenerator {
	if delay == 0 {
		delay = DefaultSimulatedDelay
	}
	if delay < 0 {
		delay = 0
	}
	return &KeywordGenerator{delay: delay, now: time.Now}
}

// Name implements domain.GuidanceGenerator.
func (g *KeywordGenerator) Name() string { return "keyword" }

// GenerateGuidance implements domain.GuidanceGenerator.
func (g *KeywordGenerator) GenerateGuidance(ctx context.Context, req domain.GuidanceRequest) (*domain.GuidanceMessage, error) {
	if g.delay > 0 {
		timer := time.NewTimer(g.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	intent := ClassifyIntent(req.Transcript)
	tpl := templates[intent]
	confidence := req.Metadata.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}
	return &domain.GuidanceMessage{
		Timestamp:            g.now().UTC(),
		Type:                 tpl.typ,
		Intent:               intent,
		Content:              tpl.content,
		Context:              fmt.Sprintf("%s conversation detected", capitalize(string(intent))),
		Confidence:           confidence,
		RequiresConfirmation: tpl.requiresConfirmation,
	}, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var _ domain.GuidanceGenerator = (*KeywordGenerator)(nil)
