package guidance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"guardian-ai/internal/domain"
)

// maxResponseBody caps how much of a backend response is read.
const maxResponseBody = 1 << 20

const (
	defaultConnTimeout = 10 * time.Second
	defaultRespTimeout = 30 * time.Second
)

// HTTPGenerator posts transcripts to a remote guidance backend.
// The caller is responsible for recording the transmission first.
type HTTPGenerator struct {
	url    string
	apiKey string
	client *http.Client
	now    func() time.Time
}

// NewHTTPGenerator creates an HTTPGenerator for the endpoint at url.
func NewHTTPGenerator(url, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: newHTTPClient(defaultConnTimeout, defaultRespTimeout),
		now:    time.Now,
	}
}

func newHTTPClient(connTimeout, respTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: respTimeout,
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: connTimeout + respTimeout,
	}
}

// Name implements domain.GuidanceGenerator.
func (g *HTTPGenerator) Name() string { return "http" }

// responseWire is the backend's JSON shape.
type responseWire struct {
	ID                   string              `json:"id"`
	Type                 domain.GuidanceType `json:"type"`
	Intent               domain.Intent       `json:"intent"`
	Content              string              `json:"content"`
	Context              string              `json:"context"`
	Confidence           float64             `json:"confidence"`
	RequiresConfirmation bool                `json:"requiresConfirmation"`
}

// GenerateGuidance implements domain.GuidanceGenerator.
func (g *HTTPGenerator) GenerateGuidance(ctx context.Context, req domain.GuidanceRequest) (*domain.GuidanceMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewSubSystemError("guidance", "HTTPGenerator.GenerateGuidance", domain.ErrGuidanceUnavailable, err.Error())
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	var wire responseWire
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, domain.NewSubSystemError("guidance", "HTTPGenerator.GenerateGuidance", domain.ErrProviderError,
			fmt.Sprintf("unmarshal response: %v", err))
	}
	if wire.Content == "" {
		return nil, domain.NewSubSystemError("guidance", "HTTPGenerator.GenerateGuidance", domain.ErrProviderError, "empty guidance content")
	}
	if wire.Type == "" {
		wire.Type = domain.GuidanceClarification
	}
	if wire.Intent == "" {
		wire.Intent = ClassifyIntent(req.Transcript)
	}

	return &domain.GuidanceMessage{
		ID:                   wire.ID,
		Timestamp:            g.now().UTC(),
		Type:                 wire.Type,
		Intent:               wire.Intent,
		Content:              wire.Content,
		Context:              wire.Context,
		Confidence:           wire.Confidence,
		RequiresConfirmation: wire.RequiresConfirmation,
	}, nil
}

// mapHTTPError maps a backend status code to a domain error so the breaker
// and gateway can classify it.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("backend error %d: %s", statusCode, truncate(string(body), 200))
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return domain.NewSubSystemError("guidance", "HTTPGenerator.GenerateGuidance", domain.ErrGuidanceUnavailable, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.GuidanceGenerator = (*HTTPGenerator)(nil)
