package phantom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxGeneratorResponseBytes = 1 << 20

// HTTPGenerator calls the phantom-ai serverless function over HTTP.
type HTTPGenerator struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGenerator creates a generator posting to url. A nil client uses http.DefaultClient;
// per-call deadlines come from the request context.
func NewHTTPGenerator(url, apiKey string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGenerator{url: url, apiKey: apiKey, httpClient: client}
}

// Generate posts the turn request and decodes the generation result.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (*TurnResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Message: "AI service unavailable", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGeneratorResponseBytes))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: "failed to read AI response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: upstreamMessage(resp.StatusCode, data)}
	}

	var envelope struct {
		TurnResult
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: "invalid AI response", Err: err}
	}
	if envelope.Error != "" {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	result := envelope.TurnResult
	return &result, nil
}

// upstreamMessage prefers the function's own {"error": "..."} text.
func upstreamMessage(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return payload.Error
	}
	switch status {
	case http.StatusTooManyRequests:
		return "AI service is rate limited, try again shortly"
	case http.StatusPaymentRequired:
		return "AI service credits exhausted"
	default:
		return fmt.Sprintf("AI service returned status %d", status)
	}
}
