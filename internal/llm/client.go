// Package llm is the client for the upstream AI provider. It is called only
// after the usage gate has admitted a request, and never persists prompt or
// completion content.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/postpulse/postpulse/internal/breaker"
	"github.com/postpulse/postpulse/internal/metrics"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-mini"

	// Response limit guards against a misbehaving upstream; completions
	// are well under this.
	maxResponseBodySize = 10 << 20 // 10 MB
)

// ErrUnavailable is returned when the circuit breaker is open and the
// upstream call is short-circuited.
var ErrUnavailable = errors.New("llm: upstream provider unavailable")

// Client calls an OpenAI-compatible chat completions API.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	breaker *breaker.Breaker
}

// NewClient creates a client for the given provider credentials. An empty
// baseURL or model falls back to the OpenAI defaults.
func NewClient(apiKey, baseURL, model string, b *breaker.Breaker) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		breaker: b,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a system+user prompt pair and returns the completion text.
// Network errors and upstream 5xx responses feed the circuit breaker; an
// open breaker short-circuits without touching the provider.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if c.breaker != nil && c.breaker.IsOpen(ctx) {
		return "", ErrUnavailable
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure(ctx)
		return "", fmt.Errorf("llm: upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return "", fmt.Errorf("llm: reading response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.noteFailure(ctx)
		return "", fmt.Errorf("llm: upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx means the provider is healthy but rejected us; that is not
		// breaker-relevant.
		return "", fmt.Errorf("llm: upstream returned %d: %s", resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) noteFailure(ctx context.Context) {
	metrics.LLMFailures.Inc()
	if c.breaker != nil {
		c.breaker.RecordFailure(ctx)
	}
}
