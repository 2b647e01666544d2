package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultInferenceTimeout = 20 * time.Second
	completionsPath         = "/chat/completions"
)

var (
	// ErrInferenceNotConfigured indicates no credentials were supplied.
	ErrInferenceNotConfigured = errors.New("analysis: inference service not configured")
	// ErrInferenceUnavailable indicates a transport failure or non-2xx status.
	ErrInferenceUnavailable = errors.New("analysis: inference service unavailable")
)

// InferenceClient is the external text-completion collaborator. Complete
// sends one system instruction plus one user turn and returns the raw
// completion text.
type InferenceClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPInferenceClientConfig configures the OpenAI-compatible HTTP client.
type HTTPInferenceClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPInferenceClient calls an OpenAI-compatible chat-completions endpoint.
type HTTPInferenceClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPInferenceClient constructs the client. A client without an API key
// is still valid; every call reports ErrInferenceNotConfigured so callers
// fall back to the heuristic.
func NewHTTPInferenceClient(cfg HTTPInferenceClientConfig) *HTTPInferenceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPInferenceClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		httpClient: httpClient,
	}
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements InferenceClient over HTTP.
func (c *HTTPInferenceClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return "", ErrInferenceNotConfigured
	}

	payload := completionRequest{
		Model: c.model,
		Messages: []completionMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		// Low temperature keeps verdicts stable across retries.
		Temperature: 0.1,
		MaxTokens:   1000,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrInferenceUnavailable, response.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrInferenceUnavailable)
	}
	return parsed.Choices[0].Message.Content, nil
}
