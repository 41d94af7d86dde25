package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultChatBaseURL = "https://api.openai.com/v1"
	maxChatResponse    = 4 << 20
)

// ChatConfig configures a ChatAgent.
type ChatConfig struct {
	// BaseURL of an OpenAI-compatible API, without /chat/completions.
	BaseURL    string
	APIKey     string
	Model      string
	System     string
	MaxTokens  int64
	HTTPClient *http.Client
}

// ChatAgent sends each prompt as a single chat completion to an
// OpenAI-compatible endpoint, for agents that run their tools server side.
type ChatAgent struct {
	cfg ChatConfig
}

var _ Agent = (*ChatAgent)(nil)

// NewChatAgent creates an agent. An empty system prompt selects Instructions.
func NewChatAgent(cfg ChatConfig) *ChatAgent {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultChatBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.System == "" {
		cfg.System = Instructions
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &ChatAgent{cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int64         `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// APIError is an error payload returned by a chat completions endpoint.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat api (status %d) %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chat api (status %d): %s", e.StatusCode, e.Message)
}

func (a *ChatAgent) Ask(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: a.cfg.System},
			{Role: "user", Content: prompt},
		},
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "query-tracer/1.0")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChatResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != nil {
			payload.Error.StatusCode = resp.StatusCode
			return "", payload.Error
		}
		return "", fmt.Errorf("chat api (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
