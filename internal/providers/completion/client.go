// Package completion is a client for OpenAI-compatible chat completion APIs
// such as Groq.
package completion

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

	"github.com/rs/zerolog"

	"companion/internal/infra"
)

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"
	defaultModel   = "llama-3.1-8b-instant"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("completion: api key is required")

// ErrRateLimited is wrapped into errors for HTTP 429 and provider
// rate-limit messages.
var ErrRateLimited = errors.New("completion: rate limited")

// Options configures the client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client calls POST {base}/chat/completions.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the normalized provider answer.
type Response struct {
	Content      string
	Model        string
	TotalTokens  int
	FinishReason string
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewClient constructs a client. A missing API key is reported by
// ErrMissingAPIKey so callers can decide whether it is fatal.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// the caller's context carries the real deadline
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Model returns the default model identifier.
func (c *Client) Model() string { return c.model }

// Complete performs exactly one HTTP call.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("completion: messages are required")
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("completion: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("completion: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("completion: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, raw)
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("completion: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("completion: no choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("completion: empty response")
	}
	out := &Response{
		Content:      content,
		Model:        decoded.Model,
		FinishReason: decoded.Choices[0].FinishReason,
	}
	if out.Model == "" {
		out.Model = model
	}
	if decoded.Usage != nil {
		out.TotalTokens = decoded.Usage.TotalTokens
	}
	c.logger.Debug().
		Str("model", out.Model).
		Int("tokens", out.TotalTokens).
		Str("finish_reason", out.FinishReason).
		Msg("completion: response received")
	return out, nil
}

func statusError(status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
		msg = detail.Error.Message
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if status == http.StatusTooManyRequests || strings.Contains(strings.ToLower(msg), "rate limit") {
		return fmt.Errorf("%w: status %d: %s", ErrRateLimited, status, msg)
	}
	return fmt.Errorf("completion: status %d: %s", status, msg)
}
