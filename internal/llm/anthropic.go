package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envModel     = "ANTHROPIC_MODEL"
	defaultModel = "claude-sonnet-4-5-20250929"

	apiURL     = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"
)

type anthropicClient struct {
	apiKey   string
	model    string
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

func NewAnthropicFromEnv() (Client, error) {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	model := strings.TrimSpace(os.Getenv(envModel))
	if model == "" {
		model = defaultModel
	}
	model = strings.Trim(model, "\"'")
	return &anthropicClient{
		apiKey:   key,
		model:    model,
		endpoint: apiURL,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   zerolog.Nop(),
	}, nil
}

// NewAnthropicWithLogger creates client with logger for detailed tracing
func NewAnthropicWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewAnthropicFromEnv()
	if err != nil {
		return nil, err
	}
	if ac, ok := client.(*anthropicClient); ok {
		ac.logger = logger
	}
	return client, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return Response{}, errors.New("empty user message")
	}
	req = clampRequest(c.logger, req)

	payload := anthropicPayload{
		Model:     c.model,
		System:    req.SystemPrompt,
		MaxTokens: req.MaxTokens,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContent{{Type: "text", Text: req.UserMessage}},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	text, err := withRetry(ctx, c.logger, "anthropic", func(ctx context.Context) (string, error) {
		return c.send(ctx, req.Task, body)
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Content: text}, nil
}

func (c *anthropicClient) send(ctx context.Context, task string, body []byte) (string, error) {
	c.logger.Debug().
		Str("model", c.model).
		Str("task", task).
		Int("payload_size", len(body)).
		Msg("Anthropic API request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", nonRetryable(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", retryable(fmt.Errorf("http request: %w", err))
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", retryable(fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int("response_size", len(data)).
		Msg("Anthropic API response")

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error anthropicError `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		apiErr := envelope.Error
		msg := apiErr.Error()
		if msg == "" {
			msg = truncateString(string(data), 500)
		}
		err := fmt.Errorf("anthropic %d: %s (type: %s)", resp.StatusCode, msg, apiErr.Type)

		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("error_type", apiErr.Type).
			Str("error_msg", apiErr.Message).
			Msg("Anthropic API error")

		if resp.StatusCode == http.StatusBadRequest && strings.Contains(apiErr.Message, "API usage limits") {
			return "", nonRetryable(fmt.Errorf("API usage limit reached: %s", apiErr.Message))
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", retryable(err)
		}
		return "", nonRetryable(err)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return "", retryable(fmt.Errorf("parse response: %w", err))
	}
	var buf bytes.Buffer
	for _, content := range ar.Content {
		if content.Type == "text" {
			buf.WriteString(content.Text)
		}
	}
	return buf.String(), nil
}

type anthropicPayload struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}
