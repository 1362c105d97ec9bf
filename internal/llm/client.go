package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

	defaultMaxTokens = 900
	requestTimeout   = 60 * time.Second
	maxRetries       = 3
	retryBaseDelay   = 500 * time.Millisecond
	maxRequestSize   = 200000
)

// Completer is the completion capability consumed by the healer.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client is a Completer bound to a hosted model.
type Client interface {
	Completer
	Name() string
}

type Request struct {
	SystemPrompt string
	UserMessage  string
	MaxTokens    int
	// Task labels the call in logs and pacing, e.g. "selector_repair".
	Task string
}

type Response struct {
	Content string
}

// NewClientWithLogger creates a client based on LLM_PROVIDER, defaulting to anthropic.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "anthropic"
	}

	switch provider {
	case "openai":
		return NewOpenAIWithLogger(logger)
	case "anthropic":
		return NewAnthropicWithLogger(logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}

// attemptError carries whether a failed attempt may be retried.
type attemptError struct {
	err       error
	retryable bool
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func retryable(err error) error    { return &attemptError{err: err, retryable: true} }
func nonRetryable(err error) error { return &attemptError{err: err} }

// withRetry runs send with exponential backoff until it succeeds, fails
// permanently, or the retry budget is spent.
func withRetry(ctx context.Context, logger zerolog.Logger, provider string, send func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("provider", provider).
				Msg("retrying completion call")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		text, err := send(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var ae *attemptError
		if errors.As(err, &ae) && !ae.retryable {
			return "", ae.err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func clampRequest(logger zerolog.Logger, req Request) Request {
	if len(req.UserMessage) > maxRequestSize {
		logger.Warn().Int("size", len(req.UserMessage)).Msg("message too large, truncating")
		req.UserMessage = req.UserMessage[:maxRequestSize] + "... [truncated]"
	}
	if len(req.SystemPrompt) > maxRequestSize {
		logger.Warn().Int("size", len(req.SystemPrompt)).Msg("system prompt too large, truncating")
		req.SystemPrompt = req.SystemPrompt[:maxRequestSize] + "... [truncated]"
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	return req
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
