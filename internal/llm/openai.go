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
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	defaultOpenAIModel = "gpt-4o-mini"

	openAIAPIURL = "https://api.openai.com/v1/chat/completions"
)

type openAIClient struct {
	apiKey   string
	model    string
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

type openAIPayload struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func NewOpenAIFromEnv() (Client, error) {
	key := strings.TrimSpace(os.Getenv(envOpenAIAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	model := strings.TrimSpace(os.Getenv(envOpenAIModel))
	if model == "" {
		model = defaultOpenAIModel
	}
	model = strings.Trim(model, "\"'")
	return &openAIClient{
		apiKey:   key,
		model:    model,
		endpoint: openAIAPIURL,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   zerolog.Nop(),
	}, nil
}

func NewOpenAIWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewOpenAIFromEnv()
	if err != nil {
		return nil, err
	}
	if oc, ok := client.(*openAIClient); ok {
		oc.logger = logger
	}
	return client, nil
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return Response{}, errors.New("empty user message")
	}
	req = clampRequest(c.logger, req)

	// system prompt travels as the first message
	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.UserMessage})

	body, err := json.Marshal(openAIPayload{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	text, err := withRetry(ctx, c.logger, "openai", func(ctx context.Context) (string, error) {
		return c.send(ctx, req.Task, body)
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Content: text}, nil
}

func (c *openAIClient) send(ctx context.Context, task string, body []byte) (string, error) {
	c.logger.Debug().
		Str("model", c.model).
		Str("task", task).
		Int("payload_size", len(body)).
		Msg("OpenAI API request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", nonRetryable(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", retryable(fmt.Errorf("http request: %w", err))
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", retryable(fmt.Errorf("read response: %w", err))
	}

	var apiResp openAIResponse
	parseErr := json.Unmarshal(data, &apiResp)

	if resp.StatusCode >= 400 {
		var err error
		if parseErr != nil || apiResp.Error == nil {
			err = fmt.Errorf("openai %d: %s", resp.StatusCode, truncateString(string(data), 500))
		} else {
			err = fmt.Errorf("openai %d: %s (type: %s, code: %s)", resp.StatusCode, apiResp.Error.Message, apiResp.Error.Type, apiResp.Error.Code)
		}
		c.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("OpenAI API error")
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", retryable(err)
		}
		return "", nonRetryable(err)
	}
	if parseErr != nil {
		return "", nonRetryable(fmt.Errorf("parse response: %w (raw: %s)", parseErr, truncateString(string(data), 200)))
	}
	if len(apiResp.Choices) == 0 {
		return "", nonRetryable(errors.New("no choices in response"))
	}

	choice := apiResp.Choices[0]
	c.logger.Debug().
		Str("finish_reason", choice.FinishReason).
		Int("prompt_tokens", apiResp.Usage.PromptTokens).
		Int("completion_tokens", apiResp.Usage.CompletionTokens).
		Str("response_preview", truncateString(choice.Message.Content, 200)).
		Msg("OpenAI API success")

	if choice.Message.Content == "" {
		return "", nonRetryable(errors.New("empty response content"))
	}
	return choice.Message.Content, nil
}
