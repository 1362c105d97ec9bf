package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/resilience"
)

func newTestAnthropic(url string) *anthropicClient {
	return &anthropicClient{
		apiKey:   "test",
		model:    "test-model",
		endpoint: url,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   zerolog.Nop(),
	}
}

func TestAnthropic_CompleteConcatenatesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test", r.Header.Get("x-api-key"))
		var p anthropicPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "sys", p.System)
		assert.Equal(t, 300, p.MaxTokens)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"selectors\":"},{"type":"text","text":"[]}"}]}`))
	}))
	defer srv.Close()

	resp, err := newTestAnthropic(srv.URL).Complete(context.Background(), Request{
		SystemPrompt: "sys",
		UserMessage:  "hello",
		MaxTokens:    300,
		Task:         "selector_repair",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"selectors":[]}`, resp.Content)
}

func TestAnthropic_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	_, err := newTestAnthropic(srv.URL).Complete(context.Background(), Request{UserMessage: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid x-api-key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := &openAIClient{apiKey: "k", model: "m", endpoint: srv.URL, http: srv.Client(), logger: zerolog.Nop()}
	resp, err := c.Complete(context.Background(), Request{SystemPrompt: "s", UserMessage: "u"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

type stubCompleter struct {
	calls int
	err   error
}

func (s *stubCompleter) Complete(context.Context, Request) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Content: "done"}, nil
}

func TestGuarded_OpensBreakerOnRepeatedFailure(t *testing.T) {
	stub := &stubCompleter{err: errors.New("upstream down")}
	cb := resilience.NewCircuitBreaker("llm", resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	g := NewGuarded(stub, cb, 0, 1, zerolog.Nop())
	ctx := context.Background()

	_, _ = g.Complete(ctx, Request{UserMessage: "x"})
	_, _ = g.Complete(ctx, Request{UserMessage: "x"})
	_, err := g.Complete(ctx, Request{UserMessage: "x"})

	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, stub.calls)
}

func TestGuarded_PassesThrough(t *testing.T) {
	stub := &stubCompleter{}
	g := NewGuarded(stub, resilience.NewCircuitBreaker("llm", resilience.DefaultBreakerConfig()), 100, 5, zerolog.Nop())
	resp, err := g.Complete(context.Background(), Request{UserMessage: "x"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
}
