package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/resilience"
)

// Guarded paces calls to a Completer and trips a circuit breaker when the
// provider keeps failing, so a dead API key does not cost one timeout per step.
type Guarded struct {
	next    Completer
	breaker *resilience.CircuitBreaker
	pacer   *rate.Limiter
	logger  zerolog.Logger
}

func NewGuarded(next Completer, breaker *resilience.CircuitBreaker, rps float64, burst int, logger zerolog.Logger) *Guarded {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Guarded{
		next:    next,
		breaker: breaker,
		pacer:   rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (g *Guarded) Complete(ctx context.Context, req Request) (Response, error) {
	if err := g.pacer.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("completion pacing: %w", err)
	}
	resp, err := resilience.Run(ctx, g.breaker, func(ctx context.Context) (Response, error) {
		return g.next.Complete(ctx, req)
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("task", req.Task).Str("breaker", g.breaker.State().String()).Msg("completion failed")
		return Response{}, err
	}
	return resp, nil
}
