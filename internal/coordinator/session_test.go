package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/hints"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/platform"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/resilience"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

// navPage records when each navigation reached the browser.
type navPage struct {
	blankPage
	mu   sync.Mutex
	navs []time.Time
	fail error
}

func (p *navPage) Navigate(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navs = append(p.navs, time.Now())
	return p.fail
}

func (p *navPage) navigations() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.navs...)
}

func withPage(page browser.Page) harnessOption {
	return func(_ *Config, _ *Deps, o *fakeOpener) { o.page = page }
}

func withRate(maxActions int, window time.Duration) harnessOption {
	return func(cfg *Config, _ *Deps, _ *fakeOpener) {
		cfg.MaxActions = maxActions
		cfg.Window = window
	}
}

func alphaHarness(t *testing.T, fn adapterFunc, opts ...harnessOption) *harness {
	t.Helper()
	return newHarness(t, map[string]platform.Adapter{"alpha": fn},
		[]store.Profile{{ID: "p1", Platforms: []string{"alpha"}, Enabled: true}}, nil, opts...)
}

// start searches profile p1 on alpha. The channel yields StartPlatform's
// result.
func (h *harness) start() <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.c.StartPlatform(context.Background(), "alpha", []string{"p1"}) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

func TestSession_NavigateTripsBreaker(t *testing.T) {
	page := &navPage{fail: errors.New("net::ERR_CONNECTION_RESET")}
	var got []error
	done := alphaHarness(t, func(ctx context.Context, s platform.Session, _ store.Profile) error {
		for i := 0; i < 3; i++ {
			got = append(got, s.Navigate(ctx, "https://alpha.example/jobs"))
		}
		return nil
	}, withPage(page), func(cfg *Config, _ *Deps, _ *fakeOpener) {
		cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}
	}).start()
	require.NoError(t, waitDone(t, done))

	require.Len(t, got, 3)
	for _, err := range got[:2] {
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}
	assert.ErrorIs(t, got[2], resilience.ErrCircuitOpen)
	assert.Len(t, page.navigations(), 2, "an open breaker must not reach the page")
}

func TestSession_WaitsForRateLimitSlot(t *testing.T) {
	const window = 150 * time.Millisecond
	page := &navPage{}
	done := alphaHarness(t, func(ctx context.Context, s platform.Session, _ store.Profile) error {
		if err := s.Navigate(ctx, "https://alpha.example/a"); err != nil {
			return err
		}
		return s.Navigate(ctx, "https://alpha.example/b")
	}, withPage(page), withRate(1, window)).start()
	require.NoError(t, waitDone(t, done))

	navs := page.navigations()
	require.Len(t, navs, 2)
	assert.GreaterOrEqual(t, navs[1].Sub(navs[0]), window-10*time.Millisecond)
}

func TestSession_EscalationIsPublished(t *testing.T) {
	hs := hints.NewStore(&hints.SiteHintFile{
		Site: "alpha",
		Actions: map[string]hints.Action{
			platform.IntentClickApply: {Steps: []hints.ActionStep{{
				Intent:     platform.IntentClickApply,
				Hint:       hints.Hint{Selectors: []string{"button.apply"}},
				Confidence: 0.5,
			}}},
			platform.IntentNextPage: {Steps: []hints.ActionStep{{
				Intent:     platform.IntentNextPage,
				Hint:       hints.Hint{Selectors: []string{"a.next"}},
				Confidence: 0.9,
			}}},
		},
	})

	var (
		performed bool
		clickErr  error
		found     bool
		findErr   error
	)
	h := alphaHarness(t, func(ctx context.Context, s platform.Session, _ store.Profile) error {
		res, err := s.Perform(ctx, platform.IntentClickApply)
		if err != nil {
			return err
		}
		performed = res.NeedsEscalation
		clickErr = s.Click(ctx, platform.IntentClickApply)
		_, found, findErr = s.Find(ctx, platform.IntentNextPage)
		return nil
	}, func(_ *Config, d *Deps, _ *fakeOpener) { d.Hints = hs })

	msgs, unsubscribe, err := h.bus.Subscribe(TopicEscalation)
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, waitDone(t, h.start()))

	assert.True(t, performed)
	var esc *platform.EscalationError
	require.ErrorAs(t, clickErr, &esc)
	assert.Equal(t, platform.IntentClickApply, esc.Intent)
	assert.NoError(t, findErr)
	assert.False(t, found)

	for i := 0; i < 2; i++ {
		select {
		case m := <-msgs:
			require.NotNil(t, m.Payload.Escalation)
			assert.Equal(t, "alpha", m.Payload.Escalation.Platform)
			assert.Equal(t, platform.IntentClickApply, m.Payload.Escalation.Intent)
		case <-time.After(time.Second):
			t.Fatalf("escalation %d not published", i+1)
		}
	}
	select {
	case m := <-msgs:
		t.Fatalf("unexpected escalation for %q", m.Payload.Escalation.Intent)
	default:
	}
}

// twoNavigations reports the second navigation's error on second.
func twoNavigations(second chan<- error) adapterFunc {
	return func(ctx context.Context, s platform.Session, _ store.Profile) error {
		if err := s.Navigate(ctx, "https://alpha.example/a"); err != nil {
			return err
		}
		err := s.Navigate(ctx, "https://alpha.example/b")
		second <- err
		return err
	}
}

func TestSession_StopInterruptsRateLimitWait(t *testing.T) {
	const window = 400 * time.Millisecond
	page := &navPage{}
	second := make(chan error, 1)
	h := alphaHarness(t, twoNavigations(second), withPage(page), withRate(1, window))
	done := h.start()

	require.Eventually(t, func() bool { return len(page.navigations()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stopped := time.Now()
	h.c.Stop("alpha")

	select {
	case err := <-second:
		assert.ErrorIs(t, err, ErrStopped)
		assert.Less(t, time.Since(stopped), window/2, "stop must not wait out the window")
	case <-time.After(time.Second):
		t.Fatal("second navigation still waiting after stop")
	}
	require.NoError(t, waitDone(t, done))
	assert.Len(t, page.navigations(), 1)
}

func TestSession_PauseHoldsActionAfterRateLimitWait(t *testing.T) {
	const window = 150 * time.Millisecond
	page := &navPage{}
	second := make(chan error, 1)
	h := alphaHarness(t, twoNavigations(second), withPage(page), withRate(1, window))
	done := h.start()

	require.Eventually(t, func() bool { return len(page.navigations()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	h.c.Pause("alpha")

	time.Sleep(2 * window)
	assert.Len(t, page.navigations(), 1, "a paused worker must not act once its slot frees up")
	assert.Equal(t, StatePaused, statusOf(t, h.c.Status(), "alpha").State)

	h.c.Resume("alpha")
	require.NoError(t, waitDone(t, done))
	assert.NoError(t, <-second)
	assert.Len(t, page.navigations(), 2)
}
