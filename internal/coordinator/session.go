package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/executor"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/platform"
)

// Session is the platform.Session a worker hands to its adapter.
type Session struct {
	w      *Worker
	c      *Coordinator
	res    *platformResources
	logger zerolog.Logger
}

var _ platform.Session = (*Session)(nil)

func (s *Session) Platform() string   { return s.w.platform }
func (s *Session) Page() browser.Page { return s.w.Page() }

func (s *Session) Checkpoint(ctx context.Context) error {
	return s.w.ctl.checkpoint(ctx)
}

// gate is passed before every page action. Stop interrupts the wait for a
// rate-limit slot, and a pause that arrives during the wait holds the action
// until resume.
func (s *Session) gate(ctx context.Context) error {
	if err := s.Checkpoint(ctx); err != nil {
		return err
	}
	waitCtx, release := s.w.ctl.bind(ctx)
	err := s.res.limiter.Acquire(waitCtx)
	release()
	if cerr := s.Checkpoint(ctx); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.gate(ctx); err != nil {
		return err
	}
	page := s.Page()
	return s.res.breaker.Execute(ctx, func(ctx context.Context) error {
		return page.Navigate(ctx, url)
	})
}

func (s *Session) Perform(ctx context.Context, intent string) (executor.Result, error) {
	res, err := s.execute(ctx, intent, false)
	if err != nil {
		return res, err
	}
	if res.NeedsEscalation {
		s.logger.Warn().Str("intent", intent).Int("step", res.Step).Str("reason", res.ErrorMessage).Msg("escalation")
		s.c.publish(ctx, TopicEscalation, Event{Escalation: &Escalation{
			Platform: s.w.platform,
			Intent:   intent,
			Step:     res.Step,
			Message:  res.ErrorMessage,
		}})
	}
	return res, nil
}

// Find looks up an element that may be absent, such as the next-page link on
// the last results page. A miss is neither escalated nor repaired.
func (s *Session) Find(ctx context.Context, intent string) (browser.Locator, bool, error) {
	res, err := s.execute(ctx, intent, true)
	if err != nil {
		return nil, false, err
	}
	if !res.Success {
		s.logger.Debug().Str("intent", intent).Str("reason", res.ErrorMessage).Msg("optional element absent")
		return nil, false, nil
	}
	return res.Element, true, nil
}

func (s *Session) execute(ctx context.Context, intent string, optional bool) (executor.Result, error) {
	if err := s.gate(ctx); err != nil {
		return executor.Result{}, err
	}
	page := s.Page()
	return s.res.exec.Execute(ctx, intent, executor.PageContext{
		Site:     s.w.platform,
		URL:      page.URL(),
		Page:     page,
		Optional: optional,
	})
}

func (s *Session) locate(ctx context.Context, intent string) (browser.Locator, error) {
	res, err := s.Perform(ctx, intent)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &platform.EscalationError{Platform: s.w.platform, Intent: intent, Message: res.ErrorMessage}
	}
	return res.Element, nil
}

func (s *Session) Click(ctx context.Context, intent string) error {
	el, err := s.locate(ctx, intent)
	if err != nil {
		return err
	}
	if err := el.Click(ctx); err != nil {
		return fmt.Errorf("click %s: %w", intent, err)
	}
	return nil
}

func (s *Session) Fill(ctx context.Context, intent, text string) error {
	el, err := s.locate(ctx, intent)
	if err != nil {
		return err
	}
	if err := el.Fill(ctx, text); err != nil {
		return fmt.Errorf("fill %s: %w", intent, err)
	}
	return nil
}

// Ask publishes a question and blocks until ResolveAnswer, stop or ctx.
func (s *Session) Ask(ctx context.Context, text string) (string, error) {
	if err := s.Checkpoint(ctx); err != nil {
		return "", err
	}
	p := &pendingQuestion{q: newQuestion(s.w.platform, text), answer: make(chan string, 1)}
	s.w.pending.Store(p)
	s.w.update(func(st *WorkerStatus) { st.PendingQuestion = text })
	defer func() {
		s.w.pending.CompareAndSwap(p, nil)
		s.w.update(func(st *WorkerStatus) { st.PendingQuestion = "" })
	}()

	q := p.q
	s.c.publish(ctx, TopicQuestion, Event{Question: &q})

	select {
	case a := <-p.answer:
		return a, nil
	case <-s.w.ctl.stopped():
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) SetAction(action string) {
	s.w.update(func(st *WorkerStatus) { st.CurrentAction = action })
}

func (s *Session) AddExtracted(n int) {
	s.w.update(func(st *WorkerStatus) { st.JobsExtracted += n })
}

func (s *Session) AddAnalyzed(n int) {
	s.w.update(func(st *WorkerStatus) { st.JobsAnalyzed += n })
}

func (s *Session) AddSubmitted(n int) {
	s.w.update(func(st *WorkerStatus) { st.ApplicationsSubmitted += n })
}
