package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/executor"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

type countLocator struct{ n int }

func (l countLocator) First() browser.Locator { return l }
func (l countLocator) IsVisible(context.Context, time.Duration) bool { return l.n > 0 }
func (l countLocator) Count(context.Context) (int, error) { return l.n, nil }
func (l countLocator) Click(context.Context) error { return nil }
func (l countLocator) Fill(context.Context, string) error { return nil }

type listPage struct{ cards int }

func (p listPage) URL() string { return "" }
func (p listPage) Navigate(context.Context, string) error { return nil }
func (p listPage) Locator(string) browser.Locator { return countLocator{n: p.cards} }
func (p listPage) GetByLabel(string) browser.Locator { return countLocator{} }
func (p listPage) GetByText(string, bool) browser.Locator { return countLocator{} }
func (p listPage) Evaluate(context.Context, string, any) (any, error) { return nil, nil }

type fakeSession struct {
	page      listPage
	missing   map[string]bool
	visited   []string
	performed []string
	found     []string
	clicked   []string
	filled    map[string]string
	asked     []string
	extracted int
	submitted int
}

func (s *fakeSession) Platform() string { return "linkedin" }
func (s *fakeSession) Page() browser.Page { return s.page }
func (s *fakeSession) Checkpoint(context.Context) error { return nil }
func (s *fakeSession) SetAction(string) {}
func (s *fakeSession) AddExtracted(n int) { s.extracted += n }
func (s *fakeSession) AddAnalyzed(int) {}
func (s *fakeSession) AddSubmitted(n int) { s.submitted += n }
func (s *fakeSession) Navigate(_ context.Context, u string) error {
	s.visited = append(s.visited, u)
	return nil
}

func (s *fakeSession) Perform(_ context.Context, intent string) (executor.Result, error) {
	s.performed = append(s.performed, intent)
	if s.missing[intent] {
		return executor.Result{NeedsEscalation: true, ErrorMessage: "not found"}, nil
	}
	return executor.Result{Success: true, Method: executor.MethodSelector, Selector: ".card"}, nil
}

func (s *fakeSession) Find(_ context.Context, intent string) (browser.Locator, bool, error) {
	s.found = append(s.found, intent)
	if s.missing[intent] {
		return nil, false, nil
	}
	return countLocator{n: 1}, true, nil
}

func (s *fakeSession) Click(ctx context.Context, intent string) error {
	res, _ := s.Perform(ctx, intent)
	if !res.Success {
		return &EscalationError{Platform: "linkedin", Intent: intent, Message: res.ErrorMessage}
	}
	s.clicked = append(s.clicked, intent)
	return nil
}

func (s *fakeSession) Fill(_ context.Context, intent, text string) error {
	if s.filled == nil {
		s.filled = make(map[string]string)
	}
	s.filled[intent] = text
	return nil
}

func (s *fakeSession) Ask(_ context.Context, q string) (string, error) {
	s.asked = append(s.asked, q)
	return "from-user", nil
}

func TestHintAdapter_SearchCountsAndStopsAtLastPage(t *testing.T) {
	a := &HintAdapter{SearchURL: "https://example.com/jobs?q={query}&l={location}", MaxPages: 3}
	s := &fakeSession{page: listPage{cards: 7}, missing: map[string]bool{IntentNextPage: true}}

	err := a.Search(context.Background(), s, store.Profile{Keywords: []string{"go developer"}, Location: "Berlin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/jobs?q=go+developer&l=Berlin"}, s.visited)
	assert.Equal(t, 7, s.extracted)
	assert.Equal(t, []string{IntentNextPage}, s.found)
	assert.NotContains(t, s.performed, IntentNextPage, "a missing next page must not go through the escalating path")
}

func TestHintAdapter_SearchFollowsNextPage(t *testing.T) {
	a := &HintAdapter{SearchURL: "https://example.com/jobs?q={query}", MaxPages: 3}
	s := &fakeSession{page: listPage{cards: 5}}

	err := a.Search(context.Background(), s, store.Profile{Keywords: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, 15, s.extracted)
	assert.Equal(t, []string{IntentNextPage, IntentNextPage}, s.found)
	assert.Equal(t, []string{IntentJobList, IntentJobList, IntentJobList}, s.performed)
}

func TestHintAdapter_SearchEscalatesWithoutJobList(t *testing.T) {
	a := &HintAdapter{SearchURL: "https://example.com/jobs?q={query}"}
	s := &fakeSession{missing: map[string]bool{IntentJobList: true}}

	err := a.Search(context.Background(), s, store.Profile{Keywords: []string{"go"}})
	var esc *EscalationError
	require.ErrorAs(t, err, &esc)
	assert.Equal(t, IntentJobList, esc.Intent)
}

func TestHintAdapter_ApplyAsksForMissingAnswers(t *testing.T) {
	a := Builtin()["linkedin"]
	s := &fakeSession{}
	job := store.Job{ID: "j1", URL: "https://www.linkedin.com/jobs/view/1", Title: "Go Engineer"}

	err := a.Apply(context.Background(), s, job, store.Profile{Answers: map[string]string{"email": "me@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, []string{IntentClickApply, IntentSubmit}, s.clicked)
	assert.Equal(t, map[string]string{"fill_phone": "from-user", "fill_email": "me@example.com"}, s.filled)
	assert.Len(t, s.asked, 1)
	assert.Equal(t, 1, s.submitted)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterAll(r, Builtin())
	assert.Equal(t, []string{"hh", "indeed", "linkedin"}, r.Names())
	_, err := r.Get("monster")
	assert.Error(t, err)
}
