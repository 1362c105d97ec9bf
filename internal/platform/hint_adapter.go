package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

// Intents every hint file for a generic board is expected to define.
const (
	IntentJobList     = "job_list"
	IntentClickApply  = "click_apply"
	IntentSubmit      = "submit_application"
	IntentNextPage    = "next_page"
	defaultMaxPages   = 3
	placeholderQuery  = "{query}"
	placeholderRegion = "{location}"
)

// FormField binds an application-form intent to a profile answer. When the
// profile has no answer, Question is put to the user.
type FormField struct {
	Intent    string `mapstructure:"intent" yaml:"intent"`
	AnswerKey string `mapstructure:"answer_key" yaml:"answer_key"`
	Question  string `mapstructure:"question" yaml:"question"`
}

// HintAdapter drives a board purely through hint intents; nothing about the
// markup is compiled in.
type HintAdapter struct {
	// SearchURL may contain {query} and {location}.
	SearchURL string      `mapstructure:"search_url" yaml:"search_url"`
	Fields    []FormField `mapstructure:"fields" yaml:"fields"`
	MaxPages  int         `mapstructure:"max_pages" yaml:"max_pages"`
}

func (a *HintAdapter) searchURL(keyword, location string) string {
	r := strings.NewReplacer(
		placeholderQuery, url.QueryEscape(keyword),
		placeholderRegion, url.QueryEscape(location),
	)
	return r.Replace(a.SearchURL)
}

// Search opens the result list for every keyword and counts the listed jobs.
func (a *HintAdapter) Search(ctx context.Context, s Session, p store.Profile) error {
	maxPages := a.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	for _, kw := range p.Keywords {
		s.SetAction("search: " + kw)
		if err := s.Navigate(ctx, a.searchURL(kw, p.Location)); err != nil {
			return fmt.Errorf("open search %q: %w", kw, err)
		}
		for page := 0; page < maxPages; page++ {
			res, err := s.Perform(ctx, IntentJobList)
			if err != nil {
				return err
			}
			if !res.Success {
				return &EscalationError{Platform: s.Platform(), Intent: IntentJobList, Message: res.ErrorMessage}
			}
			if res.Selector != "" {
				if n, err := s.Page().Locator(res.Selector).Count(ctx); err == nil {
					s.AddExtracted(n)
				}
			} else {
				s.AddExtracted(1)
			}
			if page == maxPages-1 {
				break
			}
			next, found, err := s.Find(ctx, IntentNextPage)
			if err != nil {
				return err
			}
			if !found {
				break // last page
			}
			if err := next.Click(ctx); err != nil {
				return fmt.Errorf("click %s: %w", IntentNextPage, err)
			}
		}
	}
	return nil
}

// Apply opens the job, fills the form from profile answers and submits.
func (a *HintAdapter) Apply(ctx context.Context, s Session, job store.Job, p store.Profile) error {
	s.SetAction("apply: " + job.Title)
	if err := s.Navigate(ctx, job.URL); err != nil {
		return fmt.Errorf("open job %s: %w", job.ID, err)
	}
	if err := s.Click(ctx, IntentClickApply); err != nil {
		return err
	}
	for _, f := range a.Fields {
		value := p.Answers[f.AnswerKey]
		if value == "" {
			q := f.Question
			if q == "" {
				q = fmt.Sprintf("Value for %q (%s)?", f.AnswerKey, job.Title)
			}
			answer, err := s.Ask(ctx, q)
			if err != nil {
				return err
			}
			value = answer
		}
		if err := s.Fill(ctx, f.Intent, value); err != nil {
			return err
		}
	}
	if err := s.Click(ctx, IntentSubmit); err != nil {
		return err
	}
	s.AddSubmitted(1)
	return nil
}

// EscalationError reports an intent that could not be carried out
// automatically and needs a human or a better hint.
type EscalationError struct {
	Platform string
	Intent   string
	Message  string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("%s: %s needs escalation: %s", e.Platform, e.Intent, e.Message)
}
