package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/healer"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/hints"
)

// Method names the strategy that found the element.
type Method string

const (
	MethodNone      Method = ""
	MethodSelector  Method = "selector"
	MethodAriaLabel Method = "aria_label"
	MethodText      Method = "text"
	MethodCached    Method = "cached_repair"
	MethodRepaired  Method = "repaired_selector"
)

// ErrMalformedHint marks hint data that cannot be executed at all.
var ErrMalformedHint = errors.New("malformed hint")

// Healer is the selector-repair capability consulted after every strategy of
// a step has failed.
type Healer interface {
	GetCachedRepair(selectors []string) ([]string, bool)
	Repair(ctx context.Context, page browser.Page, selectors []string, rc healer.RepairContext) ([]string, bool)
	RecordSuccess(selectors []string)
	RecordFailure(selectors []string)
}

type Config struct {
	ConfidenceThreshold float64
	AttemptTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.7, AttemptTimeout: 2 * time.Second}
}

// PageContext identifies where an intent is executed.
type PageContext struct {
	Site string
	URL  string
	Page browser.Page
	// Optional marks a lookup whose absence is expected, such as a next-page
	// link on the last page. The healer is not consulted.
	Optional bool
}

type Result struct {
	Success         bool
	Method          Method
	Selector        string
	Label           string
	Text            string
	NeedsEscalation bool
	ErrorMessage    string
	// Step is the index of the step that failed or the last one that ran.
	Step int
	// Element is the matched element of the last step.
	Element browser.Locator
}

type Executor struct {
	hints  *hints.Store
	healer Healer
	cfg    Config
	logger zerolog.Logger
}

// New returns an executor; h may be nil to disable selector repair.
func New(store *hints.Store, h Healer, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Executor{
		hints:  store,
		healer: h,
		cfg:    cfg,
		logger: logger.With().Str("comp", "executor").Logger(),
	}
}

// Execute runs every step of intent in order and stops at the first failing
// step. Element-not-found outcomes are reported in Result; the error is
// reserved for malformed hint data and cancellation.
func (e *Executor) Execute(ctx context.Context, intent string, pc PageContext) (Result, error) {
	log := e.logger.With().Str("intent", intent).Str("site", pc.Site).Logger()

	file, ok := e.hints.Lookup(pc.Site, pc.URL)
	if !ok {
		return escalate(0, "no hint file for site %q", pc.Site), nil
	}
	action, ok := file.Actions[intent]
	if !ok {
		return escalate(0, "no hints for intent %q on %s", intent, file.Site), nil
	}
	if len(action.Steps) == 0 {
		return Result{}, fmt.Errorf("%w: %s/%s has no steps", ErrMalformedHint, file.Site, intent)
	}

	var res Result
	for i, step := range action.Steps {
		if err := ctx.Err(); err != nil {
			return Result{Step: i, ErrorMessage: err.Error()}, err
		}
		if step.Hint.Empty() {
			return Result{}, fmt.Errorf("%w: %s/%s step %d has no descriptors", ErrMalformedHint, file.Site, intent, i)
		}
		if step.Confidence < e.cfg.ConfidenceThreshold {
			log.Info().Int("step", i).Float64("confidence", step.Confidence).Msg("step below confidence threshold")
			return escalate(i, "step %d confidence %.2f below threshold %.2f", i, step.Confidence, e.cfg.ConfidenceThreshold), nil
		}

		res = e.runStep(ctx, pc.Page, step, !pc.Optional)
		res.Step = i
		if !res.Success {
			if err := ctx.Err(); err != nil {
				return Result{Step: i, ErrorMessage: err.Error()}, err
			}
			log.Warn().Int("step", i).Str("description", step.FallbackDescription).Msg("no strategy matched")
			return escalate(i, "step %d: no visible element for %q", i, describe(step)), nil
		}
		log.Debug().Int("step", i).Str("method", string(res.Method)).Msg("step matched")
	}
	return res, nil
}

func (e *Executor) runStep(ctx context.Context, page browser.Page, step hints.ActionStep, heal bool) Result {
	for _, sel := range step.Hint.Selectors {
		if loc, ok := e.visible(ctx, page.Locator(sel)); ok {
			return Result{Success: true, Method: MethodSelector, Selector: sel, Element: loc}
		}
	}
	for _, label := range step.Hint.AriaLabels {
		if loc, ok := e.visible(ctx, page.GetByLabel(label)); ok {
			return Result{Success: true, Method: MethodAriaLabel, Label: label, Element: loc}
		}
	}
	for _, text := range step.Hint.TextMatches {
		if loc, ok := e.visible(ctx, page.GetByText(text, false)); ok {
			return Result{Success: true, Method: MethodText, Text: text, Element: loc}
		}
	}
	if !heal || e.healer == nil || len(step.Hint.Selectors) == 0 || ctx.Err() != nil {
		return Result{}
	}
	return e.heal(ctx, page, step)
}

// heal tries a cached repair first, then asks for a fresh one. Each repaired
// selector list is tried once.
func (e *Executor) heal(ctx context.Context, page browser.Page, step hints.ActionStep) Result {
	broken := step.Hint.Selectors
	if cached, ok := e.healer.GetCachedRepair(broken); ok {
		if res, ok := e.trySelectors(ctx, page, cached, MethodCached); ok {
			e.healer.RecordSuccess(broken)
			return res
		}
		e.healer.RecordFailure(broken)
	}
	repaired, ok := e.healer.Repair(ctx, page, broken, healer.RepairContext{FieldName: describe(step)})
	if !ok {
		return Result{}
	}
	res, _ := e.trySelectors(ctx, page, repaired, MethodRepaired)
	return res
}

func (e *Executor) trySelectors(ctx context.Context, page browser.Page, selectors []string, m Method) (Result, bool) {
	for _, sel := range selectors {
		if loc, ok := e.visible(ctx, page.Locator(sel)); ok {
			return Result{Success: true, Method: m, Selector: sel, Element: loc}, true
		}
	}
	return Result{}, false
}

func (e *Executor) visible(ctx context.Context, loc browser.Locator) (browser.Locator, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	first := loc.First()
	return first, first.IsVisible(ctx, e.cfg.AttemptTimeout)
}

func describe(step hints.ActionStep) string {
	if step.FallbackDescription != "" {
		return step.FallbackDescription
	}
	return step.Intent
}

func escalate(step int, format string, args ...any) Result {
	return Result{Step: step, NeedsEscalation: true, ErrorMessage: fmt.Sprintf(format, args...)}
}
