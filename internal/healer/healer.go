package healer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/llm"
)

const (
	keySeparator   = "||"
	repairTask     = "selector_repair"
	repairMaxToken = 600
)

type Config struct {
	MinConfidence  float64
	MaxFailures    int
	SuccessBoost   float64
	FailurePenalty float64
	MaxSnapshot    int
	MinSnapshot    int
	MaxSelectorLen int
}

func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.3,
		MaxFailures:    3,
		SuccessBoost:   0.1,
		FailurePenalty: 0.2,
		MaxSnapshot:    15000,
		MinSnapshot:    200,
		MaxSelectorLen: 200,
	}
}

// CacheStatus tells a missing entry apart from one the read policy evicted.
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHit
	CacheEvicted
)

func (s CacheStatus) String() string {
	switch s {
	case CacheHit:
		return "hit"
	case CacheEvicted:
		return "evicted"
	default:
		return "miss"
	}
}

// RepairContext narrows what the model sees.
type RepairContext struct {
	FieldName string
	// Container is an optional CSS selector scoping the DOM snapshot.
	Container string
}

// Healer asks a completion service for replacement selectors and remembers
// the validated ones per platform. It never returns errors to its callers.
type Healer struct {
	platform string
	ai       llm.Completer
	store    CacheStore
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger

	mu        sync.Mutex
	attempted map[string]struct{}
	cache     *CacheFile
}

type Option func(*Healer)

func WithClock(now func() time.Time) Option {
	return func(h *Healer) { h.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Healer) { h.logger = logger }
}

// New builds a healer for platform. ai may be nil, in which case Repair
// always reports no repair.
func New(platform string, ai llm.Completer, store CacheStore, cfg Config, opts ...Option) *Healer {
	if cfg.MaxSelectorLen <= 0 {
		cfg.MaxSelectorLen = 200
	}
	h := &Healer{
		platform:  platform,
		ai:        ai,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		logger:    zerolog.Nop(),
		attempted: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With().Str("comp", "healer").Str("platform", platform).Logger()
	return h
}

func (h *Healer) Platform() string { return h.platform }

// CacheKey is order-independent: the selectors are sorted before joining.
func CacheKey(selectors []string) string {
	sorted := append([]string(nil), selectors...)
	sort.Strings(sorted)
	return strings.Join(sorted, keySeparator)
}

// ResetSession forgets which selector sets were attempted in this run. The
// persisted cache is untouched.
func (h *Healer) ResetSession() {
	h.mu.Lock()
	h.attempted = make(map[string]struct{})
	h.mu.Unlock()
}

// Repair asks for replacement selectors and validates them against the live
// page. At most one completion call is made per selector set per run.
func (h *Healer) Repair(ctx context.Context, page browser.Page, selectors []string, rc RepairContext) (repaired []string, ok bool) {
	key := CacheKey(selectors)
	log := h.logger.With().Str("key", key).Logger()

	h.mu.Lock()
	if _, seen := h.attempted[key]; seen {
		h.mu.Unlock()
		log.Debug().Msg("repair already attempted this run")
		return nil, false
	}
	h.attempted[key] = struct{}{}
	h.mu.Unlock()

	if !h.hasAI() {
		log.Debug().Msg("no completion service, skipping repair")
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("selector repair panicked")
			repaired, ok = nil, false
		}
	}()

	dom, err := captureDOM(ctx, page, rc.Container, h.cfg.MaxSnapshot)
	if err != nil {
		log.Warn().Err(err).Msg("dom snapshot failed")
		return nil, false
	}
	if len(dom) < h.cfg.MinSnapshot {
		log.Warn().Int("len", len(dom)).Msg("dom snapshot too small, page probably not loaded")
		return nil, false
	}

	resp, err := h.ai.Complete(ctx, llm.Request{
		SystemPrompt: repairSystemPrompt,
		UserMessage:  buildRepairMessage(page.URL(), selectors, rc.FieldName, dom),
		MaxTokens:    repairMaxToken,
		Task:         repairTask,
	})
	if err != nil {
		log.Warn().Err(err).Msg("repair completion failed")
		return nil, false
	}

	suggestion, err := parseSuggestion(resp.Content, h.cfg.MaxSelectorLen)
	if err != nil {
		log.Warn().Err(err).Msg("malformed repair response")
		return nil, false
	}

	valid := h.validate(ctx, page, suggestion.Selectors)
	if len(valid) == 0 {
		log.Info().Int("suggested", len(suggestion.Selectors)).Msg("no suggested selector matched the page")
		return nil, false
	}

	entry := &RepairedSelector{
		OriginalSelectors: append([]string(nil), selectors...),
		RepairedSelectors: valid,
		Confidence:        suggestion.Confidence,
		RepairedAt:        h.now().UTC(),
	}
	h.mu.Lock()
	h.loadLocked()
	h.cache.Entries[key] = entry
	h.persistLocked()
	h.mu.Unlock()

	log.Info().Strs("selectors", valid).Float64("confidence", suggestion.Confidence).
		Str("reasoning", suggestion.Reasoning).Msg("selectors repaired")
	return append([]string(nil), valid...), true
}

// hasAI treats a typed nil behind the interface as absent.
func (h *Healer) hasAI() bool {
	if h.ai == nil {
		return false
	}
	v := reflect.ValueOf(h.ai)
	return !(v.Kind() == reflect.Ptr && v.IsNil())
}

func (h *Healer) validate(ctx context.Context, page browser.Page, candidates []string) []string {
	valid := make([]string, 0, len(candidates))
	for _, sel := range candidates {
		n, err := page.Locator(sel).Count(ctx)
		if err != nil {
			h.logger.Debug().Err(err).Str("selector", sel).Msg("candidate selector rejected")
			continue
		}
		if n > 0 {
			valid = append(valid, sel)
		}
	}
	return valid
}

// Lookup returns the cache entry for selectors and whether it is usable.
// The returned entry is a copy.
func (h *Healer) Lookup(selectors []string) (RepairedSelector, CacheStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadLocked()
	entry, found := h.cache.Entries[CacheKey(selectors)]
	if !found {
		return RepairedSelector{}, CacheMiss
	}
	cp := *entry
	cp.OriginalSelectors = append([]string(nil), entry.OriginalSelectors...)
	cp.RepairedSelectors = append([]string(nil), entry.RepairedSelectors...)
	if h.evicted(entry) {
		return cp, CacheEvicted
	}
	return cp, CacheHit
}

// GetCachedRepair returns the repaired selectors when a usable entry exists.
func (h *Healer) GetCachedRepair(selectors []string) ([]string, bool) {
	entry, status := h.Lookup(selectors)
	if status != CacheHit {
		return nil, false
	}
	return entry.RepairedSelectors, true
}

func (h *Healer) RecordSuccess(selectors []string) {
	h.adjust(selectors, func(e *RepairedSelector) {
		e.Confidence = clamp01(e.Confidence + h.cfg.SuccessBoost)
		e.SuccessCount++
	})
}

func (h *Healer) RecordFailure(selectors []string) {
	h.adjust(selectors, func(e *RepairedSelector) {
		e.Confidence = clamp01(e.Confidence - h.cfg.FailurePenalty)
		e.FailureCount++
	})
}

// Entries returns a copy of every cached entry keyed by cache key.
func (h *Healer) Entries() map[string]RepairedSelector {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadLocked()
	out := make(map[string]RepairedSelector, len(h.cache.Entries))
	for k, e := range h.cache.Entries {
		out[k] = *e
	}
	return out
}

// Usable reports whether an entry survives the read-time eviction policy.
func (h *Healer) Usable(e RepairedSelector) bool {
	return !h.evicted(&e)
}

func (h *Healer) adjust(selectors []string, fn func(*RepairedSelector)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadLocked()
	entry, found := h.cache.Entries[CacheKey(selectors)]
	if !found {
		return
	}
	fn(entry)
	h.persistLocked()
}

func (h *Healer) evicted(e *RepairedSelector) bool {
	return e.Confidence < h.cfg.MinConfidence || e.FailureCount >= h.cfg.MaxFailures
}

// loadLocked reads the platform cache on first use. A broken file is logged
// and replaced by an empty cache.
func (h *Healer) loadLocked() {
	if h.cache != nil {
		return
	}
	if h.store == nil {
		h.cache = newCacheFile(h.platform)
		return
	}
	f, err := h.store.Load(h.platform)
	if err != nil {
		h.logger.Warn().Err(err).Msg("selector cache unreadable, starting empty")
		f = newCacheFile(h.platform)
	}
	h.cache = f
	h.logger.Debug().Int("entries", len(f.Entries)).Msg("selector cache loaded")
}

func (h *Healer) persistLocked() {
	if h.store == nil {
		return
	}
	if err := h.store.Save(h.cache); err != nil {
		h.logger.Error().Err(err).Msg("persist selector cache")
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

type suggestion struct {
	Selectors  []string
	Confidence float64
	Reasoning  string
}

// parseSuggestion expects {selectors: string[], confidence: number, reasoning}.
func parseSuggestion(content string, maxLen int) (suggestion, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return suggestion{}, err
	}
	var payload struct {
		Selectors  json.RawMessage `json:"selectors"`
		Confidence *float64        `json:"confidence"`
		Reasoning  string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return suggestion{}, fmt.Errorf("decode repair response: %w", err)
	}
	if len(payload.Selectors) == 0 || string(payload.Selectors) == "null" {
		return suggestion{}, errors.New("selectors missing")
	}
	var list []string
	if err := json.Unmarshal(payload.Selectors, &list); err != nil {
		return suggestion{}, errors.New("selectors must be an array of strings")
	}
	if payload.Confidence == nil || math.IsNaN(*payload.Confidence) {
		return suggestion{}, errors.New("confidence missing")
	}
	conf := *payload.Confidence
	if conf < 0 || conf > 1 {
		return suggestion{}, fmt.Errorf("confidence %v out of range", conf)
	}

	out := suggestion{Confidence: clamp01(conf), Reasoning: payload.Reasoning}
	seen := make(map[string]struct{}, len(list))
	for _, sel := range list {
		sel = strings.TrimSpace(sel)
		if sel == "" || len(sel) > maxLen {
			continue
		}
		if _, dup := seen[sel]; dup {
			continue
		}
		seen[sel] = struct{}{}
		out.Selectors = append(out.Selectors, sel)
	}
	return out, nil
}

// extractJSON returns the first balanced JSON object in text, so answers
// wrapped in prose or code fences still parse.
func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if depth > 0 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}
