package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/events"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/executor"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/healer"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/hints"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/llm"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/platform"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/resilience"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

var (
	ErrStopped         = errors.New("coordinator: stopped")
	ErrPlatformRunning = errors.New("coordinator: platform already running")
	ErrUnknownPlatform = errors.New("coordinator: unknown platform")
	ErrUnknownProfile  = errors.New("coordinator: unknown profile")
)

// PageOpener issues one page per platform. The returned func releases it.
type PageOpener interface {
	OpenPage(ctx context.Context, platform string) (browser.Page, func(), error)
}

type Config struct {
	MaxActions int
	Window     time.Duration
	Breaker    resilience.BreakerConfig
	Executor   executor.Config
	Healer     healer.Config
	// LLMRate and LLMBurst pace repair calls per platform.
	LLMRate  float64
	LLMBurst int
}

type Deps struct {
	Pages    PageOpener
	Adapters *platform.Registry
	Hints    *hints.Store
	// AI may be nil; selector repair is then disabled.
	AI     llm.Completer
	Cache  healer.CacheStore
	Store  *store.Memory
	Bus    *events.Bus[Event]
	Logger zerolog.Logger
}

// platformResources outlive individual runs: the limiter window, breaker
// state and selector cache carry over between starts.
type platformResources struct {
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	healer  *healer.Healer
	exec    *executor.Executor
}

type workerMap map[string]*Worker
type statusMap map[string]WorkerStatus

// Coordinator owns one Worker per running platform.
type Coordinator struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex // single writer for workers, finished, resources
	workers   atomic.Pointer[workerMap]
	finished  atomic.Pointer[statusMap]
	resources map[string]*platformResources
}

func New(cfg Config, deps Deps) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		logger:    deps.Logger.With().Str("comp", "coordinator").Logger(),
		resources: make(map[string]*platformResources),
	}
	c.workers.Store(&workerMap{})
	c.finished.Store(&statusMap{})
	return c
}

func (c *Coordinator) resourcesFor(name string) *platformResources {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resources[name]; ok {
		return r
	}
	log := c.deps.Logger.With().Str("platform", name).Logger()

	var ai llm.Completer
	if c.deps.AI != nil {
		llmBreaker := resilience.NewCircuitBreaker("llm:"+name, c.cfg.Breaker, resilience.WithBreakerLogger(log))
		ai = llm.NewGuarded(c.deps.AI, llmBreaker, c.cfg.LLMRate, c.cfg.LLMBurst, log)
	}
	h := healer.New(name, ai, c.deps.Cache, c.cfg.Healer, healer.WithLogger(c.deps.Logger))
	r := &platformResources{
		limiter: resilience.NewRateLimiter(name, c.cfg.MaxActions, c.cfg.Window),
		breaker: resilience.NewCircuitBreaker("nav:"+name, c.cfg.Breaker, resilience.WithBreakerLogger(log)),
		healer:  h,
		exec:    executor.New(c.deps.Hints, h, c.cfg.Executor, log),
	}
	c.resources[name] = r
	return r
}

// Healer returns the platform's selector healer, creating it on first use.
func (c *Coordinator) Healer(name string) *healer.Healer {
	return c.resourcesFor(name).healer
}

// reserve registers a new worker for name.
func (c *Coordinator) reserve(name string) (*Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.workers.Load()
	if _, live := cur[name]; live {
		return nil, ErrPlatformRunning
	}
	w := newWorker(name, c.now, c.publishStatus)
	next := make(workerMap, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[name] = w
	c.workers.Store(&next)
	return w, nil
}

// cleanupPlatform removes the worker, records its final status and releases
// its page.
func (c *Coordinator) cleanupPlatform(w *Worker, final WorkerStatus) {
	c.mu.Lock()
	cur := *c.workers.Load()
	next := make(workerMap, len(cur))
	for k, v := range cur {
		if v != w {
			next[k] = v
		}
	}
	c.workers.Store(&next)

	prev := *c.finished.Load()
	done := make(statusMap, len(prev)+1)
	for k, v := range prev {
		done[k] = v
	}
	done[w.platform] = final
	c.finished.Store(&done)
	c.mu.Unlock()

	w.detach()
	c.publishStatus()
}

type runFunc func(ctx context.Context, s *Session, a platform.Adapter) error

// runPlatform executes fn on a fresh worker for name and blocks until it
// settles. A platform that already has a live worker is left alone.
func (c *Coordinator) runPlatform(ctx context.Context, name string, fn runFunc) (err error) {
	log := c.logger.With().Str("platform", name).Logger()
	adapter, aerr := c.deps.Adapters.Get(name)
	if aerr != nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	w, rerr := c.reserve(name)
	if errors.Is(rerr, ErrPlatformRunning) {
		log.Warn().Msg("platform already running, start ignored")
		return nil
	}

	res := c.resourcesFor(name)
	res.healer.ResetSession()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("platform %s panicked: %v", name, r)
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker panic")
		}
		final := w.Status()
		final.CurrentAction = ""
		final.PendingQuestion = ""
		final.UpdatedAt = c.now()
		switch {
		case err == nil || errors.Is(err, ErrStopped):
			final.State = StateIdle
		default:
			final.State = StateError
			final.Errors = append(final.Errors, err.Error())
		}
		c.cleanupPlatform(w, final)
		if errors.Is(err, ErrStopped) {
			log.Info().Msg("platform stopped")
			err = nil
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("platform run failed")
			return
		}
		log.Info().Int("extracted", final.JobsExtracted).Int("submitted", final.ApplicationsSubmitted).Msg("platform run finished")
	}()

	page, release, err := c.deps.Pages.OpenPage(ctx, name)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	w.attach(page, release)
	w.running()
	log.Info().Msg("platform started")

	sess := &Session{w: w, c: c, res: res, logger: log}
	return fn(ctx, sess, adapter)
}

// fanOut runs every group concurrently and waits for all of them. One
// group's failure neither cancels nor blocks the others.
func (c *Coordinator) fanOut(ctx context.Context, groups map[string]runFunc) RunSummary {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	for name, fn := range groups {
		name, fn := name, fn
		g.Go(func() error {
			if err := c.runPlatform(ctx, name, fn); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return RunSummary{Status: c.Status(), Errors: errs}
}

func searchRun(profiles []store.Profile) runFunc {
	return func(ctx context.Context, s *Session, a platform.Adapter) error {
		var errs []error
		for _, p := range profiles {
			if err := s.Checkpoint(ctx); err != nil {
				return err
			}
			if err := a.Search(ctx, s, p); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return err
				}
				s.logger.Warn().Err(err).Str("profile", p.ID).Msg("search failed")
				errs = append(errs, fmt.Errorf("profile %s: %w", p.ID, err))
			}
		}
		return errors.Join(errs...)
	}
}

func (c *Coordinator) applyRun(jobs []store.Job) runFunc {
	return func(ctx context.Context, s *Session, a platform.Adapter) error {
		var errs []error
		for _, j := range jobs {
			if err := s.Checkpoint(ctx); err != nil {
				return err
			}
			p, err := c.deps.Store.Profile(j.ProfileID)
			if err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
				continue
			}
			if err := a.Apply(ctx, s, j, p); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return err
				}
				s.logger.Warn().Err(err).Str("job", j.ID).Msg("apply failed")
				_ = c.deps.Store.SetJobStatus(j.ID, store.JobFailed)
				errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
				continue
			}
			_ = c.deps.Store.SetJobStatus(j.ID, store.JobApplied)
		}
		return errors.Join(errs...)
	}
}

// StartAll launches one worker per platform with enabled profiles and
// returns once every run has settled.
func (c *Coordinator) StartAll(ctx context.Context) RunSummary {
	byPlatform := make(map[string][]store.Profile)
	for _, p := range c.deps.Store.EnabledProfiles() {
		for _, name := range p.Platforms {
			byPlatform[name] = append(byPlatform[name], p)
		}
	}
	groups := make(map[string]runFunc, len(byPlatform))
	for name, profiles := range byPlatform {
		groups[name] = searchRun(profiles)
	}
	c.logger.Info().Int("platforms", len(groups)).Msg("starting all platforms")
	return c.fanOut(ctx, groups)
}

// StartProfile runs one profile on each of its platforms concurrently.
func (c *Coordinator) StartProfile(ctx context.Context, id string) (RunSummary, error) {
	p, err := c.deps.Store.Profile(id)
	if err != nil {
		return RunSummary{}, fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	groups := make(map[string]runFunc, len(p.Platforms))
	for _, name := range p.Platforms {
		groups[name] = searchRun([]store.Profile{p})
	}
	return c.fanOut(ctx, groups), nil
}

// StartPlatform runs the given profiles (all enabled ones targeting the
// platform when ids is empty) on a single platform.
func (c *Coordinator) StartPlatform(ctx context.Context, name string, ids []string) error {
	var profiles []store.Profile
	if len(ids) == 0 {
		for _, p := range c.deps.Store.EnabledProfiles() {
			for _, pl := range p.Platforms {
				if pl == name {
					profiles = append(profiles, p)
					break
				}
			}
		}
	}
	for _, id := range ids {
		p, err := c.deps.Store.Profile(id)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
		}
		profiles = append(profiles, p)
	}
	return c.runPlatform(ctx, name, searchRun(profiles))
}

// ApplyToApproved submits every approved job, one worker per platform.
func (c *Coordinator) ApplyToApproved(ctx context.Context) RunSummary {
	byPlatform := make(map[string][]store.Job)
	for _, j := range c.deps.Store.JobsByStatus(store.JobApproved) {
		byPlatform[j.Platform] = append(byPlatform[j.Platform], j)
	}
	groups := make(map[string]runFunc, len(byPlatform))
	for name, jobs := range byPlatform {
		groups[name] = c.applyRun(jobs)
	}
	c.logger.Info().Int("platforms", len(groups)).Msg("applying to approved jobs")
	return c.fanOut(ctx, groups)
}

// targets returns the live workers named, or all of them.
func (c *Coordinator) targets(names []string) []*Worker {
	cur := *c.workers.Load()
	if len(names) == 0 {
		out := make([]*Worker, 0, len(cur))
		for _, w := range cur {
			out = append(out, w)
		}
		return out
	}
	out := make([]*Worker, 0, len(names))
	for _, n := range names {
		if w, ok := cur[n]; ok {
			out = append(out, w)
		}
	}
	return out
}

// Stop asks the named workers (all when none given) to quit at their next
// checkpoint.
func (c *Coordinator) Stop(names ...string) {
	for _, w := range c.targets(names) {
		w.ctl.stop()
		c.logger.Info().Str("platform", w.platform).Msg("stop requested")
	}
}

func (c *Coordinator) Pause(names ...string) {
	for _, w := range c.targets(names) {
		if w.ctl.pause() {
			w.update(func(s *WorkerStatus) { s.State = StatePaused })
			c.logger.Info().Str("platform", w.platform).Msg("paused")
		}
	}
}

func (c *Coordinator) Resume(names ...string) {
	for _, w := range c.targets(names) {
		if w.ctl.resume() {
			w.update(func(s *WorkerStatus) { s.State = StateRunning })
			c.logger.Info().Str("platform", w.platform).Msg("resumed")
		}
	}
}

// ResolveAnswer hands answer to every worker waiting on a question and
// reports how many received it.
func (c *Coordinator) ResolveAnswer(answer string) int {
	n := 0
	for _, w := range c.targets(nil) {
		if w.deliver(answer) {
			n++
		}
	}
	return n
}

// Status builds the aggregate from live worker snapshots plus the final
// status of platforms that already finished.
func (c *Coordinator) Status() AggregateStatus {
	live := *c.workers.Load()
	done := *c.finished.Load()

	byName := make(map[string]WorkerStatus, len(live)+len(done))
	for name, st := range done {
		byName[name] = st.clone()
	}
	for name, w := range live {
		byName[name] = w.Status()
	}
	list := make([]WorkerStatus, 0, len(byName))
	for _, st := range byName {
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Platform < list[j].Platform })
	return AggregateStatus{State: Aggregate(list), Platforms: list}
}

// ActivePlatforms lists platforms whose worker is running.
func (c *Coordinator) ActivePlatforms() []string {
	var out []string
	for name, w := range *c.workers.Load() {
		if w.Status().State == StateRunning {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// PlatformPage returns the page a live platform is driving.
func (c *Coordinator) PlatformPage(name string) (browser.Page, bool) {
	w, ok := (*c.workers.Load())[name]
	if !ok {
		return nil, false
	}
	p := w.Page()
	return p, p != nil
}

// PlatformOf maps a page handle back to its platform.
func (c *Coordinator) PlatformOf(page browser.Page) (string, bool) {
	for name, w := range *c.workers.Load() {
		if p := w.Page(); p != nil && p == page {
			return name, true
		}
	}
	return "", false
}

func (c *Coordinator) publishStatus() {
	if c.deps.Bus == nil {
		return
	}
	st := c.Status()
	c.deps.Bus.TryPublish(TopicStatus, Event{Status: &st})
}

func (c *Coordinator) publish(ctx context.Context, topic string, ev Event) {
	if c.deps.Bus == nil {
		return
	}
	if err := c.deps.Bus.Publish(ctx, topic, ev); err != nil && !errors.Is(err, events.ErrClosed) {
		c.logger.Debug().Err(err).Str("topic", topic).Msg("event not delivered")
	}
}
