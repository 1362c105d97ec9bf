package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrUnknownTask = errors.New("schedule: unknown task")

// Task is a schedulable unit. arg is the part after ':' in a task name such
// as "start_profile:backend".
type Task interface {
	Run(ctx context.Context, arg string) error
}

type TaskFunc func(ctx context.Context, arg string) error

func (f TaskFunc) Run(ctx context.Context, arg string) error { return f(ctx, arg) }

// Registry maps task kinds to tasks. Names are resolved when a job fires,
// so kinds may be registered after entries are added.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

func (r *Registry) Register(kind string, t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[kind] = t
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve splits name into kind and argument and looks the kind up.
func (r *Registry) Resolve(name string) (Task, string, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(name), ":")
	r.mu.RLock()
	t, ok := r.tasks[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	return t, arg, nil
}

// Entry binds a cron spec to a task name.
type Entry struct {
	Task string `mapstructure:"task" yaml:"task"`
	Spec string `mapstructure:"spec" yaml:"spec"`
}

type EntryInfo struct {
	Entry
	Next time.Time
}

// Scheduler fires registered tasks on cron specs. A task still running when
// its next tick arrives is skipped.
type Scheduler struct {
	reg     *Registry
	cron    *cron.Cron
	parser  cron.Parser
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[cron.EntryID]Entry
}

func New(reg *Registry, timeout time.Duration, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("comp", "schedule").Logger()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger}
	return &Scheduler{
		reg:     reg,
		parser:  parser,
		timeout: timeout,
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[cron.EntryID]Entry),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

func (s *Scheduler) Add(e Entry) error {
	sched, err := s.parser.Parse(e.Spec)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", e.Task, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(e Entry) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.timeout)
		defer cancel()
	}
	started := time.Now()
	if err := s.RunNow(ctx, e.Task); err != nil {
		s.logger.Error().Err(err).Str("task", e.Task).Msg("scheduled task failed")
		return
	}
	s.logger.Info().Str("task", e.Task).Dur("took", time.Since(started)).Msg("scheduled task finished")
}

// RunNow resolves and runs a task immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	t, arg, err := s.reg.Resolve(name)
	if err != nil {
		return err
	}
	return t.Run(ctx, arg)
}

// Start runs the scheduler until Stop; fired tasks inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop halts scheduling and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EntryInfo
	for _, ce := range s.cron.Entries() {
		e, ok := s.entries[ce.ID]
		if !ok {
			continue
		}
		next := ce.Next
		if next.IsZero() {
			next = ce.Schedule.Next(time.Now())
		}
		out = append(out, EntryInfo{Entry: e, Next: next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

// cronLogger routes cron's logr-style calls to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
