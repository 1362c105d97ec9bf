package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/executor"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

// Session is what an adapter may do on its platform's page. Every call waits
// at the worker's pause/stop checkpoint and for a rate-limit slot.
type Session interface {
	Platform() string
	Page() browser.Page
	Checkpoint(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Perform(ctx context.Context, intent string) (executor.Result, error)
	// Find is Perform for elements that may be absent. A miss returns
	// found=false without escalating.
	Find(ctx context.Context, intent string) (el browser.Locator, found bool, err error)
	Click(ctx context.Context, intent string) error
	Fill(ctx context.Context, intent, text string) error
	Ask(ctx context.Context, question string) (string, error)
	SetAction(action string)
	AddExtracted(n int)
	AddAnalyzed(n int)
	AddSubmitted(n int)
}

// Adapter drives one job board.
type Adapter interface {
	Search(ctx context.Context, s Session, profile store.Profile) error
	Apply(ctx context.Context, s Session, job store.Job, profile store.Profile) error
}

// Registry maps platform names to adapters, resolved at call time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q", name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
