package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
)

type pendingQuestion struct {
	q      Question
	answer chan string
}

// Worker is one platform run. Its status is swapped atomically so readers
// never take the writer's lock.
type Worker struct {
	platform string
	ctl      *control
	status   atomic.Pointer[WorkerStatus]
	pending  atomic.Pointer[pendingQuestion]
	now      func() time.Time
	onChange func()

	mu      sync.Mutex // serialises status writers
	page    browser.Page
	release func()
}

func newWorker(platform string, now func() time.Time, onChange func()) *Worker {
	w := &Worker{
		platform: platform,
		ctl:      newControl(),
		now:      now,
		onChange: onChange,
	}
	t := now()
	w.status.Store(&WorkerStatus{Platform: platform, State: StateIdle, StartedAt: t, UpdatedAt: t})
	return w
}

func (w *Worker) Platform() string { return w.platform }

func (w *Worker) Status() WorkerStatus {
	return w.status.Load().clone()
}

func (w *Worker) update(fn func(*WorkerStatus)) {
	w.mu.Lock()
	next := w.status.Load().clone()
	fn(&next)
	next.UpdatedAt = w.now()
	w.status.Store(&next)
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange()
	}
}

// running marks the worker active unless a pause arrived first.
func (w *Worker) running() {
	w.update(func(s *WorkerStatus) {
		if w.ctl.load() == runPaused {
			s.State = StatePaused
		} else {
			s.State = StateRunning
		}
	})
}

func (w *Worker) attach(page browser.Page, release func()) {
	w.mu.Lock()
	w.page = page
	w.release = release
	w.mu.Unlock()
}

func (w *Worker) Page() browser.Page {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.page
}

// detach releases the page handle once.
func (w *Worker) detach() {
	w.mu.Lock()
	release := w.release
	w.page, w.release = nil, nil
	w.mu.Unlock()
	if release != nil {
		release()
	}
}

// deliver hands answer to the pending question, if any.
func (w *Worker) deliver(answer string) bool {
	p := w.pending.Load()
	if p == nil || !w.pending.CompareAndSwap(p, nil) {
		return false
	}
	p.answer <- answer
	return true
}
