package hints

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a hint directory into a Store when files change.
type Watcher struct {
	dir      string
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger
	started  bool
	done     chan struct{}
}

func NewWatcher(dir string, store *Store, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start loads the directory once and then watches it until ctx ends or Close.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch hint dir %s: %w", w.dir, err)
	}
	w.started = true
	go w.run(ctx)
	return nil
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) reload() error {
	files, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	w.store.Replace(files)
	w.logger.Info().Str("dir", w.dir).Int("sites", len(files)).Msg("hint files loaded")
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var pending bool
	var last time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isHintFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = true
				last = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("hint watcher error")

		case <-ticker.C:
			if !pending || time.Since(last) < w.debounce {
				continue
			}
			pending = false
			// a broken file keeps the previous set in place
			if err := w.reload(); err != nil {
				w.logger.Error().Err(err).Msg("hint reload failed")
			}
		}
	}
}
