package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/config"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/coordinator"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/events"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/executor"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/healer"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/hints"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/llm"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/logging"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/platform"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/resilience"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

const (
	eventBuffer      = 32
	eventSubscribers = 8
)

type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	logClose io.Closer

	launcher *browser.Launcher
	watcher  *hints.Watcher
	bus      *events.Bus[coordinator.Event]
	store    *store.Memory
	coord    *coordinator.Coordinator
}

func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = headless
	}
	logger, closer := logging.New(cfg.Log)
	return cfg, logger, closer, nil
}

// newApp wires the full runtime. Callers must call close.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, logClose, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logClose: logClose}

	hintStore := hints.NewStore()
	if cfg.Hints.Watch {
		w, err := hints.NewWatcher(cfg.Hints.Dir, hintStore, logger.With().Str("comp", "hints").Logger())
		if err != nil {
			a.close()
			return nil, err
		}
		a.watcher = w
		if err := w.Start(ctx); err != nil {
			a.close()
			return nil, err
		}
	} else {
		files, err := hints.LoadDir(cfg.Hints.Dir)
		if err != nil {
			a.close()
			return nil, err
		}
		hintStore.Replace(files)
	}

	var ai llm.Completer
	client, err := llm.NewClientWithLogger(logger.With().Str("comp", "llm").Logger())
	if err != nil {
		logger.Warn().Err(err).Msg("llm unavailable, selector repair disabled")
	} else {
		ai = client
		logger.Info().Str("model", client.Name()).Msg("llm ready")
	}

	a.launcher, err = browser.NewLauncher(browser.LaunchOptions{
		Headless:   cfg.Browser.Headless,
		StorageDir: cfg.Browser.StorageDir,
		NavTimeout: cfg.Browser.NavTimeout,
	}, logger.With().Str("comp", "browser").Logger())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("browser init: %w", err)
	}

	adapters := platform.Builtin()
	for name, ad := range cfg.Platforms {
		adapters[name] = ad
	}
	registry := platform.NewRegistry()
	platform.RegisterAll(registry, adapters)

	a.store = store.NewMemory(cfg.Profiles, cfg.Jobs)
	a.bus = events.New[coordinator.Event](eventBuffer, eventSubscribers, logger)
	a.coord = coordinator.New(coordinatorConfig(cfg), coordinator.Deps{
		Pages:    a.launcher,
		Adapters: registry,
		Hints:    hintStore,
		AI:       ai,
		Cache:    healer.NewFileStore(cfg.Healer.CacheDir),
		Store:    a.store,
		Bus:      a.bus,
		Logger:   logger,
	})
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close hint watcher")
		}
	}
	if a.launcher != nil {
		if err := a.launcher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close browser")
		}
	}
	if a.logClose != nil {
		_ = a.logClose.Close()
	}
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		MaxActions: cfg.Rate.MaxActions,
		Window:     cfg.Rate.Window,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		Executor: executor.Config{
			ConfidenceThreshold: cfg.Executor.ConfidenceThreshold,
			AttemptTimeout:      cfg.Executor.AttemptTimeout,
		},
		Healer:   healerConfig(cfg),
		LLMRate:  cfg.LLM.RequestsPerSecond,
		LLMBurst: cfg.LLM.Burst,
	}
}

func healerConfig(cfg *config.Config) healer.Config {
	hc := healer.DefaultConfig()
	hc.MinConfidence = cfg.Healer.MinConfidence
	hc.MaxFailures = cfg.Healer.MaxFailures
	hc.SuccessBoost = cfg.Healer.SuccessBoost
	hc.FailurePenalty = cfg.Healer.FailurePenalty
	hc.MaxSnapshot = cfg.Healer.MaxSnapshot
	hc.MinSnapshot = cfg.Healer.MinSnapshot
	return hc
}

// summaryErr folds per-platform failures into one error. A stop request is
// not a failure.
func summaryErr(s coordinator.RunSummary) error {
	var errs []error
	for name, err := range s.Errors {
		if err == nil || errors.Is(err, coordinator.ErrStopped) || errors.Is(err, context.Canceled) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}
