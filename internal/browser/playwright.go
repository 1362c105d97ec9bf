package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const (
	defaultNavTimeout = 30 * time.Second
	stableDOMTimeout  = 5 * time.Second
)

type LaunchOptions struct {
	Headless bool
	// StorageDir holds one storage-state file per platform (cookies, local storage).
	StorageDir string
	NavTimeout time.Duration
}

// Launcher owns the playwright lifecycle and hands out one isolated browser
// context per platform.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    LaunchOptions
	logger  zerolog.Logger
}

func NewLauncher(opts LaunchOptions, logger zerolog.Logger) (*Launcher, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = defaultNavTimeout
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, opts: opts, logger: logger}, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// storagePath keeps every platform's state file directly inside StorageDir,
// whatever the configured platform name contains.
func (l *Launcher) storagePath(platform string) string {
	if strings.TrimSpace(l.opts.StorageDir) == "" {
		return ""
	}
	return filepath.Join(l.opts.StorageDir, unsafeName.ReplaceAllString(platform, "_")+".json")
}

// OpenPage creates a fresh context for platform. The returned release func
// saves the storage state and closes the context.
func (l *Launcher) OpenPage(ctx context.Context, platform string) (Page, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	statePath := l.storagePath(platform)
	if statePath != "" {
		if _, err := os.Stat(statePath); err == nil {
			opts.StorageStatePath = playwright.String(statePath)
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.opts.NavTimeout.Milliseconds()))

	p := &playwrightPage{page: page, navTimeout: l.opts.NavTimeout}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if statePath != "" {
				if err := saveState(bctx, statePath); err != nil {
					l.logger.Warn().Err(err).Str("platform", platform).Msg("save storage state")
				}
			}
			_ = page.Close()
			_ = bctx.Close()
		})
	}
	return p, release, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

func saveState(bctx playwright.BrowserContext, path string) error {
	state, err := bctx.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

type playwrightPage struct {
	page       playwright.Page
	navTimeout time.Duration
}

func (p *playwrightPage) URL() string { return p.page.URL() }

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(p.navTimeout.Milliseconds())),
	})
	if err != nil {
		return wrap(err)
	}
	// Job boards keep fetching after load; settle before anyone queries the DOM.
	if err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(stableDOMTimeout.Milliseconds())),
	}); err != nil {
		_ = p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}
	return nil
}

func (p *playwrightPage) Locator(selector string) Locator {
	return &playwrightLocator{loc: p.page.Locator(selector)}
}

func (p *playwrightPage) GetByLabel(label string) Locator {
	return &playwrightLocator{loc: p.page.GetByLabel(label)}
}

func (p *playwrightPage) GetByText(text string, exact bool) Locator {
	return &playwrightLocator{loc: p.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(exact),
	})}
}

func (p *playwrightPage) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := p.page.Evaluate(script, arg)
	return val, wrap(err)
}

type playwrightLocator struct {
	loc playwright.Locator
}

func (l *playwrightLocator) First() Locator {
	return &playwrightLocator{loc: l.loc.First()}
}

func (l *playwrightLocator) IsVisible(ctx context.Context, timeout time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	err := l.loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err == nil
}

func (l *playwrightLocator) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := l.loc.Count()
	return n, wrap(err)
}

func (l *playwrightLocator) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// scroll failures are not fatal, the click may still land
	_ = l.loc.ScrollIntoViewIfNeeded()
	return wrap(l.loc.Click())
}

func (l *playwrightLocator) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(l.loc.Fill(text))
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
