package browser

import (
	"context"
	"time"
)

// Locator is a lazily evaluated element query.
type Locator interface {
	First() Locator
	// IsVisible waits up to timeout for the element to become visible.
	IsVisible(ctx context.Context, timeout time.Duration) bool
	Count(ctx context.Context) (int, error)
	Click(ctx context.Context) error
	Fill(ctx context.Context, text string) error
}

// Page is the per-platform browser capability used by the executor, healer and
// platform adapters. Any browser-control client with this shape works.
type Page interface {
	URL() string
	Navigate(ctx context.Context, url string) error
	Locator(selector string) Locator
	GetByLabel(label string) Locator
	GetByText(text string, exact bool) Locator
	Evaluate(ctx context.Context, script string, arg any) (any, error)
}
