// internal/browser/interface.go
package browser

import (
	"context"
	"time"

	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
)

// Launcher starts rendering engine instances.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// Engine is one running browser. Sessions opened on it are isolated from
// each other (separate browser contexts) but share the process.
type Engine interface {
	// OpenSession opens a fresh tab with profile applied. The profile is in
	// place before OpenSession returns, so it covers the first navigation.
	OpenSession(ctx context.Context, profile stealth.Profile) (Session, error)

	// Close waits (bounded by ctx) for open sessions, then terminates the browser.
	Close(ctx context.Context) error
}

// ResponseHandler is called once per finished network response, each call
// on its own goroutine.
type ResponseHandler func(ctx context.Context, resp Response)

// Session is a single isolated tab. A Session is owned by one task and is
// not safe for concurrent navigation.
type Session interface {
	ID() string

	// OnResponse registers fn for every response that finishes loading from
	// now on. Register before Navigate to observe the page's first requests.
	OnResponse(fn ResponseHandler)

	Navigate(ctx context.Context, url string) error

	// Evaluate runs a JavaScript expression and decodes its result into res.
	// Promises are awaited.
	Evaluate(ctx context.Context, expression string, res interface{}) error

	// Scroll nudges the page downwards to trigger lazy loading.
	Scroll(ctx context.Context, opts ScrollOptions) error

	// Close releases the tab. It is safe to call more than once.
	Close(ctx context.Context) error
}

// ScrollOptions describes an incremental scroll: Step pixels every Interval
// until the bottom of the document or Limit pixels, whichever comes first.
type ScrollOptions struct {
	Step     int
	Interval time.Duration
	Limit    int
}
