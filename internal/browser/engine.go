// internal/browser/engine.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
	"github.com/xkilldash9x/marketwatch/internal/config"
	"github.com/xkilldash9x/marketwatch/internal/metrics"
)

// ErrEngineClosed is returned when a session is requested from a closed engine.
var ErrEngineClosed = errors.New("browser: engine is closed")

const (
	defaultLaunchTimeout       = 30 * time.Second
	defaultSessionCloseTimeout = 10 * time.Second
)

// ChromeLauncher launches Chromium processes through chromedp.
type ChromeLauncher struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewChromeLauncher creates a launcher. m may be nil.
func NewChromeLauncher(cfg config.BrowserConfig, logger *zap.Logger, m *metrics.Collector) *ChromeLauncher {
	return &ChromeLauncher{
		cfg:     cfg,
		logger:  logger.Named("browser"),
		metrics: m,
	}
}

// Launch starts a browser and verifies it responds before returning it.
// The engine's lifetime is governed by Engine.Close, not by ctx; ctx only
// bounds the startup.
func (l *ChromeLauncher) Launch(ctx context.Context) (Engine, error) {
	id := uuid.New().String()
	logger := l.logger.With(zap.String("engine_id", id[:8]))
	logger.Debug("Launching browser...", zap.Bool("headless", l.cfg.Headless))

	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), AllocatorOptions(l.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug("chromedp: " + fmt.Sprintf(format, args...))
		}),
	)

	timeout := l.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}

	// The first Run on browserCtx allocates the process and ties it to that
	// context, so it cannot run on a derived timeout context.
	err := runBounded(ctx, timeout, func() error {
		return chromedp.Run(browserCtx, chromedp.Navigate("about:blank"))
	})
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	logger.Info("Browser launched and responsive.")
	return &chromeEngine{
		id:            id,
		cfg:           l.cfg,
		logger:        logger,
		metrics:       l.metrics,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// runBounded runs fn and waits for it until ctx is done or timeout elapses.
// fn keeps running in the background if the wait is abandoned; callers
// cancel whatever fn is blocked on.
func runBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromeEngine struct {
	id      string
	cfg     config.BrowserConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// OpenSession opens a tab in its own browser context so cookies and storage
// are not shared with sibling sessions.
func (e *chromeEngine) OpenSession(ctx context.Context, profile stealth.Profile) (Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.sessions.Add(1)
	e.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())

	id := uuid.New().String()
	s := newChromeSession(id, tabCtx, tabCancel, e.logger)
	s.onClose = func() {
		e.metrics.SessionClosed()
		e.sessions.Done()
	}
	e.metrics.SessionOpened()

	if err := s.initialize(ctx, profile); err != nil {
		cleanupCtx, cancel := context.WithTimeout(Detach(ctx), e.sessionCloseTimeout())
		defer cancel()
		_ = s.Close(cleanupCtx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	e.logger.Debug("Session opened.", zap.String("session_id", s.shortID()))
	return s, nil
}

func (e *chromeEngine) sessionCloseTimeout() time.Duration {
	if e.cfg.SessionCloseTimeout > 0 {
		return e.cfg.SessionCloseTimeout
	}
	return defaultSessionCloseTimeout
}

// Close stops accepting sessions, waits for open ones to be released
// (bounded by ctx), and terminates the browser process.
func (e *chromeEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.sessions.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timed out waiting for sessions to close: %w", ctx.Err())
		e.logger.Warn("Closing browser with sessions still open.", zap.Error(ctx.Err()))
	}

	e.browserCancel()
	e.allocCancel()
	e.logger.Info("Browser closed.")
	return waitErr
}
