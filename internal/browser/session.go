// internal/browser/session.go
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
)

//go:embed scroll.js
var scrollScript string

const tabCreateTimeout = 30 * time.Second

// chromeSession is a Session backed by a single chromedp tab.
type chromeSession struct {
	id     string
	ctx    context.Context // tab context; carries the CDP target
	cancel context.CancelFunc
	logger *zap.Logger

	onClose func()

	mu       sync.Mutex
	handlers []ResponseHandler
	pending  map[network.RequestID]*network.Response
	isClosed bool

	// tracks handler goroutines so Close does not return while they still touch the tab.
	dispatchWG sync.WaitGroup
}

func newChromeSession(id string, tabCtx context.Context, cancel context.CancelFunc, logger *zap.Logger) *chromeSession {
	return &chromeSession{
		id:      id,
		ctx:     tabCtx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", id[:8])),
		pending: make(map[network.RequestID]*network.Response),
	}
}

func (s *chromeSession) ID() string      { return s.id }
func (s *chromeSession) shortID() string { return s.id[:8] }

// initialize creates the tab, starts listening for network events and
// applies the evasion profile.
func (s *chromeSession) initialize(ctx context.Context, profile stealth.Profile) error {
	// As with the browser, the tab is tied to the context of the first Run.
	if err := runBounded(ctx, tabCreateTimeout, func() error { return chromedp.Run(s.ctx) }); err != nil {
		return fmt.Errorf("failed to create tab: %w", err)
	}

	chromedp.ListenTarget(s.ctx, s.handleEvent)

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, stealth.Apply(profile, s.logger)); err != nil {
		return fmt.Errorf("failed to apply evasion profile: %w", err)
	}
	return nil
}

// handleEvent runs on chromedp's event loop and must never block on CDP.
func (s *chromeSession) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		s.mu.Lock()
		if !s.isClosed {
			s.pending[e.RequestID] = e.Response
		}
		s.mu.Unlock()

	case *network.EventLoadingFailed:
		s.mu.Lock()
		delete(s.pending, e.RequestID)
		s.mu.Unlock()

	case *network.EventLoadingFinished:
		s.mu.Lock()
		resp, ok := s.pending[e.RequestID]
		delete(s.pending, e.RequestID)
		if !ok || s.isClosed || len(s.handlers) == 0 {
			s.mu.Unlock()
			return
		}
		handlers := append([]ResponseHandler(nil), s.handlers...)
		s.dispatchWG.Add(len(handlers))
		s.mu.Unlock()

		requestID := e.RequestID
		r := NewLazyResponse(string(requestID), resp.URL, resp.Status, resp.MimeType,
			func(ctx context.Context) ([]byte, error) {
				return s.fetchBody(ctx, requestID)
			})

		for _, h := range handlers {
			go func(h ResponseHandler) {
				defer s.dispatchWG.Done()
				h(s.ctx, r)
			}(h)
		}
	}
}

func (s *chromeSession) fetchBody(ctx context.Context, requestID network.RequestID) ([]byte, error) {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var body []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(requestID).Do(ctx)
		body = b
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch response body: %w", err)
	}
	return body, nil
}

func (s *chromeSession) OnResponse(fn ResponseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Navigate loads url and waits for the page's load event.
func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation to %s aborted: %w", url, ctx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (s *chromeSession) Evaluate(ctx context.Context, expression string, res interface{}) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, res, awaitPromise)); err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	return nil
}

func (s *chromeSession) Scroll(ctx context.Context, opts ScrollOptions) error {
	if opts.Step <= 0 || opts.Limit <= 0 {
		return nil
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	expression := fmt.Sprintf("(%s)(%d, %d, %d)", scrollScript, opts.Step, interval.Milliseconds(), opts.Limit)
	var scrolled float64
	if err := s.Evaluate(ctx, expression, &scrolled); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	s.logger.Debug("Scroll finished.", zap.Float64("scrolled_px", scrolled))
	return nil
}

// Close releases the tab. Repeated calls return nil.
func (s *chromeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.handlers = nil
	s.pending = make(map[network.RequestID]*network.Response)
	s.mu.Unlock()

	defer func() {
		if s.onClose != nil {
			s.onClose()
		}
	}()

	// Canceling the tab context closes the target and disposes its browser
	// context; chromedp blocks until that is acknowledged.
	done := make(chan struct{})
	go func() {
		s.cancel()
		s.dispatchWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("Session closed.")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for session to close.", zap.Error(ctx.Err()))
		return errors.Join(errors.New("browser: session close timed out"), ctx.Err())
	}
}
