// internal/market/orchestrator.go
package market

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marketwatch/internal/browser"
	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
	"github.com/xkilldash9x/marketwatch/internal/config"
	"github.com/xkilldash9x/marketwatch/internal/metrics"
)

const defaultEngineShutdownTimeout = 15 * time.Second

// Query is one collection request.
type Query struct {
	Term        string
	MaxPages    int
	Concurrency int
}

// Aggregate is the merged result of a collection, ordered by page number
// and then by arrival order within each page.
type Aggregate struct {
	Items          []Record `json:"items" yaml:"items"`
	TotalItems     int      `json:"total_items" yaml:"total_items"`
	PagesProcessed int      `json:"pages_processed" yaml:"pages_processed"`
}

// Orchestrator runs the discovery phase and then fetches every discovered
// page under a concurrency bound.
type Orchestrator struct {
	launcher   browser.Launcher
	cfg        config.ScraperConfig
	browserCfg config.BrowserConfig
	discoverer *Discoverer
	fetcher    *PageFetcher
	navLimiter *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewOrchestrator wires an Orchestrator from configuration. m may be nil.
func NewOrchestrator(launcher browser.Launcher, cfg config.Interface, logger *zap.Logger, m *metrics.Collector) (*Orchestrator, error) {
	scraperCfg := cfg.Scraper()
	if err := scraperCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scraper configuration: %w", err)
	}

	logger = logger.Named("market")
	profile := stealth.FromConfig(cfg.Profile())
	fetcher, err := NewPageFetcher(cfg.Target(), scraperCfg, profile, cfg.Browser().SessionCloseTimeout, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		launcher:   launcher,
		cfg:        scraperCfg,
		browserCfg: cfg.Browser(),
		discoverer: NewDiscoverer(fetcher, cfg.Target().ChallengeText, logger),
		fetcher:    fetcher,
		logger:     logger,
		metrics:    m,
	}
	if scraperCfg.NavigationRate > 0 {
		burst := scraperCfg.NavigationBurst
		if burst < 1 {
			burst = 1
		}
		o.navLimiter = rate.NewLimiter(rate.Limit(scraperCfg.NavigationRate), burst)
	}
	return o, nil
}

// normalize applies defaults and validates q. Concurrency above the
// configured cap is clamped rather than rejected.
func (o *Orchestrator) normalize(q Query) (Query, error) {
	q.Term = strings.TrimSpace(q.Term)
	if q.Term == "" {
		return q, fmt.Errorf("%w: item name is required", ErrInvalidQuery)
	}
	if q.MaxPages == 0 {
		q.MaxPages = o.cfg.DefaultMaxPages
	}
	if q.Concurrency == 0 {
		q.Concurrency = o.cfg.DefaultConcurrency
	}
	if q.MaxPages < 1 {
		return q, fmt.Errorf("%w: max_pages must be a positive integer", ErrInvalidQuery)
	}
	if q.Concurrency < 1 {
		return q, fmt.Errorf("%w: concurrency must be a positive integer", ErrInvalidQuery)
	}
	if o.cfg.MaxConcurrency > 0 && q.Concurrency > o.cfg.MaxConcurrency {
		q.Concurrency = o.cfg.MaxConcurrency
	}
	return q, nil
}

// Collect discovers the page count for q and fetches every page. Pages that
// fail or time out contribute no records but still count as processed.
func (o *Orchestrator) Collect(ctx context.Context, q Query) (agg *Aggregate, err error) {
	q, err = o.normalize(q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		o.metrics.ObserveCollect(collectResult(err), time.Since(start))
	}()

	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	logger := o.logger.With(zap.String("item_name", q.Term))
	logger.Info("Starting collection.", zap.Int("max_pages", q.MaxPages), zap.Int("concurrency", q.Concurrency))

	engine, err := o.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to launch browser: %w", ErrDiscoveryUnavailable, err)
	}

	pages, err := o.discoverer.Discover(ctx, engine, q.Term, q.MaxPages)
	if !o.cfg.ReuseEngine || err != nil {
		o.closeEngine(ctx, engine)
	}
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveDiscovery(pages)

	if !o.cfg.ReuseEngine {
		engine, err = o.launcher.Launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to launch browser: %w", ErrFanOut, err)
		}
	}
	defer o.closeEngine(ctx, engine)

	// A fresh gate per request: the bound is per caller, not process wide.
	gate := semaphore.NewWeighted(int64(q.Concurrency))
	results, err := o.fanOut(ctx, engine, gate, q.Term, pages)
	if err != nil {
		logger.Error("Error during parallel processing.", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrFanOut, err)
	}

	agg = merge(results)
	o.metrics.AddRecords(agg.TotalItems)
	logger.Info("Collection finished.", zap.Int("total_items", agg.TotalItems), zap.Int("pages_processed", agg.PagesProcessed))
	return agg, nil
}

// fanOut runs one task per page, at most gate's weight at a time, and
// returns the results indexed by page-1. Slots are acquired in page order,
// so pages start in ascending order even though they finish in any order.
// Only structural errors are returned; per-page failures are folded into
// the results.
func (o *Orchestrator) fanOut(ctx context.Context, engine browser.Engine, gate *semaphore.Weighted, term string, pages int) ([]PageResult, error) {
	slots := make([]PageResult, pages)

	g, gctx := errgroup.WithContext(ctx)
	for page := 1; page <= pages; page++ {
		if err := gate.Acquire(gctx, 1); err != nil {
			// The request deadline expired: the remaining pages are never admitted.
			o.logger.Debug("Pages never admitted.", zap.Int("from_page", page), zap.Error(err))
			for p := page; p <= pages; p++ {
				slots[p-1] = PageResult{Page: p, Outcome: OutcomeCanceled}
				o.metrics.PageFinished(string(OutcomeCanceled))
			}
			break
		}
		g.Go(func() error {
			defer gate.Release(1)
			res, err := o.runPage(gctx, engine, term, page)
			slots[page-1] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slots, nil
}

// runPage is one admitted fan-out task: pacing, then the page fetch.
func (o *Orchestrator) runPage(ctx context.Context, engine browser.Engine, term string, page int) (res PageResult, err error) {
	res = PageResult{Page: page, Outcome: OutcomeCanceled}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Page task panicked.", zap.Int("page", page), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res, err = PageResult{Page: page, Outcome: OutcomeFailed}, nil
		}
		o.metrics.PageFinished(string(res.Outcome))
	}()

	if err := pause(ctx, o.cfg.StartDelay); err != nil {
		return res, nil
	}
	if o.navLimiter != nil {
		if err := o.navLimiter.Wait(ctx); err != nil {
			return res, nil
		}
	}

	return o.fetcher.Fetch(ctx, engine, term, page)
}

// merge concatenates page results in slice order.
func merge(results []PageResult) *Aggregate {
	agg := &Aggregate{Items: []Record{}, PagesProcessed: len(results)}
	for _, r := range results {
		agg.Items = append(agg.Items, r.Records...)
	}
	agg.TotalItems = len(agg.Items)
	return agg
}

func (o *Orchestrator) closeEngine(ctx context.Context, engine browser.Engine) {
	timeout := o.browserCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultEngineShutdownTimeout
	}
	closeCtx, cancel := context.WithTimeout(browser.Detach(ctx), timeout)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		o.logger.Warn("Browser did not shut down cleanly.", zap.Error(err))
	}
}

func collectResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDiscoveryUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
