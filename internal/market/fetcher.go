// internal/market/fetcher.go
package market

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/browser"
	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
	"github.com/xkilldash9x/marketwatch/internal/config"
)

// Outcome classifies how a page task ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeNavigationFailed Outcome = "navigation_failed"
	OutcomeCanceled         Outcome = "canceled"
	OutcomeFailed           Outcome = "failed"
)

// PageResult holds the records one page task collected. Records may be
// empty for any outcome, and may be partial for OutcomeTimeout.
type PageResult struct {
	Page    int
	Records []Record
	Outcome Outcome
}

// PageFetcher loads single listing pages and harvests the API responses
// they trigger.
type PageFetcher struct {
	listing      *url.URL
	apiPath      string
	cfg          config.ScraperConfig
	profile      stealth.Profile
	closeTimeout time.Duration
	logger       *zap.Logger
}

// NewPageFetcher creates a fetcher for the marketplace described by target.
func NewPageFetcher(target config.TargetConfig, cfg config.ScraperConfig, profile stealth.Profile, closeTimeout time.Duration, logger *zap.Logger) (*PageFetcher, error) {
	listing, err := url.Parse(target.ListingURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing URL %q: %w", target.ListingURL, err)
	}
	if listing.Scheme == "" || listing.Host == "" {
		return nil, fmt.Errorf("invalid listing URL %q: scheme and host are required", target.ListingURL)
	}
	if target.APIPath == "" {
		return nil, errors.New("API path must not be empty")
	}
	return &PageFetcher{
		listing:      listing,
		apiPath:      target.APIPath,
		cfg:          cfg,
		profile:      profile,
		closeTimeout: closeTimeout,
		logger:       logger.Named("fetcher"),
	}, nil
}

// PageURL returns the listing URL for page of term. The site expects the
// term base64 encoded, unescaped, in the "query" parameter.
func (f *PageFetcher) PageURL(term string, page int) string {
	u := *f.listing
	params := fmt.Sprintf("page=%d&query=%s", page, base64.StdEncoding.EncodeToString([]byte(term)))
	if u.RawQuery != "" {
		u.RawQuery += "&" + params
	} else {
		u.RawQuery = params
	}
	return u.String()
}

// Fetch loads one page in a fresh session and returns whatever records its
// API call produced. Navigation failures, timeouts and cancellation all
// degrade to a (possibly empty) result; the error is reserved for failing
// to open a session at all.
func (f *PageFetcher) Fetch(ctx context.Context, engine browser.Engine, term string, page int) (PageResult, error) {
	logger := f.logger.With(zap.Int("page", page))
	interceptor := NewInterceptor(f.apiPath, f.cfg.BodyTimeout, logger)
	result := PageResult{Page: page}

	err := browser.WithSession(ctx, engine, f.profile, f.closeTimeout, func(s browser.Session) error {
		// Installed before navigating so the page's first API call is not missed.
		s.OnResponse(interceptor.Handle)
		result.Outcome = f.load(ctx, s, interceptor, f.PageURL(term, page), logger)
		return nil
	})
	result.Records = interceptor.Records()

	if err != nil {
		var panicErr *browser.PanicError
		switch {
		case errors.As(err, &panicErr):
			logger.Error("Page task panicked.", zap.Any("panic", panicErr.Value), zap.ByteString("stack", panicErr.Stack))
			result.Outcome = OutcomeFailed
			return result, nil
		case ctx.Err() != nil:
			result.Outcome = OutcomeCanceled
			return result, nil
		default:
			return PageResult{Page: page, Outcome: OutcomeFailed}, fmt.Errorf("failed to open session for page %d: %w", page, err)
		}
	}

	logger.Info("Page processed.", zap.String("outcome", string(result.Outcome)), zap.Int("records", len(result.Records)))
	return result, nil
}

// load drives one session through navigation, pacing, scrolling and the
// wait for the API response.
func (f *PageFetcher) load(ctx context.Context, s browser.Session, interceptor *Interceptor, pageURL string, logger *zap.Logger) Outcome {
	logger.Debug("Accessing listing page.", zap.String("url", pageURL))
	if err := f.navigate(ctx, s, pageURL); err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		logger.Warn("Failed to load listing page.", zap.String("url", pageURL), zap.Error(err))
		return OutcomeNavigationFailed
	}

	if err := pause(ctx, f.cfg.PostNavigationDelay); err != nil {
		return OutcomeCanceled
	}

	// The page deadline covers scrolling as well as the wait itself.
	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.PageTimeout)
	defer cancel()

	if err := s.Scroll(waitCtx, f.scrollOptions()); err != nil && waitCtx.Err() == nil {
		logger.Warn("Scroll simulation failed.", zap.Error(err))
	}

	return awaitResponse(ctx, waitCtx, interceptor, logger)
}

func (f *PageFetcher) navigate(ctx context.Context, s browser.Session, pageURL string) error {
	navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
	defer cancel()
	return s.Navigate(navCtx, pageURL)
}

func (f *PageFetcher) scrollOptions() browser.ScrollOptions {
	return browser.ScrollOptions{
		Step:     f.cfg.Scroll.Step,
		Interval: f.cfg.Scroll.Interval,
		Limit:    f.cfg.Scroll.Limit,
	}
}

// awaitResponse blocks until the interceptor completes or waitCtx expires.
// parent distinguishes a caller cancellation from the wait's own deadline.
func awaitResponse(parent, waitCtx context.Context, interceptor *Interceptor, logger *zap.Logger) Outcome {
	select {
	case <-interceptor.Done():
		return OutcomeCompleted
	case <-waitCtx.Done():
	}
	if interceptor.Completed() {
		return OutcomeCompleted
	}
	if parent.Err() != nil {
		return OutcomeCanceled
	}
	logger.Warn("Timed out waiting for API response.")
	return OutcomeTimeout
}

// pause sleeps for a random duration within r, or until ctx is done.
func pause(ctx context.Context, r config.DurationRange) error {
	d := jitter(r)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jitter(r config.DurationRange) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min)
}
