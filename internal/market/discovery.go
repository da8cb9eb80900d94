// internal/market/discovery.go
package market

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/browser"
)

const defaultChallengePollInterval = 500 * time.Millisecond

// Discoverer learns how many result pages a query has by loading its first
// listing page and reading total_pages from the API response.
type Discoverer struct {
	fetcher       *PageFetcher
	challengeText string
	logger        *zap.Logger
}

// NewDiscoverer creates a Discoverer that shares fetcher's target and timing
// configuration. An empty challengeText disables interstitial detection.
func NewDiscoverer(fetcher *PageFetcher, challengeText string, logger *zap.Logger) *Discoverer {
	return &Discoverer{
		fetcher:       fetcher,
		challengeText: challengeText,
		logger:        logger.Named("discovery"),
	}
}

// Discover returns min(total_pages, maxPages), or 1 when the site reported
// no usable count in time. It fails with ErrDiscoveryUnavailable only when
// the first page cannot be loaded at all.
func (d *Discoverer) Discover(ctx context.Context, engine browser.Engine, term string, maxPages int) (int, error) {
	cfg := d.fetcher.cfg
	interceptor := NewInterceptor(d.fetcher.apiPath, cfg.BodyTimeout, d.logger)
	pageURL := d.fetcher.PageURL(term, 1)

	var loadErr error
	err := browser.WithSession(ctx, engine, d.fetcher.profile, d.fetcher.closeTimeout, func(s browser.Session) error {
		s.OnResponse(interceptor.Handle)

		d.logger.Info("Loading first listing page.", zap.String("url", pageURL))
		if err := d.fetcher.navigate(ctx, s, pageURL); err != nil {
			loadErr = err
			return nil
		}

		d.waitForChallenge(ctx, s)

		if err := pause(ctx, cfg.DiscoveryDelay); err != nil {
			return nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
		defer cancel()
		awaitResponse(ctx, waitCtx, interceptor, d.logger)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, err)
	}
	if loadErr != nil {
		d.logger.Error("Initial page load failed.", zap.Error(loadErr))
		return 0, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, loadErr)
	}

	pages := effectivePages(interceptor, maxPages)
	d.logger.Info("Total pages found.", zap.Int("total_pages", pages), zap.Int("max_pages", maxPages))
	return pages, nil
}

// effectivePages clips the reported page count to maxPages, defaulting to a
// single page.
func effectivePages(interceptor *Interceptor, maxPages int) int {
	pages := 1
	if total, ok := interceptor.TotalPages(); ok {
		pages = total
	}
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}
	if pages < 1 {
		pages = 1
	}
	return pages
}

// waitForChallenge waits, bounded by the challenge timeout, for a bot-check
// interstitial to go away. It returns immediately when none is shown.
func (d *Discoverer) waitForChallenge(ctx context.Context, s browser.Session) {
	cfg := d.fetcher.cfg
	if d.challengeText == "" || cfg.ChallengeTimeout <= 0 {
		return
	}
	expr, err := challengeExpression(d.challengeText)
	if err != nil {
		d.logger.Warn("Could not build challenge probe.", zap.Error(err))
		return
	}

	present := func(ctx context.Context) bool {
		var shown bool
		if err := s.Evaluate(ctx, expr, &shown); err != nil {
			// The interstitial reloads the document when it clears, which
			// can destroy the evaluation context mid-call.
			d.logger.Debug("Challenge probe failed.", zap.Error(err))
			return true
		}
		return shown
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ChallengeTimeout)
	defer cancel()

	if !present(waitCtx) {
		return
	}
	d.logger.Info("Bot challenge detected, waiting for it to clear.")

	interval := cfg.ChallengePollInterval
	if interval <= 0 {
		interval = defaultChallengePollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() == nil {
				d.logger.Warn("Bot challenge still present after timeout, continuing.", zap.Duration("timeout", cfg.ChallengeTimeout))
			}
			return
		case <-ticker.C:
			if !present(waitCtx) {
				d.logger.Info("Bot challenge cleared.")
				return
			}
		}
	}
}

func challengeExpression(text string) (string, error) {
	quoted, err := jsoniter.MarshalToString(text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("!!(document.body && document.body.innerText.includes(%s))", quoted), nil
}
