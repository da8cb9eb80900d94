package market

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/marketwatch/internal/browser"
	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
	"github.com/xkilldash9x/marketwatch/internal/config"
)

const (
	testListingURL    = "https://market.test/market"
	testAPIPath       = "api.market.test/market"
	testChallengeText = "Checking your browser before accessing"
)

func apiURL(page int) string {
	return fmt.Sprintf("https://%s?page=%d", testAPIPath, page)
}

// testConfig returns a configuration with every randomized pause disabled
// and short deadlines, so scenarios run in milliseconds.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.TargetCfg = config.TargetConfig{
		ListingURL:    testListingURL,
		APIPath:       testAPIPath,
		ChallengeText: testChallengeText,
	}

	s := &cfg.ScraperCfg
	s.NavigationTimeout = time.Second
	s.PageTimeout = 2 * time.Second
	s.DiscoveryTimeout = time.Second
	s.ChallengeTimeout = time.Second
	s.ChallengePollInterval = 5 * time.Millisecond
	s.BodyTimeout = time.Second
	s.RequestTimeout = 10 * time.Second
	s.PostNavigationDelay = config.DurationRange{}
	s.DiscoveryDelay = config.DurationRange{}
	s.StartDelay = config.DurationRange{}

	cfg.BrowserCfg.SessionCloseTimeout = time.Second
	cfg.BrowserCfg.ShutdownTimeout = time.Second
	return cfg
}

// payload renders an API body with n rows for page. Each row carries its
// page and index so tests can check ordering. total < 0 omits total_pages.
func payload(t *testing.T, page, n, total int) string {
	t.Helper()
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]any{
			"name":  "Red Potion",
			"page":  page,
			"idx":   i,
			"price": 1500 + i,
			"data": map[string]any{
				"description": fmt.Sprintf("<span>Restores <b>45</b> HP</span> (p%d-%d)", page, i),
			},
		})
	}
	body := map[string]any{"rows": rows}
	if total >= 0 {
		body["total_pages"] = total
	}
	out, err := jsoniter.MarshalToString(body)
	require.NoError(t, err)
	return out
}

// rowKey identifies a row produced by payload as "page-idx".
func rowKey(r Record) string {
	return fmt.Sprintf("%v-%v", r["page"], r["idx"])
}

func rowKeys(records []Record) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, rowKey(r))
	}
	return keys
}

func expectedKeys(pages map[int]int, order ...int) []string {
	keys := []string{}
	for _, p := range order {
		for i := 0; i < pages[p]; i++ {
			keys = append(keys, fmt.Sprintf("%d-%d", p, i))
		}
	}
	return keys
}

// pageScript describes how the fake site answers one listing page.
type pageScript struct {
	payloads []string
	status   int64
	url      string // defaults to apiURL(page)
	delay    time.Duration

	navErr          error
	hangNavigation  bool
	panicOnNavigate bool
	scrollErr       error
	challengeProbes int // probes that still see the interstitial
}

// fakeSite is the in-memory marketplace shared by every fake engine.
type fakeSite struct {
	mu    sync.Mutex
	pages map[int]pageScript
	terms []string
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: map[int]pageScript{}}
}

func (s *fakeSite) set(page int, script pageScript) *fakeSite {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page] = script
	return s
}

func (s *fakeSite) script(page int) pageScript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[page]
}

func (s *fakeSite) queriedTerms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terms...)
}

func (s *fakeSite) recordTerm(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms = append(s.terms, term)
}

// fakeLauncher hands out fakeEngines and remembers them in launch order.
type fakeLauncher struct {
	site       *fakeSite
	launchErrs map[int]error // keyed by 1-based launch number
	openErrs   map[int]error // session open error for the engine of that launch

	mu      sync.Mutex
	engines []*fakeEngine
}

func newFakeLauncher(site *fakeSite) *fakeLauncher {
	return &fakeLauncher{site: site, launchErrs: map[int]error{}, openErrs: map[int]error{}}
}

func (l *fakeLauncher) Launch(ctx context.Context) (browser.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.engines) + 1
	if err := l.launchErrs[n]; err != nil {
		l.engines = append(l.engines, nil)
		return nil, err
	}
	e := &fakeEngine{site: l.site, openErr: l.openErrs[n]}
	l.engines = append(l.engines, e)
	return e, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

func (l *fakeLauncher) engine(n int) *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[n-1]
}

// fakeEngine counts sessions so tests can assert the concurrency bound.
type fakeEngine struct {
	site    *fakeSite
	openErr error

	mu        sync.Mutex
	closed    bool
	active    int
	maxActive int
	opened    int
	navigated []int
}

func (e *fakeEngine) OpenSession(ctx context.Context, _ stealth.Profile) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, browser.ErrEngineClosed
	}
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.active++
	e.opened++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &fakeSession{engine: e, id: uuid.NewString(), ctx: sctx, cancel: cancel}, nil
}

func (e *fakeEngine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type engineStats struct {
	active, maxActive, opened int
	closed                    bool
	navigated                 []int
}

func (e *fakeEngine) stats() engineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineStats{
		active:    e.active,
		maxActive: e.maxActive,
		opened:    e.opened,
		closed:    e.closed,
		navigated: append([]int(nil), e.navigated...),
	}
}

type fakeSession struct {
	engine *fakeEngine
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers []browser.ResponseHandler
	closed   bool
	probes   int
	script   pageScript
	wg       sync.WaitGroup
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) OnResponse(fn browser.ResponseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *fakeSession) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(rawURL, testListingURL) {
		return fmt.Errorf("unexpected listing URL %s", rawURL)
	}
	page, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil {
		return fmt.Errorf("bad page parameter: %w", err)
	}
	s.engine.site.recordTerm(u.Query().Get("query"))

	s.engine.mu.Lock()
	s.engine.navigated = append(s.engine.navigated, page)
	s.engine.mu.Unlock()

	script := s.engine.site.script(page)
	switch {
	case script.panicOnNavigate:
		panic("renderer crashed")
	case script.hangNavigation:
		<-ctx.Done()
		return ctx.Err()
	case script.navErr != nil:
		return script.navErr
	}

	s.mu.Lock()
	s.probes = script.challengeProbes
	s.script = script
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	handlers := append([]browser.ResponseHandler(nil), s.handlers...)
	s.wg.Add(1)
	s.mu.Unlock()

	respURL := script.url
	if respURL == "" {
		respURL = apiURL(page)
	}
	status := script.status
	if status == 0 {
		status = 200
	}

	go func() {
		defer s.wg.Done()
		if script.delay > 0 {
			timer := time.NewTimer(script.delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				return
			}
		}
		for _, body := range script.payloads {
			for _, h := range handlers {
				h(s.ctx, browser.NewResponse(respURL, status, []byte(body)))
			}
		}
	}()
	return nil
}

func (s *fakeSession) Evaluate(_ context.Context, expression string, res interface{}) error {
	if !strings.Contains(expression, "innerText") {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	shown, ok := res.(*bool)
	if !ok {
		return fmt.Errorf("unexpected result type %T", res)
	}
	*shown = s.probes > 0
	if s.probes > 0 {
		s.probes--
	}
	return nil
}

func (s *fakeSession) Scroll(context.Context, browser.ScrollOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script.scrollErr
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.engine.mu.Lock()
	s.engine.active--
	s.engine.mu.Unlock()
	return nil
}
