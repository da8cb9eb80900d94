// internal/browser/engine_test.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marketwatch/internal/browser/stealth"
	"github.com/xkilldash9x/marketwatch/internal/config"
	"github.com/xkilldash9x/marketwatch/internal/metrics"
)

// requireChrome skips browser-backed tests when no Chromium binary is available.
func requireChrome(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping browser test in short mode.")
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("Chrome not found in PATH, skipping browser test.")
}

const marketPage = `<!DOCTYPE html>
<html><body style="height:4000px">
<p>listing</p>
<script>fetch('/api/market?page=1').then(r => r.json()).then(d => document.title = String(d.total_pages));</script>
</body></html>`

func newMarketServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/market", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, marketPage)
	})
	mux.HandleFunc("/api/market", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"rows":[{"item":"Red Potion"}],"total_pages":2}`)
	})
	return httptest.NewServer(mux)
}

func TestChromeEngineIntegration(t *testing.T) {
	requireChrome(t)

	server := newMarketServer()
	defer server.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	cfg := config.NewDefaultConfig().Browser()
	cfg.Headless = true

	launcher := NewChromeLauncher(cfg, zaptest.NewLogger(t), m)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	engine, err := launcher.Launch(ctx)
	require.NoError(t, err)
	defer engine.Close(context.Background())

	session, err := engine.OpenSession(ctx, stealth.DefaultProfile())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	var (
		mu     sync.Mutex
		bodies []string
	)
	got := make(chan struct{}, 1)
	session.OnResponse(func(ctx context.Context, resp Response) {
		if !strings.Contains(resp.URL, "/api/market") || !resp.OK() {
			return
		}
		body, err := resp.Body(ctx)
		if err != nil {
			return
		}
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})

	require.NoError(t, session.Navigate(ctx, server.URL+"/market"))

	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("API response was never intercepted")
	}
	mu.Lock()
	assert.Contains(t, bodies[0], "Red Potion")
	mu.Unlock()

	var webdriver bool
	require.NoError(t, session.Evaluate(ctx, "navigator.webdriver === true", &webdriver))
	assert.False(t, webdriver)

	require.NoError(t, session.Scroll(ctx, ScrollOptions{Step: 500, Interval: 10 * time.Millisecond, Limit: 1500}))
	var scrollY float64
	require.NoError(t, session.Evaluate(ctx, "window.scrollY", &scrollY))
	assert.Greater(t, scrollY, 0.0)

	require.NoError(t, session.Close(ctx))
	require.NoError(t, session.Close(ctx), "second close is a no-op")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))

	require.NoError(t, engine.Close(ctx))
	_, err = engine.OpenSession(ctx, stealth.DefaultProfile())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestNavigateFailure(t *testing.T) {
	requireChrome(t)

	cfg := config.NewDefaultConfig().Browser()
	cfg.Headless = true
	launcher := NewChromeLauncher(cfg, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	engine, err := launcher.Launch(ctx)
	require.NoError(t, err)
	defer engine.Close(context.Background())

	err = WithSession(ctx, engine, stealth.DefaultProfile(), 5*time.Second, func(s Session) error {
		navCtx, navCancel := context.WithTimeout(ctx, 10*time.Second)
		defer navCancel()
		// Port 1 is never listening.
		return s.Navigate(navCtx, "http://127.0.0.1:1/")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "navigation to http://127.0.0.1:1/")
}

func TestRunBounded(t *testing.T) {
	t.Run("returns fn's result", func(t *testing.T) {
		err := runBounded(context.Background(), time.Second, func() error { return assert.AnError })
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("gives up after the timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		err := runBounded(context.Background(), 10*time.Millisecond, func() error {
			<-release
			return nil
		})
		assert.ErrorContains(t, err, "timed out after 10ms")
	})

	t.Run("gives up when ctx is done", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runBounded(ctx, time.Minute, func() error {
			<-release
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
