package stealth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/marketwatch/internal/config"
)

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	assert.Contains(t, p.UserAgent, "Chrome/91.0.4472.124")
	assert.Equal(t, Viewport{Width: 1366, Height: 768}, p.Viewport)
	assert.Equal(t, "America/New_York", p.TimezoneID)
	assert.Equal(t, "en-US", p.Locale)

	// Each call hands out an independent copy.
	p.Languages[0] = "xx"
	assert.Equal(t, "en-US", DefaultProfile().Languages[0])
}

func TestFromConfig(t *testing.T) {
	t.Run("empty config keeps defaults", func(t *testing.T) {
		assert.Equal(t, DefaultProfile(), FromConfig(config.ProfileConfig{}))
	})

	t.Run("overrides are applied", func(t *testing.T) {
		p := FromConfig(config.ProfileConfig{
			UserAgent:      "TestAgent/1.0",
			Languages:      []string{"pt-BR", "pt"},
			TimezoneID:     "America/Sao_Paulo",
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		})
		assert.Equal(t, "TestAgent/1.0", p.UserAgent)
		assert.Equal(t, []string{"pt-BR", "pt"}, p.Languages)
		assert.Equal(t, "America/Sao_Paulo", p.TimezoneID)
		assert.Equal(t, Viewport{Width: 1920, Height: 1080}, p.Viewport)
		assert.Equal(t, "Win32", p.Platform, "unset fields fall back to the default")
	})

	t.Run("half a viewport is ignored", func(t *testing.T) {
		p := FromConfig(config.ProfileConfig{ViewportWidth: 800})
		assert.Equal(t, DefaultProfile().Viewport, p.Viewport)
	})
}

func TestAcceptLanguage(t *testing.T) {
	tests := []struct {
		languages []string
		want      string
	}{
		{nil, ""},
		{[]string{"en-US"}, "en-US"},
		{[]string{"en-US", "en"}, "en-US,en;q=0.9"},
		{[]string{"a", "b", "c", "d", "e", "f"}, "a,b;q=0.9,c;q=0.8,d;q=0.7,e;q=0.7,f;q=0.7"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.languages, "|"), func(t *testing.T) {
			assert.Equal(t, tt.want, Profile{Languages: tt.languages}.AcceptLanguage())
		})
	}
}

func TestScript(t *testing.T) {
	script, err := DefaultProfile().Script()
	require.NoError(t, err)

	firstLine, rest, ok := strings.Cut(script, "\n")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(firstLine, "const MARKETWATCH_PROFILE = "))

	payload := strings.TrimSuffix(strings.TrimPrefix(firstLine, "const MARKETWATCH_PROFILE = "), ";")
	var decoded map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "Win32", decoded["platform"])
	assert.Equal(t, []interface{}{"en-US", "en"}, decoded["languages"])

	assert.Equal(t, evasionsScript, rest)
	assert.Contains(t, rest, "webdriver")
	assert.Contains(t, rest, "chrome.runtime")
}

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

func TestApplyInBrowser(t *testing.T) {
	requireChrome(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>lang=%s</body></html>`, r.Header.Get("Accept-Language"))
	}))
	defer server.Close()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", true), chromedp.NoSandbox)...)
	defer cancelAlloc()
	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Second)
	defer cancelTimeout()

	core, logs := observer.New(zap.DebugLevel)
	p := DefaultProfile()

	var (
		webdriver bool
		languages []string
		userAgent string
		hasChrome bool
		body      string
	)
	err := chromedp.Run(ctx,
		Apply(p, zap.New(core)),
		chromedp.Navigate(server.URL),
		chromedp.Evaluate(`navigator.webdriver === true`, &webdriver),
		chromedp.Evaluate(`Array.from(navigator.languages)`, &languages),
		chromedp.Evaluate(`navigator.userAgent`, &userAgent),
		chromedp.Evaluate(`!!(window.chrome && window.chrome.runtime)`, &hasChrome),
		chromedp.Text("body", &body),
	)
	require.NoError(t, err)

	assert.False(t, webdriver)
	assert.Equal(t, []string{"en-US", "en"}, languages)
	assert.Equal(t, p.UserAgent, userAgent)
	assert.True(t, hasChrome)
	assert.Contains(t, body, "en-US,en;q=0.9")
	assert.Equal(t, 1, logs.FilterMessage("Evasion profile applied").Len())
}
