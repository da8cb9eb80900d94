// internal/browser/stealth/stealth.go
package stealth

import (
	"context"
	_ "embed" // Required for the go:embed directive
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Viewport is the emulated window size in CSS pixels.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// Profile is the fingerprint a session presents: user agent, viewport,
// locale, timezone and the init script that masks automation markers.
// It is a plain value and safe to share between sessions.
type Profile struct {
	UserAgent  string   `json:"userAgent"`
	Platform   string   `json:"platform"`
	Languages  []string `json:"languages"`
	Locale     string   `json:"locale,omitempty"`
	TimezoneID string   `json:"timezoneId,omitempty"`
	Viewport   Viewport `json:"viewport"`
}

// DefaultProfile returns the desktop Chrome-on-Windows fingerprint used by default.
func DefaultProfile() Profile {
	return Profile{
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Platform:   "Win32",
		Languages:  []string{"en-US", "en"},
		Locale:     "en-US",
		TimezoneID: "America/New_York",
		Viewport:   Viewport{Width: 1366, Height: 768},
	}
}

// FromConfig builds a Profile from configuration, falling back to
// DefaultProfile for anything left empty.
func FromConfig(cfg config.ProfileConfig) Profile {
	p := DefaultProfile()
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Platform != "" {
		p.Platform = cfg.Platform
	}
	if len(cfg.Languages) > 0 {
		p.Languages = append([]string(nil), cfg.Languages...)
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
	}
	if cfg.TimezoneID != "" {
		p.TimezoneID = cfg.TimezoneID
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		p.Viewport = Viewport{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight}
	}
	return p
}

// Script returns the init script with the profile baked in.
func (p Profile) Script() (string, error) {
	profileJSON, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("stealth: failed to marshal profile: %w", err)
	}
	return fmt.Sprintf("const MARKETWATCH_PROFILE = %s;\n%s", profileJSON, evasionsScript), nil
}

// AcceptLanguage formats Languages as an Accept-Language header value with
// descending q-weights, e.g. "en-US,en;q=0.9".
func (p Profile) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.Languages[0])
	for i := 1; i < len(p.Languages); i++ {
		q := 1.0 - float64(i)*0.1
		if q < 0.7 {
			q = 0.7
		}
		fmt.Fprintf(&b, ",%s;q=%.1f", p.Languages[i], q)
	}
	return b.String()
}

// Apply returns the CDP actions that install p on the current target.
// They must run before the first navigation for the init script to take effect.
func Apply(p Profile, logger *zap.Logger) chromedp.Action {
	l := logger.Named("stealth")
	return chromedp.Tasks{
		network.Enable(),
		setExtraHTTPHeaders(p, l),
		setUserAgent(p, l),
		setDeviceMetrics(p, l),
		setEnvironmentOverrides(p, l),
		injectEvasionScript(p, l),
		chromedp.ActionFunc(func(ctx context.Context) error {
			l.Debug("Evasion profile applied", zap.String("user_agent", p.UserAgent))
			return nil
		}),
	}
}

func injectEvasionScript(p Profile, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		script, err := p.Script()
		if err != nil {
			logger.Error("Failed to build evasion script", zap.Error(err))
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			logger.Error("Failed to register evasion script with CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to add script on new document: %w", err)
		}
		return nil
	})
}

func setUserAgent(p Profile, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if p.UserAgent == "" {
			return nil
		}
		override := emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(strings.Join(p.Languages, ","))
		if err := override.Do(ctx); err != nil {
			logger.Error("Failed to set user agent override via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set user agent override: %w", err)
		}
		return nil
	})
}

func setExtraHTTPHeaders(p Profile, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		acceptLanguage := p.AcceptLanguage()
		if acceptLanguage == "" {
			return nil
		}
		headers := network.Headers{"Accept-Language": acceptLanguage}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			logger.Error("Failed to set extra HTTP headers via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set extra http headers: %w", err)
		}
		return nil
	})
}

func setDeviceMetrics(p Profile, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if p.Viewport.Width <= 0 || p.Viewport.Height <= 0 {
			return nil
		}
		orientation := emulation.OrientationTypeLandscapePrimary
		if p.Viewport.Height > p.Viewport.Width {
			orientation = emulation.OrientationTypePortraitPrimary
		}
		err := emulation.SetDeviceMetricsOverride(p.Viewport.Width, p.Viewport.Height, 1.0, false).
			WithScreenOrientation(&emulation.ScreenOrientation{Type: orientation}).
			Do(ctx)
		if err != nil {
			logger.Error("Failed to set device metrics override via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set device metrics: %w", err)
		}
		return nil
	})
}

func setEnvironmentOverrides(p Profile, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if p.TimezoneID != "" {
			if err := emulation.SetTimezoneOverride(p.TimezoneID).Do(ctx); err != nil {
				logger.Error("Failed to set timezone override via CDP", zap.Error(err))
				return fmt.Errorf("stealth: failed to set timezone: %w", err)
			}
		}

		locale := p.Locale
		if locale == "" && len(p.Languages) > 0 {
			locale = p.Languages[0]
		}
		if locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(strings.ReplaceAll(locale, "_", "-")).Do(ctx); err != nil {
				logger.Error("Failed to set locale override via CDP", zap.Error(err))
				return fmt.Errorf("stealth: failed to set locale: %w", err)
			}
		}
		return nil
	})
}
