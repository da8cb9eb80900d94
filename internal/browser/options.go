// internal/browser/options.go
package browser

import (
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/marketwatch/internal/config"
)

// launchFlag is a single Chromium command-line switch. A false value
// removes the switch, a true value adds it bare.
type launchFlag struct {
	name  string
	value interface{}
}

// launchFlags assembles the switches for a browser that looks as little
// like an automated one as possible.
func launchFlags(cfg config.BrowserConfig) []launchFlag {
	flags := []launchFlag{
		// chromedp's defaults turn this on; it sets navigator.webdriver and shows the infobar.
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
		{"disable-blink-features", "AutomationControlled"},
		{"disable-infobars", true},
		{"disable-extensions", true},
		{"disable-gpu", true},
		{"disable-accelerated-2d-canvas", true},
		{"no-first-run", true},
		{"start-maximized", !cfg.Headless},
	}

	if runtime.GOOS == "linux" {
		// Containers rarely provide a usable sandbox or a large /dev/shm.
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-setuid-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
			launchFlag{"no-zygote", true},
		)
	}

	for _, arg := range cfg.Args {
		flags = append(flags, parseArg(arg))
	}
	return flags
}

// parseArg turns "--name=value" or "--name" into a launchFlag.
func parseArg(arg string) launchFlag {
	name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	if !hasValue {
		return launchFlag{name: name, value: true}
	}
	switch value {
	case "true":
		return launchFlag{name: name, value: true}
	case "false":
		return launchFlag{name: name, value: false}
	}
	return launchFlag{name: name, value: value}
}

// AllocatorOptions returns the exec allocator options for cfg. Later
// options win, so user-supplied args override the built-in switches.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range launchFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
