// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on it rather than on *Config so tests can supply their own.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Profile() ProfileConfig
	Target() TargetConfig
	Scraper() ScraperConfig
	Server() ServerConfig
	Metrics() MetricsConfig

	// Scraper setters, used by CLI flag overrides.
	SetScraperMaxPages(int)
	SetScraperConcurrency(int)

	// Browser setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	ProfileCfg ProfileConfig `mapstructure:"profile" yaml:"profile"`
	TargetCfg  TargetConfig  `mapstructure:"target" yaml:"target"`
	ScraperCfg ScraperConfig `mapstructure:"scraper" yaml:"scraper"`
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Profile() ProfileConfig { return c.ProfileCfg }
func (c *Config) Target() TargetConfig   { return c.TargetCfg }
func (c *Config) Scraper() ScraperConfig { return c.ScraperCfg }
func (c *Config) Server() ServerConfig   { return c.ServerCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetScraperMaxPages(n int)    { c.ScraperCfg.DefaultMaxPages = n }
func (c *Config) SetScraperConcurrency(n int) { c.ScraperCfg.DefaultConcurrency = n }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }

type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the Chromium process is launched.
type BrowserConfig struct {
	Headless            bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors     bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath            string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args                []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout       time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	SessionCloseTimeout time.Duration `mapstructure:"session_close_timeout" yaml:"session_close_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ProfileConfig is the fingerprint every session presents to the target.
type ProfileConfig struct {
	UserAgent      string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform       string   `mapstructure:"platform" yaml:"platform"`
	Languages      []string `mapstructure:"languages" yaml:"languages"`
	Locale         string   `mapstructure:"locale" yaml:"locale"`
	TimezoneID     string   `mapstructure:"timezone_id" yaml:"timezone_id"`
	ViewportWidth  int64    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int64    `mapstructure:"viewport_height" yaml:"viewport_height"`
}

// TargetConfig describes the marketplace being scraped.
type TargetConfig struct {
	ListingURL    string `mapstructure:"listing_url" yaml:"listing_url"`
	APIPath       string `mapstructure:"api_path" yaml:"api_path"`
	ChallengeText string `mapstructure:"challenge_text" yaml:"challenge_text"`
}

// DurationRange is an inclusive window a random pause is drawn from.
type DurationRange struct {
	Min time.Duration `mapstructure:"min" yaml:"min"`
	Max time.Duration `mapstructure:"max" yaml:"max"`
}

type ScrollConfig struct {
	Step     int           `mapstructure:"step" yaml:"step"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Limit    int           `mapstructure:"limit" yaml:"limit"`
}

// ScraperConfig tunes discovery, fan-out and per-page waits.
type ScraperConfig struct {
	DefaultMaxPages       int           `mapstructure:"default_max_pages" yaml:"default_max_pages"`
	DefaultConcurrency    int           `mapstructure:"default_concurrency" yaml:"default_concurrency"`
	MaxConcurrency        int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	NavigationTimeout     time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PageTimeout           time.Duration `mapstructure:"page_timeout" yaml:"page_timeout"`
	DiscoveryTimeout      time.Duration `mapstructure:"discovery_timeout" yaml:"discovery_timeout"`
	ChallengeTimeout      time.Duration `mapstructure:"challenge_timeout" yaml:"challenge_timeout"`
	ChallengePollInterval time.Duration `mapstructure:"challenge_poll_interval" yaml:"challenge_poll_interval"`
	BodyTimeout           time.Duration `mapstructure:"body_timeout" yaml:"body_timeout"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	PostNavigationDelay   DurationRange `mapstructure:"post_navigation_delay" yaml:"post_navigation_delay"`
	DiscoveryDelay        DurationRange `mapstructure:"discovery_delay" yaml:"discovery_delay"`
	StartDelay            DurationRange `mapstructure:"start_delay" yaml:"start_delay"`
	Scroll                ScrollConfig  `mapstructure:"scroll" yaml:"scroll"`
	NavigationRate        float64       `mapstructure:"navigation_rate" yaml:"navigation_rate"`
	NavigationBurst       int           `mapstructure:"navigation_burst" yaml:"navigation_burst"`
	ReuseEngine           bool          `mapstructure:"reuse_engine" yaml:"reuse_engine"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" yaml:"max_age"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Compression       bool          `mapstructure:"compression" yaml:"compression"`
	CORS              CORSConfig    `mapstructure:"cors" yaml:"cors"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "marketwatch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.session_close_timeout", "10s")
	v.SetDefault("browser.shutdown_timeout", "15s")

	// -- Profile --
	v.SetDefault("profile.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("profile.platform", "Win32")
	v.SetDefault("profile.languages", []string{"en-US", "en"})
	v.SetDefault("profile.locale", "en-US")
	v.SetDefault("profile.timezone_id", "America/New_York")
	v.SetDefault("profile.viewport_width", 1366)
	v.SetDefault("profile.viewport_height", 768)

	// -- Target --
	v.SetDefault("target.listing_url", "https://ragnatales.com.br/market")
	v.SetDefault("target.api_path", "api.ragnatales.com.br/market")
	v.SetDefault("target.challenge_text", "Checking your browser before accessing")

	// -- Scraper --
	v.SetDefault("scraper.default_max_pages", 5)
	v.SetDefault("scraper.default_concurrency", 2)
	v.SetDefault("scraper.max_concurrency", 8)
	v.SetDefault("scraper.navigation_timeout", "30s")
	v.SetDefault("scraper.page_timeout", "30s")
	v.SetDefault("scraper.discovery_timeout", "30s")
	v.SetDefault("scraper.challenge_timeout", "60s")
	v.SetDefault("scraper.challenge_poll_interval", "500ms")
	v.SetDefault("scraper.body_timeout", "15s")
	v.SetDefault("scraper.request_timeout", "5m")
	v.SetDefault("scraper.post_navigation_delay.min", "1s")
	v.SetDefault("scraper.post_navigation_delay.max", "3s")
	v.SetDefault("scraper.discovery_delay.min", "2s")
	v.SetDefault("scraper.discovery_delay.max", "5s")
	v.SetDefault("scraper.start_delay.min", "500ms")
	v.SetDefault("scraper.start_delay.max", "2s")
	v.SetDefault("scraper.scroll.step", 100)
	v.SetDefault("scraper.scroll.interval", "100ms")
	v.SetDefault("scraper.scroll.limit", 2000)
	v.SetDefault("scraper.navigation_rate", 0.0)
	v.SetDefault("scraper.navigation_burst", 1)
	v.SetDefault("scraper.reuse_engine", false)

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.compression", true)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", true)
	v.SetDefault("server.cors.max_age", 300)

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// EnvPrefix namespaces every environment override, e.g. MARKETWATCH_SCRAPER_PAGE_TIMEOUT.
const EnvPrefix = "MARKETWATCH"

// BindEnvironment makes v resolve keys from MARKETWATCH_* environment variables.
func BindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LoggerCfg.LogFile != "" {
		expanded, err := homedir.Expand(cfg.LoggerCfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand logger.log_file: %w", err)
		}
		cfg.LoggerCfg.LogFile = expanded
	}
	if cfg.BrowserCfg.ExecPath != "" {
		expanded, err := homedir.Expand(cfg.BrowserCfg.ExecPath)
		if err != nil {
			return nil, fmt.Errorf("failed to expand browser.exec_path: %w", err)
		}
		cfg.BrowserCfg.ExecPath = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.TargetCfg.ListingURL == "" {
		return fmt.Errorf("target.listing_url is a required configuration field")
	}
	if c.TargetCfg.APIPath == "" {
		return fmt.Errorf("target.api_path is a required configuration field")
	}
	if err := c.ScraperCfg.Validate(); err != nil {
		return fmt.Errorf("scraper configuration invalid: %w", err)
	}
	if c.ProfileCfg.UserAgent == "" {
		return fmt.Errorf("profile.user_agent is a required configuration field")
	}
	if c.MetricsCfg.Enabled && !strings.HasPrefix(c.MetricsCfg.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	return nil
}

// Validate checks the scraper tuning values.
func (s *ScraperConfig) Validate() error {
	if s.DefaultMaxPages <= 0 {
		return fmt.Errorf("default_max_pages must be a positive integer")
	}
	if s.DefaultConcurrency <= 0 {
		return fmt.Errorf("default_concurrency must be a positive integer")
	}
	if s.MaxConcurrency < s.DefaultConcurrency {
		return fmt.Errorf("max_concurrency must be at least default_concurrency")
	}
	if s.PageTimeout <= 0 || s.NavigationTimeout <= 0 || s.DiscoveryTimeout <= 0 {
		return fmt.Errorf("page_timeout, navigation_timeout and discovery_timeout must be positive durations")
	}
	if s.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	for name, r := range map[string]DurationRange{
		"post_navigation_delay": s.PostNavigationDelay,
		"discovery_delay":       s.DiscoveryDelay,
		"start_delay":           s.StartDelay,
	} {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("%s must satisfy 0 <= min <= max", name)
		}
	}
	if s.NavigationRate < 0 {
		return fmt.Errorf("navigation_rate must not be negative")
	}
	return nil
}
