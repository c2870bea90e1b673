// Package config provides configuration management for the terminal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/pricing"
)

// Config holds all application configuration.
type Config struct {
	Feed        FeedConfig     `mapstructure:"feed"`
	Snapshot    SnapshotConfig `mapstructure:"snapshot"`
	Display     DisplayConfig  `mapstructure:"display"`
	Pricing     PricingConfig  `mapstructure:"pricing"`
	Backend     BackendConfig  `mapstructure:"backend"`
	Journal     JournalConfig  `mapstructure:"journal"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Market      MarketConfig   `mapstructure:"market"`
	Log         LogConfig      `mapstructure:"log"`
	Credentials Credentials    `mapstructure:"-" json:"-"` // Environment only
}

// FeedConfig holds live feed configuration.
type FeedConfig struct {
	Transport             string        `mapstructure:"transport"` // "kite", "gateway"
	GatewayURL            string        `mapstructure:"gateway_url"`
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectFactor       float64       `mapstructure:"reconnect_factor"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
}

// SnapshotConfig holds snapshot seeding configuration.
type SnapshotConfig struct {
	Source  string        `mapstructure:"source"` // "backend", "kite"
	Timeout time.Duration `mapstructure:"timeout"`
}

// DisplayConfig holds projector cadences.
type DisplayConfig struct {
	CriticalInterval   time.Duration `mapstructure:"critical_interval"`
	StandardInterval   time.Duration `mapstructure:"standard_interval"`
	BackgroundInterval time.Duration `mapstructure:"background_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
}

// PricingConfig holds brokerage and markup settings.
type PricingConfig struct {
	BrokerageRatePercent float64 `mapstructure:"brokerage_rate_percent"`
	Mode                 string  `mapstructure:"mode"` // "entry-only", "round-trip"
	JobbingPercent       float64 `mapstructure:"jobbing_percent"`
}

// BackendConfig holds execution backend REST settings.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FundsSource    string        `mapstructure:"funds_source"` // "backend", "kite"
}

// JournalConfig holds the mutation journal settings.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// MarketConfig holds the trading calendar.
type MarketConfig struct {
	// Holidays are exchange holidays as YYYY-MM-DD dates in IST.
	Holidays []string `mapstructure:"holidays"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// Credentials holds API credentials.
type Credentials struct {
	KiteAPIKey      string
	KiteAccessToken string
	BackendToken    string
}

// Cadence bounds for display projectors (20 Hz .. 5 Hz).
const (
	MinDisplayInterval = 50 * time.Millisecond
	MaxDisplayInterval = 200 * time.Millisecond
)

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/kite-terminal"
	}
	return filepath.Join(home, ".config", "kite-terminal")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config file is replaced by a template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(configDir, "journal.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.transport", "kite")
	v.SetDefault("feed.gateway_url", "ws://localhost:8080/feed")
	v.SetDefault("feed.reconnect_initial_delay", time.Second)
	v.SetDefault("feed.reconnect_max_delay", 30*time.Second)
	v.SetDefault("feed.reconnect_factor", 2.0)
	v.SetDefault("feed.connect_timeout", 15*time.Second)

	v.SetDefault("snapshot.source", "backend")
	v.SetDefault("snapshot.timeout", 3*time.Second)

	v.SetDefault("display.critical_interval", 50*time.Millisecond)
	v.SetDefault("display.standard_interval", 100*time.Millisecond)
	v.SetDefault("display.background_interval", 200*time.Millisecond)
	v.SetDefault("display.stale_after", 10*time.Second)

	v.SetDefault("pricing.brokerage_rate_percent", pricing.DefaultBrokerageRate)
	v.SetDefault("pricing.mode", "entry-only")
	v.SetDefault("pricing.jobbing_percent", 0.0)

	v.SetDefault("backend.base_url", "http://localhost:8080/api")
	v.SetDefault("backend.request_timeout", 5*time.Second)
	v.SetDefault("backend.funds_source", "backend")

	v.SetDefault("journal.enabled", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9108")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, write a template and fall through to defaults
		if err := createTemplateConfig(configDir, name); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.KiteAPIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.KiteAccessToken = v
	}
	if v := os.Getenv("TERMINAL_API_TOKEN"); v != "" {
		cfg.Credentials.BackendToken = v
	}

	if v := os.Getenv("TERMINAL_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("TERMINAL_FEED_TRANSPORT"); v != "" {
		cfg.Feed.Transport = v
	}
	if v := os.Getenv("TERMINAL_PNL_MODE"); v != "" {
		cfg.Pricing.Mode = v
	}
	if v := os.Getenv("TERMINAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Feed.Transport {
	case "kite", "gateway":
	default:
		return fmt.Errorf("%w: feed.transport %q (must be 'kite' or 'gateway')", apperrors.ErrConfigInvalid, c.Feed.Transport)
	}
	if c.Feed.Transport == "gateway" && !strings.HasPrefix(c.Feed.GatewayURL, "ws") {
		return fmt.Errorf("%w: feed.gateway_url must be a ws:// or wss:// url", apperrors.ErrConfigInvalid)
	}
	if c.Feed.ReconnectInitialDelay <= 0 || c.Feed.ReconnectMaxDelay < c.Feed.ReconnectInitialDelay {
		return fmt.Errorf("%w: reconnect delays must be positive and max >= initial", apperrors.ErrConfigInvalid)
	}
	if c.Feed.ReconnectFactor < 1 {
		return fmt.Errorf("%w: feed.reconnect_factor must be >= 1", apperrors.ErrConfigInvalid)
	}

	for name, d := range map[string]time.Duration{
		"critical_interval":   c.Display.CriticalInterval,
		"standard_interval":   c.Display.StandardInterval,
		"background_interval": c.Display.BackgroundInterval,
	} {
		if d < MinDisplayInterval || d > MaxDisplayInterval {
			return fmt.Errorf("%w: display.%s %s outside %s..%s", apperrors.ErrConfigInvalid, name, d, MinDisplayInterval, MaxDisplayInterval)
		}
	}

	if c.Pricing.BrokerageRatePercent < 0 {
		return fmt.Errorf("%w: pricing.brokerage_rate_percent must be non-negative", apperrors.ErrConfigInvalid)
	}
	if c.Pricing.JobbingPercent < 0 || c.Pricing.JobbingPercent >= 100 {
		return fmt.Errorf("%w: pricing.jobbing_percent must be in [0, 100)", apperrors.ErrConfigInvalid)
	}
	switch c.Pricing.Mode {
	case "entry-only", "round-trip":
	default:
		return fmt.Errorf("%w: pricing.mode %q (must be 'entry-only' or 'round-trip')", apperrors.ErrConfigInvalid, c.Pricing.Mode)
	}

	switch c.Snapshot.Source {
	case "backend", "kite":
	default:
		return fmt.Errorf("%w: snapshot.source %q", apperrors.ErrConfigInvalid, c.Snapshot.Source)
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("%w: market.holidays entry %q is not YYYY-MM-DD", apperrors.ErrConfigInvalid, h)
		}
	}
	switch c.Backend.FundsSource {
	case "backend", "kite":
	default:
		return fmt.Errorf("%w: backend.funds_source %q", apperrors.ErrConfigInvalid, c.Backend.FundsSource)
	}

	return nil
}

// UsesKite returns true if any component needs Kite credentials.
func (c *Config) UsesKite() bool {
	return c.Feed.Transport == "kite" || c.Snapshot.Source == "kite" || c.Backend.FundsSource == "kite"
}
