// Package config loads the persona configuration: a YAML file, overlaid by
// PERSONA_* environment variables, with defaults for every unset field.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/persona/cache"
	"github.com/hazyhaar/persona/companion"
	"github.com/hazyhaar/persona/session"
	"github.com/hazyhaar/persona/waiter"
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Waiter strategies.
const (
	StrategyPoll   = "poll"
	StrategyNotify = "notify"
)

// Config is the top-level configuration.
type Config struct {
	// OrganizationID plays the host page's injected configuration. It wins
	// over anything found on the page.
	OrganizationID string `yaml:"organization_id" env:"PERSONA_ORGANIZATION_ID"`

	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Waiter    WaiterConfig    `yaml:"waiter"`
	Cache     CacheConfig     `yaml:"cache"`
	Companion CompanionConfig `yaml:"companion"`
	Browser   BrowserConfig   `yaml:"browser"`
	Server    ServerConfig    `yaml:"server"`
}

// APIConfig points at the personalization backend.
type APIConfig struct {
	URL     string        `yaml:"url" env:"PERSONA_API_URL"`
	Timeout time.Duration `yaml:"timeout" env:"PERSONA_API_TIMEOUT"`
	// Retries is a pointer so that an explicit 0 disables retrying.
	Retries *int          `yaml:"retries" env:"PERSONA_API_RETRIES"`
	Backoff time.Duration `yaml:"backoff" env:"PERSONA_API_BACKOFF"`
}

// StorageConfig selects the visitor-state backend.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"PERSONA_STORAGE"` // memory | sqlite
	Path   string `yaml:"path" env:"PERSONA_STORAGE_PATH"`
}

type WaiterConfig struct {
	Strategy     string        `yaml:"strategy" env:"PERSONA_WAIT_STRATEGY"` // poll | notify
	Timeout      time.Duration `yaml:"timeout" env:"PERSONA_WAIT_TIMEOUT"`
	Interval     time.Duration `yaml:"interval" env:"PERSONA_WAIT_INTERVAL"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"PERSONA_WAIT_INITIAL_DELAY"`
}

type CacheConfig struct {
	CatalogTTL time.Duration `yaml:"catalog_ttl" env:"PERSONA_CATALOG_TTL"`
	AppliedTTL time.Duration `yaml:"applied_ttl" env:"PERSONA_APPLIED_TTL"`
}

type CompanionConfig struct {
	Debounce time.Duration `yaml:"debounce" env:"PERSONA_COMPANION_DEBOUNCE"`
	Fade     time.Duration `yaml:"fade" env:"PERSONA_COMPANION_FADE"`
}

// BrowserConfig controls Chrome for live runs.
type BrowserConfig struct {
	Remote           string        `yaml:"remote" env:"PERSONA_BROWSER_REMOTE"`
	Headful          bool          `yaml:"headful" env:"PERSONA_BROWSER_HEADFUL"`
	NoStealth        bool          `yaml:"no_stealth" env:"PERSONA_BROWSER_NO_STEALTH"`
	ResourceBlocking []string      `yaml:"resource_blocking" env:"PERSONA_BROWSER_BLOCK" envSeparator:","`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout" env:"PERSONA_BROWSER_NAVIGATE_TIMEOUT"`
}

// ServerConfig is the dev backend.
type ServerConfig struct {
	Addr     string `yaml:"addr" env:"PERSONA_SERVE_ADDR"`
	Fixtures string `yaml:"fixtures" env:"PERSONA_FIXTURES"`
}

// Load reads path (skipped when empty), overlays the environment and fills
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.defaults()
	return &cfg
}

func (c *Config) defaults() {
	if c.API.Timeout <= 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.API.Retries == nil {
		n := 2
		c.API.Retries = &n
	}
	if c.API.Backoff <= 0 {
		c.API.Backoff = 200 * time.Millisecond
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Waiter.Strategy == "" {
		c.Waiter.Strategy = StrategyPoll
	}
	if c.Waiter.Timeout <= 0 {
		c.Waiter.Timeout = waiter.DefaultTimeout
	}
	if c.Waiter.Interval <= 0 {
		c.Waiter.Interval = waiter.DefaultInterval
	}
	if c.Waiter.InitialDelay <= 0 {
		c.Waiter.InitialDelay = waiter.DefaultInitialDelay
	}
	if c.Cache.CatalogTTL <= 0 {
		c.Cache.CatalogTTL = cache.DefaultCatalogTTL
	}
	if c.Cache.AppliedTTL <= 0 {
		c.Cache.AppliedTTL = session.DefaultAppliedTTL
	}
	if c.Companion.Debounce <= 0 {
		c.Companion.Debounce = companion.DefaultDebounce
	}
	if c.Companion.Fade <= 0 {
		c.Companion.Fade = companion.DefaultFade
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8787"
	}
}

// Validate reports configuration errors, joined.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory or sqlite", c.Storage.Driver))
	}
	switch c.Waiter.Strategy {
	case StrategyPoll, StrategyNotify:
	default:
		errs = append(errs, fmt.Errorf("waiter.strategy %q: want poll or notify", c.Waiter.Strategy))
	}
	if c.API.URL != "" {
		u, err := url.Parse(c.API.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.url %q: want an http(s) URL", c.API.URL))
		}
	}
	if c.API.Retries != nil && *c.API.Retries < 0 {
		errs = append(errs, errors.New("api.retries must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
