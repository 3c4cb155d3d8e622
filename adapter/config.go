package tradovate

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment selects the Tradovate deployment.
type Environment string

const (
	EnvironmentDemo Environment = "demo"
	EnvironmentLive Environment = "live"
)

// Endpoint and policy defaults.
const (
	LiveBaseURL       = "https://live.tradovateapi.com/v1"
	DemoBaseURL       = "https://demo.tradovateapi.com/v1"
	LiveMarketDataURL = "wss://md.tradovateapi.com/v1/websocket"
	DemoMarketDataURL = "wss://md-demo.tradovateapi.com/v1/websocket"

	DefaultRenewalMargin     = 10 * time.Minute
	DefaultMinRenewalDelay   = 1 * time.Second
	DefaultHeartbeatInterval = 2500 * time.Millisecond
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHTTPTimeout       = 30 * time.Second
)

// Config is the explicit configuration value handed to the session. Nothing here is process-wide.
type Config struct {
	Environment  Environment `yaml:"environment"`
	BaseURL      string      `yaml:"base_url"`
	WebSocketURL string      `yaml:"websocket_url"`
	Credentials  Credentials `yaml:"credentials"`

	AutoRenew         bool          `yaml:"auto_renew"`
	RenewalMargin     time.Duration `yaml:"renewal_margin"`
	MinRenewalDelay   time.Duration `yaml:"min_renewal_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	// RequestGuard rejects requests when the token expires within this window. Zero only
	// rejects tokens that are already expired.
	RequestGuard time.Duration `yaml:"request_guard"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// DefaultConfig returns a demo-environment config with every policy value set.
func DefaultConfig() Config {
	cfg := Config{
		Environment: EnvironmentDemo,
		AutoRenew:   true,
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields. URLs follow the selected environment.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvironmentDemo
	}
	if c.BaseURL == "" {
		c.BaseURL = baseURLFor(c.Environment)
	}
	if c.WebSocketURL == "" {
		c.WebSocketURL = marketDataURLFor(c.Environment)
	}
	if c.RenewalMargin == 0 {
		c.RenewalMargin = DefaultRenewalMargin
	}
	if c.MinRenewalDelay == 0 {
		c.MinRenewalDelay = DefaultMinRenewalDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
}

// Validate checks the config after defaults have been applied.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvironmentDemo, EnvironmentLive:
	default:
		return fmt.Errorf("invalid environment: %s (must be 'demo' or 'live')", c.Environment)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.WebSocketURL == "" {
		return fmt.Errorf("websocket_url is required")
	}
	if c.RenewalMargin < 0 || c.RequestGuard < 0 {
		return fmt.Errorf("renewal_margin and request_guard must not be negative")
	}
	if c.MinRenewalDelay <= 0 || c.HeartbeatInterval <= 0 || c.HandshakeTimeout <= 0 ||
		c.RequestTimeout <= 0 || c.HTTPTimeout <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	return nil
}

// Complete reports whether every field the token request needs is present.
func (c Credentials) Complete() bool {
	return c.Name != "" && c.Password != "" && c.AppID != "" && c.ClientID != "" && c.Secret != ""
}

// LoadConfig reads a YAML config file, expands ${VAR} references and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Config{AutoRenew: true}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadEnvironmentConfig builds a Config from TRADOVATE_* environment variables.
// Defaults to the demo environment so nothing talks to live by accident.
func LoadEnvironmentConfig(logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Config{
		Environment: Environment(os.Getenv("TRADOVATE_ENVIRONMENT")),
		AutoRenew:   true,
		Credentials: Credentials{
			Name:       os.Getenv("TRADOVATE_USERNAME"),
			Password:   os.Getenv("TRADOVATE_PASSWORD"),
			DeviceID:   os.Getenv("TRADOVATE_DEVICE_ID"),
			ClientID:   os.Getenv("TRADOVATE_CID"),
			Secret:     os.Getenv("TRADOVATE_SECRET"),
			AppID:      os.Getenv("TRADOVATE_APP_ID"),
			AppVersion: os.Getenv("TRADOVATE_APP_VERSION"),
		},
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if !cfg.Credentials.Complete() {
		return Config{}, fmt.Errorf("missing TRADOVATE_* credentials for %s environment", cfg.Environment)
	}

	if cfg.Environment == EnvironmentLive {
		logger.Warn("Configured for LIVE trading environment",
			"function", "LoadEnvironmentConfig")
	}
	logger.Info("Tradovate environment loaded",
		"function", "LoadEnvironmentConfig",
		"environment", cfg.Environment,
		"user", cfg.Credentials.Name,
		"cid", MaskSecret(cfg.Credentials.ClientID),
		"base_url", cfg.BaseURL,
		"websocket_url", cfg.WebSocketURL)

	return cfg, nil
}

func baseURLFor(env Environment) string {
	if env == EnvironmentLive {
		return LiveBaseURL
	}
	return DemoBaseURL
}

func marketDataURLFor(env Environment) string {
	if env == EnvironmentLive {
		return LiveMarketDataURL
	}
	return DemoMarketDataURL
}

// MaskSecret keeps the first and last four characters of long values for logging.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
