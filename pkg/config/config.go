// Package config provides configuration structures and loading logic for the
// relay. The resolved Config is constructed once at process start and shared
// read-only with every request-handling task; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before any file or environment value is read.
const (
	DefaultListen       = "0.0.0.0:8080"
	DefaultMaxSize      = 5 * 1024 * 1024
	DefaultMaxRedirects = 4
	DefaultTimeout      = 10
)

// Config holds the global configuration for the relay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// RelayConfig bounds the signing and outbound fetch pipeline.
type RelayConfig struct {
	// Key is the HMAC secret binding digests to target URLs.
	Key string `yaml:"key"`
	// MaxSize is the response size budget in bytes.
	MaxSize int64 `yaml:"max_size"`
	// MaxRedirects bounds redirect following on the outbound client.
	MaxRedirects int `yaml:"max_redirects"`
	// Timeout is the socket timeout in seconds; it bounds the entire
	// request lifecycle, not each byte.
	Timeout int `yaml:"timeout"`
	// BlockPrivate rejects targets resolving to private or reserved
	// address space.
	BlockPrivate bool `yaml:"block_private"`
}

// SocketTimeout returns the configured timeout as a duration.
func (c RelayConfig) SocketTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// PolicyConfig extends the allowed content-type set.
type PolicyConfig struct {
	AllowVideo bool `yaml:"allow_video"`
	AllowAudio bool `yaml:"allow_audio"`
}

// TelemetryConfig holds metrics and tracing configuration.
type TelemetryConfig struct {
	// Metrics exposes the Prometheus endpoint at /metrics when true.
	Metrics      bool   `yaml:"metrics"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from an optional file and applies environment
// variable overrides. Callers apply any flag overrides on top and then call
// Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Listen: DefaultListen},
		Relay: RelayConfig{
			MaxSize:      DefaultMaxSize,
			MaxRedirects: DefaultMaxRedirects,
			Timeout:      DefaultTimeout,
			BlockPrivate: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("VEIL_KEY"); val != "" {
		cfg.Relay.Key = val
	}
	if val := os.Getenv("VEIL_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := os.Getenv("VEIL_MAX_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Relay.MaxSize = n
		}
	}
	if val := os.Getenv("VEIL_MAX_REDIRECTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Relay.MaxRedirects = n
		}
	}
	if val := os.Getenv("VEIL_SOCKET_TIMEOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Relay.Timeout = n
		}
	}
	if val := os.Getenv("VEIL_BLOCK_PRIVATE"); val != "" {
		cfg.Relay.BlockPrivate = val == "true"
	}
	if val := os.Getenv("VEIL_ALLOW_VIDEO"); val == "true" {
		cfg.Policy.AllowVideo = true
	}
	if val := os.Getenv("VEIL_ALLOW_AUDIO"); val == "true" {
		cfg.Policy.AllowAudio = true
	}
	if val := os.Getenv("VEIL_METRICS"); val == "true" {
		cfg.Telemetry.Metrics = true
	}
	if val := os.Getenv("VEIL_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("VEIL_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("VEIL_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("VEIL_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of the listener configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	return nil
}

// Validate performs validation of the relay pipeline bounds.
func (c *RelayConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("signing key is required (set relay.key or VEIL_KEY)")
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %d", c.MaxSize)
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects must not be negative, got %d", c.MaxRedirects)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.Timeout)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "trace", "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: trace, debug, info, warn, error", c.Level)
	}
}
