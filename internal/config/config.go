// Package config provides configuration loading for refinery.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file and
// REFINERY_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config holds the complete refinery configuration.
type Config struct {
	Loop      LoopConfig      `koanf:"loop"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Observer  ObserverConfig  `koanf:"observer"`
	NATS      NATSConfig      `koanf:"nats"`
	Server    ServerConfig    `koanf:"server"`
	Redaction RedactionConfig `koanf:"redaction"`
}

// LoopConfig configures the generate-verify-repair loop.
type LoopConfig struct {
	// MaxIterations caps validator calls per request.
	MaxIterations int `koanf:"max_iterations"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// ObserverConfig configures the long-term observer.
type ObserverConfig struct {
	// PolicyFile is an optional TOML health policy.
	PolicyFile string `koanf:"policy_file"`
	// WatchPolicy reloads PolicyFile when it changes on disk.
	WatchPolicy bool `koanf:"watch_policy"`
}

// NATSConfig configures the interaction record side channel.
// An empty URL disables NATS entirely.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Subject       string   `koanf:"subject"`
	Token         Secret   `koanf:"token"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// RedactionConfig controls secret redaction of records published to NATS.
type RedactionConfig struct {
	// Replacement substitutes detected secrets. Empty uses the rule ID marker.
	Replacement string `koanf:"replacement"`
	// AllowList holds regexes for values that are never redacted.
	AllowList []string `koanf:"allow_list"`
}

// ServerConfig holds governance HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained requests/second allowed on /api/v1.
	// 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// Default returns a configuration populated with defaults. Loaded values are
// unmarshalled over it, so a key set explicitly to its zero value stays zero
// and is subject to Validate.
func Default() *Config {
	return &Config{
		Loop: LoopConfig{MaxIterations: 5},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "refinery",
		},
		NATS: NATSConfig{
			Subject:       "refinery.interactions",
			MaxReconnects: 5,
			ReconnectWait: Duration(time.Second),
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       5,
			RateBurst:       10,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be > 0, got %d", c.Loop.MaxIterations)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry.service_name required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
	}

	if c.Observer.WatchPolicy && c.Observer.PolicyFile == "" {
		return errors.New("observer.watch_policy requires observer.policy_file")
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.New("nats.subject required when nats.url is set")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	for i, pattern := range c.Redaction.AllowList {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("redaction.allow_list[%d]: %w", i, err)
		}
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative, got %f", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be >= 1 when rate limiting, got %d", c.Server.RateBurst)
	}

	return nil
}
