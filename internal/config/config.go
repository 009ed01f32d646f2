// Package config loads the relay's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/jmcleod/secsync/access"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageBbolt    = "bbolt"
	StorageBadger   = "badger"
	StoragePebble   = "pebble"
	StoragePostgres = "postgres"
)

// Access modes.
const (
	AccessAllowAll = "allow-all"
	AccessStatic   = "static"
	AccessToken    = "token"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the relay configuration.
type Config struct {
	Listen              string        `yaml:"listen"`
	DataDir             string        `yaml:"data_dir"`
	Storage             string        `yaml:"storage"`
	PostgresDSN         string        `yaml:"postgres_dsn"`
	AutoCreateDocuments bool          `yaml:"auto_create_documents"`
	LogLevel            string        `yaml:"log_level"`
	Retry               RetryConfig   `yaml:"retry"`
	Relay               RelayConfig   `yaml:"relay"`
	Access              AccessConfig  `yaml:"access"`
	Admin               AdminConfig   `yaml:"admin"`
	TLS                 TLSConfig     `yaml:"tls"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// RetryConfig bounds how often a conflicting storage transaction is retried.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// RelayConfig tunes WebSocket connections.
type RelayConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// AccessConfig selects the access policy applied to session keys.
type AccessConfig struct {
	Mode        string        `yaml:"mode"`
	TokenSecret string        `yaml:"token_secret"`
	Rules       []access.Rule `yaml:"rules"`
}

// AdminConfig enables the admin REST API.
type AdminConfig struct {
	Token            string `yaml:"token"`
	AlertWebhook     string `yaml:"alert_webhook"`
	AlertWebhookAuth string `yaml:"alert_webhook_auth"`
}

// TLSConfig holds the certificate used by the listener. With SelfSigned a
// certificate is generated at startup.
type TLSConfig struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	SelfSigned bool   `yaml:"self_signed"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:              ":8080",
		DataDir:             "./data",
		Storage:             StorageBbolt,
		AutoCreateDocuments: true,
		LogLevel:            "info",
		Retry: RetryConfig{
			Attempts: 5,
			Delay:    10 * time.Millisecond,
		},
		Relay: RelayConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Access: AccessConfig{
			Mode: AccessAllowAll,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	switch c.Storage {
	case StorageMemory:
	case StorageBbolt, StorageBadger, StoragePebble:
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("storage %q requires data_dir", c.Storage))
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("storage \"postgres\" requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry.delay must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Access.Mode {
	case AccessAllowAll:
	case AccessStatic:
		for i, rule := range c.Access.Rules {
			if rule.SessionKey == "" {
				errs = append(errs, fmt.Errorf("access.rules[%d]: session_key must not be empty", i))
			}
			for _, a := range rule.Actions {
				if _, err := access.ParseAction(string(a)); err != nil {
					errs = append(errs, fmt.Errorf("access.rules[%d]: %w", i, err))
				}
			}
		}
	case AccessToken:
		if len(c.Access.TokenSecret) < 32 {
			errs = append(errs, errors.New("access.token_secret must be at least 32 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown access mode %q", c.Access.Mode))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls.cert and tls.key must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log_level %q", s)
	}
	return level, nil
}
