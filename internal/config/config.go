// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxBodySize is 10 MB in bytes.
const defaultMaxBodySize = 10485760

// Config holds the complete application configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Relay   RelayConfig   `yaml:"relay"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds HTTP listener configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// RelayConfig holds relay endpoint configuration.
type RelayConfig struct {
	// SecretKey is the shared secret callers must present. Empty denies all.
	SecretKey    string `yaml:"secret_key"`
	SecretHeader string `yaml:"secret_header"`
	MaxBodySize  int64  `yaml:"max_body_size"`
	StrictStatus bool   `yaml:"strict_status"`
	// Transport is "smtp" or "stdout".
	Transport string `yaml:"transport"`
	// SESAPI routes SES API hosts through the SESv2 API.
	SESAPI bool `yaml:"ses_api"`
}

// SMTPConfig holds outbound SMTP session settings.
type SMTPConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	HeloName       string        `yaml:"helo_name"`
	// CAFile holds extra PEM roots for verifying SMTP servers.
	CAFile string `yaml:"ca_file"`
}

// TLSConfig holds HTTPS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AuthEnabled returns true if a relay secret is configured.
func (c *Config) AuthEnabled() bool {
	return c.Relay.SecretKey != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":3000"
	c.Relay.SecretHeader = "x-secret-key"
	c.Relay.MaxBodySize = defaultMaxBodySize
	c.Relay.Transport = "smtp"
	c.SMTP.Timeout = 30 * time.Second
	c.SMTP.CommandTimeout = 10 * time.Second
	c.SMTP.HeloName = "localhost"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}

	if v := os.Getenv("MY_SECRET_KEY"); v != "" {
		c.Relay.SecretKey = v
	}
	if v := os.Getenv("RELAY_SECRET_KEY"); v != "" {
		c.Relay.SecretKey = v
	}
	if v := os.Getenv("RELAY_SECRET_HEADER"); v != "" {
		c.Relay.SecretHeader = v
	}
	if v := os.Getenv("RELAY_MAX_BODY_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Relay.MaxBodySize = size
		}
	}
	if v := os.Getenv("RELAY_STRICT_STATUS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_STRICT_STATUS: %w", err)
		}
		c.Relay.StrictStatus = b
	}
	if v := os.Getenv("RELAY_TRANSPORT"); v != "" {
		c.Relay.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_SES_API"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_SES_API: %w", err)
		}
		c.Relay.SESAPI = b
	}

	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_TIMEOUT: %w", err)
		}
		c.SMTP.Timeout = d
	}
	if v := os.Getenv("SMTP_COMMAND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_COMMAND_TIMEOUT: %w", err)
		}
		c.SMTP.CommandTimeout = d
	}
	if v := os.Getenv("SMTP_HELO_NAME"); v != "" {
		c.SMTP.HeloName = v
	}
	if v := os.Getenv("SMTP_CA_FILE"); v != "" {
		c.SMTP.CAFile = v
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TLS_ENABLED: %w", err)
		}
		c.TLS.Enabled = b
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return nil
}
