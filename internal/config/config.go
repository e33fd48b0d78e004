// Package config provides configuration loading for logsentry.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/logsentry/internal/alerts"
	"github.com/marcus-qen/logsentry/internal/ingest"
	"gopkg.in/yaml.v3"
)

// Config holds all logsentry configuration.
type Config struct {
	// HTTP API listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/logsentry")
	DataDir string `yaml:"data_dir"`

	Syslog    SyslogConfig    `yaml:"syslog"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Tracing   TracingConfig   `yaml:"tracing"`
	API       APIConfig       `yaml:"api"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// SyslogConfig configures the TCP ingest listener.
type SyslogConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	MaxMessageSize int    `yaml:"max_message_size"`
	MaxBufferSize  int    `yaml:"max_buffer_size"`
}

// StorageConfig selects the log store backend.
type StorageConfig struct {
	// Driver is sqlite, postgres or mysql.
	Driver string `yaml:"driver"`
	// DSN defaults to <data_dir>/logs.db for sqlite.
	DSN string `yaml:"dsn"`
}

// RetentionConfig configures scheduled cleanup of old records.
type RetentionConfig struct {
	// Days of history to keep; 0 disables cleanup.
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

// AlertingConfig configures the alert scheduler and its rules.
type AlertingConfig struct {
	Enabled       bool         `yaml:"enabled"`
	CheckInterval string       `yaml:"check_interval"`
	Rules         []RuleConfig `yaml:"rules"`
}

// RuleConfig is one alert rule as written in the config file.
type RuleConfig struct {
	Name       string            `yaml:"name"`
	Enabled    *bool             `yaml:"enabled"`
	Window     string            `yaml:"window"`
	Query      string            `yaml:"query"`
	Threshold  float64           `yaml:"threshold"`
	Operator   string            `yaml:"operator"`
	WebhookURL string            `yaml:"webhook_url"`
	Headers    map[string]string `yaml:"headers"`
	Cooldown   string            `yaml:"cooldown"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// OTLPEndpoint is a host:port gRPC collector; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/logsentry",
		Syslog: SyslogConfig{
			ListenAddr:     ":5140",
			MaxMessageSize: 64 * 1024,
			MaxBufferSize:  1024 * 1024,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Retention: RetentionConfig{
			Days:     30,
			Schedule: "0 3 * * *",
		},
		Alerting: AlertingConfig{
			Enabled:       true,
			CheckInterval: "1m",
		},
		API: APIConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOGSENTRY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LOGSENTRY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOGSENTRY_SYSLOG_LISTEN_ADDR"); v != "" {
		c.Syslog.ListenAddr = v
	}
	if v := os.Getenv("LOGSENTRY_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("LOGSENTRY_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("LOGSENTRY_ALERTING_ENABLED"); v != "" {
		c.Alerting.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LOGSENTRY_CHECK_INTERVAL"); v != "" {
		c.Alerting.CheckInterval = v
	}
	if v := os.Getenv("LOGSENTRY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOGSENTRY_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LOGSENTRY_SYSLOG_MAX_MESSAGE_SIZE", &c.Syslog.MaxMessageSize},
		{"LOGSENTRY_SYSLOG_MAX_BUFFER_SIZE", &c.Syslog.MaxBufferSize},
		{"LOGSENTRY_RETENTION_DAYS", &c.Retention.Days},
		{"LOGSENTRY_API_BURST", &c.API.Burst},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
		}
		*e.dst = n
	}
	if v := os.Getenv("LOGSENTRY_RETENTION_SCHEDULE"); v != "" {
		c.Retention.Schedule = v
	}
	if v := os.Getenv("LOGSENTRY_API_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LOGSENTRY_API_RPS %q: %w", v, err)
		}
		c.API.RequestsPerSecond = f
	}
	return nil
}

// Validate checks settings that would otherwise fail later at runtime.
// Rule definitions are checked as well; see Rules.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite, postgres or mysql", c.Storage.Driver))
	}
	if c.Storage.Driver != "sqlite" && c.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
	}
	if c.Syslog.ListenAddr == "" {
		errs = append(errs, errors.New("syslog.listen_addr is required"))
	}
	if c.Syslog.MaxMessageSize < 0 || c.Syslog.MaxBufferSize < 0 {
		errs = append(errs, errors.New("syslog.max_message_size and syslog.max_buffer_size must not be negative"))
	} else if msg, buf := c.syslogLimits(); msg+maxOctetPrefix > buf {
		errs = append(errs, fmt.Errorf(
			"syslog.max_buffer_size (%d) must hold a frame of syslog.max_message_size (%d) plus its %d-byte length prefix",
			buf, msg, maxOctetPrefix))
	}
	if c.Retention.Days < 0 {
		errs = append(errs, fmt.Errorf("retention.days must not be negative, got %d", c.Retention.Days))
	}
	if _, err := c.CheckInterval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Rules(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// maxOctetPrefix is the longest octet-count prefix: ten digits and a space.
const maxOctetPrefix = 11

// syslogLimits returns the frame and buffer caps the listener will apply.
func (c Config) syslogLimits() (msg, buf int) {
	msg, buf = c.Syslog.MaxMessageSize, c.Syslog.MaxBufferSize
	if msg == 0 {
		msg = ingest.DefaultMaxMessageSize
	}
	if buf == 0 {
		buf = ingest.DefaultMaxBufferSize
	}
	return msg, buf
}

// CheckInterval parses alerting.check_interval.
func (c Config) CheckInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Alerting.CheckInterval)
	if err != nil {
		return 0, fmt.Errorf("alerting.check_interval %q: %w", c.Alerting.CheckInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("alerting.check_interval must be positive, got %s", d)
	}
	return d, nil
}

// StorageDSN returns the configured DSN, defaulting SQLite to the data dir.
func (c Config) StorageDSN() string {
	if c.Storage.DSN != "" || c.Storage.Driver != "sqlite" {
		return c.Storage.DSN
	}
	return filepath.Join(c.DataDir, "logs.db")
}

// AlertsDBPath is the SQLite file holding alert history.
func (c Config) AlertsDBPath() string {
	return filepath.Join(c.DataDir, "alerts.db")
}

// Rules converts the configured rules. Window and cooldown formats, names
// and webhook URLs are validated here so that a bad rule stops startup
// instead of failing at evaluation time.
func (c Config) Rules() ([]alerts.Rule, error) {
	out := make([]alerts.Rule, 0, len(c.Alerting.Rules))
	seen := make(map[string]bool, len(c.Alerting.Rules))
	var errs []error

	for i, rc := range c.Alerting.Rules {
		name := strings.TrimSpace(rc.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("alerting.rules[%d]: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("alerting.rules[%d]: duplicate rule name %q", i, name))
			continue
		}
		seen[name] = true

		window, err := alerts.ParseSpan(rc.Window)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q window: %w", name, err))
			continue
		}
		cooldown := alerts.DefaultCooldown
		if rc.Cooldown != "" {
			cooldown, err = alerts.ParseSpan(rc.Cooldown)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q cooldown: %w", name, err))
				continue
			}
		}
		if rc.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("rule %q: webhook_url is required", name))
			continue
		}

		enabled := true
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}
		out = append(out, alerts.Rule{
			Name:       name,
			Enabled:    enabled,
			Window:     window,
			WindowSpec: rc.Window,
			Query:      rc.Query,
			Threshold:  rc.Threshold,
			Operator:   rc.Operator,
			WebhookURL: rc.WebhookURL,
			Headers:    rc.Headers,
			Cooldown:   cooldown,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Warnings reports suspicious but accepted settings.
func (c Config) Warnings() []string {
	var out []string
	for _, rc := range c.Alerting.Rules {
		if !alerts.ValidOperator(rc.Operator) {
			out = append(out, fmt.Sprintf("rule %q: unknown operator %q; the rule will never fire", rc.Name, rc.Operator))
		}
		if strings.TrimSpace(rc.Query) == "" {
			out = append(out, fmt.Sprintf("rule %q: empty query matches every record in the window", rc.Name))
		}
	}
	if c.Alerting.Enabled && len(c.Alerting.Rules) == 0 {
		out = append(out, "alerting is enabled but no rules are configured")
	}
	return out
}
