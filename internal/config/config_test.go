package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logsentry.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.Syslog.ListenAddr != ":5140" {
		t.Errorf("expected :5140, got %s", cfg.Syslog.ListenAddr)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.StorageDSN() != filepath.Join("/var/lib/logsentry", "logs.db") {
		t.Errorf("unexpected default DSN %s", cfg.StorageDSN())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
data_dir: /tmp/test
syslog:
  listen_addr: ":6514"
alerting:
  check_interval: 30s
  rules:
    - name: errors-high
      window: 15m
      query: "LOWER(message) LIKE '%error%'"
      threshold: 10
      operator: gt
      webhook_url: http://hooks.example/alert
      headers:
        Authorization: Bearer abc
    - name: auth-quiet
      enabled: false
      window: 1h
      query: "app_name = 'sshd'"
      threshold: 1
      operator: lt
      cooldown: 2h
      webhook_url: http://hooks.example/quiet
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.DataDir != "/tmp/test" || cfg.Syslog.ListenAddr != ":6514" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Syslog.MaxBufferSize != Default().Syslog.MaxBufferSize {
		t.Errorf("unset keys should keep defaults")
	}
	if d, err := cfg.CheckInterval(); err != nil || d != 30*time.Second {
		t.Fatalf("CheckInterval = %v, %v", d, err)
	}

	rules, err := cfg.Rules()
	if err != nil {
		t.Fatalf("Rules error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	r := rules[0]
	if !r.Enabled || r.Window != 15*time.Minute || r.WindowSpec != "15m" || r.Cooldown != 5*time.Minute {
		t.Fatalf("unexpected first rule: %+v", r)
	}
	if r.Headers["Authorization"] != "Bearer abc" {
		t.Fatalf("headers not loaded: %v", r.Headers)
	}
	if rules[1].Enabled || rules[1].Cooldown != 2*time.Hour {
		t.Fatalf("unexpected second rule: %+v", rules[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listen_addr: ":9090"`)

	t.Setenv("LOGSENTRY_LISTEN_ADDR", ":7070")
	t.Setenv("LOGSENTRY_ALERTING_ENABLED", "false")
	t.Setenv("LOGSENTRY_RETENTION_DAYS", "7")
	t.Setenv("LOGSENTRY_STORAGE_DRIVER", "postgres")
	t.Setenv("LOGSENTRY_STORAGE_DSN", "postgres://logs@db/logs")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.Alerting.Enabled {
		t.Error("LOGSENTRY_ALERTING_ENABLED=false should disable alerting")
	}
	if cfg.Retention.Days != 7 {
		t.Errorf("retention days = %d", cfg.Retention.Days)
	}
	if cfg.StorageDSN() != "postgres://logs@db/logs" {
		t.Errorf("unexpected DSN %s", cfg.StorageDSN())
	}
}

func TestEnvRejectsBadNumber(t *testing.T) {
	t.Setenv("LOGSENTRY_RETENTION_DAYS", "seven")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric LOGSENTRY_RETENTION_DAYS")
	}
}

func TestRules_InvalidDurationsAreFatal(t *testing.T) {
	cases := map[string]string{
		"bad window":   "window: 15s\n      webhook_url: http://x",
		"bad cooldown": "window: 15m\n      cooldown: 1w\n      webhook_url: http://x",
		"no webhook":   "window: 15m",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, "alerting:\n  rules:\n    - name: r1\n      operator: gt\n      "+body+"\n")
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if _, err := cfg.Rules(); err == nil {
				t.Fatal("expected Rules error")
			}
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected Validate error")
			}
		})
	}
}

func TestRules_DuplicateAndEmptyNames(t *testing.T) {
	path := writeConfig(t, `
alerting:
  rules:
    - name: dup
      window: 5m
      webhook_url: http://x
    - name: dup
      window: 5m
      webhook_url: http://x
    - name: ""
      window: 5m
      webhook_url: http://x
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	_, err = cfg.Rules()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "duplicate") || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestWarnings_UnknownOperator(t *testing.T) {
	path := writeConfig(t, `
alerting:
  rules:
    - name: odd
      window: 5m
      query: "severity < 3"
      operator: ne
      webhook_url: http://x
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if _, err := cfg.Rules(); err != nil {
		t.Fatalf("unknown operator should not be fatal: %v", err)
	}
	warnings := cfg.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "unknown operator") {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestValidate_BadCheckIntervalAndDriver(t *testing.T) {
	cfg := Default()
	cfg.Alerting.CheckInterval = "soon"
	cfg.Storage.Driver = "oracle"
	cfg.Storage.DSN = "x"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "check_interval") || !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MessageSizeMustFitBuffer(t *testing.T) {
	cfg := Default()
	cfg.Syslog.MaxMessageSize = 2 * 1024 * 1024
	cfg.Syslog.MaxBufferSize = 1024 * 1024
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_buffer_size") {
		t.Fatalf("expected buffer size error, got %v", err)
	}

	// Exactly one frame plus the longest prefix fits.
	cfg.Syslog.MaxBufferSize = cfg.Syslog.MaxMessageSize + 11
	if err := cfg.Validate(); err != nil {
		t.Fatalf("buffer sized for one full frame should validate: %v", err)
	}

	// Unset limits fall back to the listener defaults.
	cfg.Syslog.MaxMessageSize = 0
	cfg.Syslog.MaxBufferSize = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default limits should validate: %v", err)
	}

	cfg.Syslog.MaxBufferSize = 1024
	if err := cfg.Validate(); err == nil {
		t.Fatal("default message size must not fit a 1KiB buffer")
	}
}
