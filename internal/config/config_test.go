package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if got := cfg.Address(); got != "0.0.0.0:1234" {
		t.Errorf("Address() = %q", got)
	}
	if cfg.Throttle.Limit != 15 || cfg.Throttle.Window != "60s" || cfg.Throttle.BanTime != "5m" {
		t.Errorf("Throttle = %+v", cfg.Throttle)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
port: 8080
host: 127.0.0.1
timeout: 10s
log:
  level: debug
  format: json
persistence:
  driver: sqlite
  dsn: file:test.db
webhook:
  url: http://localhost/hook
  events: [change, connect]
policy:
  connect: documentName != "secret"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := New()
	want.Port = 8080
	want.Host = "127.0.0.1"
	want.Timeout = "10s"
	want.Log = LogConfig{Level: "debug", Format: "json"}
	want.Persistence.Driver = "sqlite"
	want.Persistence.DSN = "file:test.db"
	want.Webhook.URL = "http://localhost/hook"
	want.Webhook.Events = []string{"change", "connect"}
	want.Policy.Connect = `documentName != "secret"`

	if diff := cmp.Diff(want, cfg, cmp.AllowUnexported(Config{})); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"port": 9000, "throttle": {"disabled": true}, "metricsPath": "-"}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Port != 9000 || !cfg.Throttle.Disabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if Enabled(cfg.MetricsPath) {
		t.Error("metrics enabled, want disabled")
	}
	if !Enabled(cfg.HealthPath) {
		t.Error("health disabled, want default /healthz")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unknown key", "prot: 80", "prot"},
		{"bad port", "port: 70000", "port"},
		{"bad duration", "timeout: soon", "timeout"},
		{"bad level", "log: {level: loud}", "log.level"},
		{"bad format", "log: {format: xml}", "log.format"},
		{"unknown driver", "persistence: {driver: mongo}", "persistence.driver"},
		{"sqlite without dsn", "persistence: {driver: sqlite}", "persistence.dsn"},
		{"s3 without bucket", "persistence: {driver: s3}", "persistence.bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}

	path := filepath.Join(dir, "hocuspocus.json")
	if err := os.WriteFile(path, []byte(`{"port": 4321}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 4321 {
		t.Errorf("Port = %d, want 4321", cfg.Port)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}

	// YAML wins over JSON.
	if err := os.WriteFile(filepath.Join(dir, "hocuspocus.yaml"), []byte("port: 5555\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 5555 {
		t.Errorf("Port = %d, want 5555", cfg.Port)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("LoadFile() error = nil")
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %v does not name the file", err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadFile(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"2s":   2 * time.Second,
		"1m5s": 65 * time.Second,
		"":     0,
		"nope": 0,
	}
	for in, want := range tests {
		if got := Duration(in); got != want {
			t.Errorf("Duration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := New()
	cfg.Port = -1
	cfg.Timeout = "x"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if n := len(strings.Split(err.Error(), "\n")); n != 2 {
		t.Errorf("Validate() reported %d errors, want 2:\n%v", n, err)
	}
}
