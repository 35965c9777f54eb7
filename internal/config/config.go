package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultPort is the default listening port.
	DefaultPort = 1234

	// DefaultHost is the default listening host.
	DefaultHost = "0.0.0.0"
)

// FileNames are the names Load looks for, in order.
var FileNames = []string{"hocuspocus.yaml", "hocuspocus.yml", "hocuspocus.json"}

// ErrNotFound is returned by Load when no configuration file exists.
var ErrNotFound = errors.New("config: no configuration file found")

// Config represents the complete hocuspocus configuration file.
type Config struct {
	// Name identifies this instance in logs and traces.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Host is the address to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Timeout closes connections silent for this long (e.g. "30s").
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxMessageSize is the largest accepted message in bytes.
	MaxMessageSize int64 `yaml:"maxMessageSize,omitempty" json:"maxMessageSize,omitempty"`

	// MetricsPath serves Prometheus metrics. "-" disables it.
	MetricsPath string `yaml:"metricsPath,omitempty" json:"metricsPath,omitempty"`

	// HealthPath answers liveness probes. "-" disables it.
	HealthPath string `yaml:"healthPath,omitempty" json:"healthPath,omitempty"`

	Log         LogConfig         `yaml:"log,omitempty" json:"log,omitempty"`
	Throttle    ThrottleConfig    `yaml:"throttle,omitempty" json:"throttle,omitempty"`
	Persistence PersistenceConfig `yaml:"persistence,omitempty" json:"persistence,omitempty"`
	Webhook     WebhookConfig     `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Policy      PolicyConfig      `yaml:"policy,omitempty" json:"policy,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// LogConfig controls the log handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is text, json or auto (text on a terminal, json otherwise).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// ThrottleConfig configures connection throttling per client IP.
type ThrottleConfig struct {
	// Disabled turns throttling off.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Limit is the number of connections allowed per window.
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`

	Window  string `yaml:"window,omitempty" json:"window,omitempty"`
	BanTime string `yaml:"banTime,omitempty" json:"banTime,omitempty"`
}

// PersistenceConfig selects where document state is stored.
type PersistenceConfig struct {
	// Driver is memory, sqlite, redis, s3 or empty for none.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`

	// DSN is the sqlite data source name or the redis URL.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// Table is the sqlite table name.
	Table string `yaml:"table,omitempty" json:"table,omitempty"`

	// Bucket and Prefix locate documents in S3. Prefix is also the redis
	// key prefix.
	Bucket string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// Region and Endpoint address the S3 service. Credentials come from
	// AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	Debounce    string `yaml:"debounce,omitempty" json:"debounce,omitempty"`
	MaxDebounce string `yaml:"maxDebounce,omitempty" json:"maxDebounce,omitempty"`
}

// WebhookConfig configures the webhook extension. An empty URL disables it.
type WebhookConfig struct {
	URL         string   `yaml:"url,omitempty" json:"url,omitempty"`
	Secret      string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events      []string `yaml:"events,omitempty" json:"events,omitempty"`
	Debounce    string   `yaml:"debounce,omitempty" json:"debounce,omitempty"`
	MaxDebounce string   `yaml:"maxDebounce,omitempty" json:"maxDebounce,omitempty"`
}

// PolicyConfig holds access expressions. Empty expressions allow.
// The token is only visible to Authenticate; during Connect it is empty.
type PolicyConfig struct {
	Connect      string `yaml:"connect,omitempty" json:"connect,omitempty"`
	Authenticate string `yaml:"authenticate,omitempty" json:"authenticate,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the first configuration file found in dir.
func Load(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes YAML or JSON configuration, applies defaults and validates
// the result. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "hocuspocus"
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout == "" {
		c.Timeout = "30s"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}

	if c.Throttle.Limit == 0 {
		c.Throttle.Limit = 15
	}
	if c.Throttle.Window == "" {
		c.Throttle.Window = "60s"
	}
	if c.Throttle.BanTime == "" {
		c.Throttle.BanTime = "5m"
	}

	if c.Persistence.Debounce == "" {
		c.Persistence.Debounce = "2s"
	}
	if c.Persistence.MaxDebounce == "" {
		c.Persistence.MaxDebounce = "10s"
	}
	if c.Persistence.Table == "" {
		c.Persistence.Table = "hocuspocus_documents"
	}

	if c.Webhook.Debounce == "" {
		c.Webhook.Debounce = "2s"
	}
	if c.Webhook.MaxDebounce == "" {
		c.Webhook.MaxDebounce = "10s"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 0 and 65535, got %d", c.Port))
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("maxMessageSize must not be negative, got %d", c.MaxMessageSize))
	}

	durations := map[string]string{
		"timeout":                 c.Timeout,
		"throttle.window":         c.Throttle.Window,
		"throttle.banTime":        c.Throttle.BanTime,
		"persistence.debounce":    c.Persistence.Debounce,
		"persistence.maxDebounce": c.Persistence.MaxDebounce,
		"webhook.debounce":        c.Webhook.Debounce,
		"webhook.maxDebounce":     c.Webhook.MaxDebounce,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if _, err := time.ParseDuration(durations[key]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format))
	}

	switch c.Persistence.Driver {
	case "", "memory":
	case "sqlite", "redis":
		if c.Persistence.DSN == "" {
			errs = append(errs, fmt.Errorf("persistence.dsn is required for driver %q", c.Persistence.Driver))
		}
	case "s3":
		if c.Persistence.Bucket == "" {
			errs = append(errs, errors.New("persistence.bucket is required for driver \"s3\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence.driver %q", c.Persistence.Driver))
	}
	return errors.Join(errs...)
}

// Address returns the host:port to listen on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Duration parses one of the validated duration fields. Invalid values
// yield zero.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Enabled reports whether a path setting is switched on.
func Enabled(path string) bool {
	return path != "" && path != "-"
}
