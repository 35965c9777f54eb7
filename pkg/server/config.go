package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jjgmckenzie/hocuspocus/pkg/crdt"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// Version is reported to OnConfigure hooks.
const Version = "1.0.0"

// Config holds configuration for the collaboration server.
type Config struct {
	// Name identifies this instance in logs and traces.
	// Default: "hocuspocus".
	Name string

	// Address is the address Listen binds to (e.g. ":80" or "localhost:1234").
	// Default: ":80".
	Address string

	// Timeout closes a connection that has not sent any data for this long.
	// Clients refresh their awareness state well within it.
	// Default: 30 seconds.
	Timeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Larger messages close the socket with code 1009.
	// Default: 10MB.
	MaxMessageSize int64

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: allows all origins.
	CheckOrigin func(r *http.Request) bool

	// ShutdownTimeout bounds Destroy.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Extensions are consulted in order for every hook.
	Extensions []Extension

	// Hooks, when set, is registered after Extensions.
	Hooks *Hooks

	// NewDocument creates the replicated state for a new document.
	// Default: a crdt.Doc with a random client id.
	NewDocument func(name string) protocol.Doc

	// MetricsPath, when set, serves Prometheus metrics on this path.
	MetricsPath string

	// HealthPath, when set, answers liveness probes on this path. A
	// document with the same name can no longer be reached.
	HealthPath string

	// Registry receives the server metrics.
	// Default: a fresh registry per server.
	Registry *prometheus.Registry

	// TracerName names the OpenTelemetry tracer.
	// Default: "hocuspocus".
	TracerName string

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:            "hocuspocus",
		Address:         ":80",
		Timeout:         30 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  10 * 1024 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
		ShutdownTimeout: 10 * time.Second,
		NewDocument:     func(string) protocol.Doc { return crdt.New(randomClientID()) },
		TracerName:      "hocuspocus",
	}
}

// withDefaults fills in any unset fields.
func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	out := *c
	if out.Name == "" {
		out.Name = defaults.Name
	}
	if out.Address == "" {
		out.Address = defaults.Address
	}
	if out.Timeout == 0 {
		out.Timeout = defaults.Timeout
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = defaults.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = defaults.CheckOrigin
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.NewDocument == nil {
		out.NewDocument = defaults.NewDocument
	}
	if out.TracerName == "" {
		out.TracerName = defaults.TracerName
	}
	if out.Registry == nil {
		out.Registry = prometheus.NewRegistry()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write timeout must not be negative, got %s", c.WriteTimeout))
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max message size must not be negative, got %d", c.MaxMessageSize))
	}
	for i, ext := range c.Extensions {
		if ext == nil {
			errs = append(errs, fmt.Errorf("extension %d is nil", i))
		}
	}
	return errors.Join(errs...)
}
