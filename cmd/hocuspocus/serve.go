package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jjgmckenzie/hocuspocus/internal/config"
	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

type serveOptions struct {
	configPath string
	port       int
	host       string
	logLevel   string
	logFormat  string
	noThrottle bool
	store      string
	dsn        string
	webhookURL string
	secret     string
	policy     string
	authPolicy string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		Long: `Start the sync server.

Configuration is read from hocuspocus.yaml, hocuspocus.yml or
hocuspocus.json in the working directory, or from --config.
Flags override the file.

Examples:
  hocuspocus serve
  hocuspocus serve --port=8080 --store=sqlite --dsn=file:docs.db
  hocuspocus serve --policy='documentName startsWith "public/"'
  hocuspocus serve --auth-policy='token != ""'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	bindServeFlags(cmd, &opts)

	return cmd
}

func bindServeFlags(cmd *cobra.Command, opts *serveOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file")
	f.IntVarP(&opts.port, "port", "p", 0, "Port to listen on (default 1234)")
	f.StringVarP(&opts.host, "host", "H", "", "Host to bind to (default 0.0.0.0)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format: auto, text or json")
	f.BoolVar(&opts.noThrottle, "no-throttle", false, "Disable connection throttling")
	f.StringVar(&opts.store, "store", "", "Persistence driver: memory, sqlite, redis or s3")
	f.StringVar(&opts.dsn, "dsn", "", "sqlite data source or redis URL")
	f.StringVar(&opts.webhookURL, "webhook-url", "", "URL that receives webhook events")
	f.StringVar(&opts.secret, "webhook-secret", "", "Secret signing webhook requests")
	f.StringVar(&opts.policy, "policy", "", "Expression that must hold for a connection to be accepted")
	f.StringVar(&opts.authPolicy, "auth-policy", "", "Expression that must hold for a client token to be accepted")
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides. A missing file is fine unless --config named it.
func loadConfig(cmd *cobra.Command, opts serveOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load(".")
		if errors.Is(err, config.ErrNotFound) {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = opts.port
	}
	if f.Changed("host") {
		cfg.Host = opts.host
	}
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if opts.noThrottle {
		cfg.Throttle.Disabled = true
	}
	if f.Changed("store") {
		cfg.Persistence.Driver = opts.store
	}
	if f.Changed("dsn") {
		cfg.Persistence.DSN = opts.dsn
	}
	if f.Changed("webhook-url") {
		cfg.Webhook.URL = opts.webhookURL
	}
	if f.Changed("webhook-secret") {
		cfg.Webhook.Secret = opts.secret
	}
	if f.Changed("policy") {
		cfg.Policy.Connect = opts.policy
	}
	if f.Changed("auth-policy") {
		cfg.Policy.Authenticate = opts.authPolicy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serverConfig maps the file configuration onto the server's.
func serverConfig(cfg *config.Config) *server.Config {
	sc := &server.Config{
		Name:           cfg.Name,
		Address:        cfg.Address(),
		Timeout:        config.Duration(cfg.Timeout),
		MaxMessageSize: cfg.MaxMessageSize,
	}
	if config.Enabled(cfg.MetricsPath) {
		sc.MetricsPath = cfg.MetricsPath
	}
	if config.Enabled(cfg.HealthPath) {
		sc.HealthPath = cfg.HealthPath
	}
	return sc
}

// runServe serves until ctx is cancelled. Status lines go to out.
func runServe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := newLogger(os.Stderr, cfg.Log)

	exts, err := buildExtensions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := exts.Close(); err != nil {
			warn(out, "closing stores: %s", err)
		}
	}()

	sc := serverConfig(cfg)
	sc.Extensions = exts.list
	sc.Logger = logger
	sc.Hooks = &server.Hooks{
		Listen: func(_ context.Context, p *server.ListenPayload) error {
			success(out, "%s listening on %s", bold(cfg.Name), p.Address)
			if sc.MetricsPath != "" {
				info(out, "metrics  %s", sc.MetricsPath)
			}
			if cfg.Persistence.Driver != "" {
				info(out, "store    %s", cfg.Persistence.Driver)
			}
			if cfg.Throttle.Disabled {
				warn(out, "connection throttling is disabled")
			}
			return nil
		},
	}

	s, err := server.New(sc)
	if err != nil {
		return err
	}
	defer s.Destroy(context.Background())

	if cfg.Path() != "" {
		info(out, "config   %s", cfg.Path())
	}

	if err := s.Listen(ctx); err != nil {
		return err
	}
	success(out, "stopped")
	return nil
}
