package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jjgmckenzie/hocuspocus/internal/config"
	"github.com/jjgmckenzie/hocuspocus/pkg/persistence"
	"github.com/jjgmckenzie/hocuspocus/pkg/policy"
	"github.com/jjgmckenzie/hocuspocus/pkg/server"
	"github.com/jjgmckenzie/hocuspocus/pkg/throttle"
	"github.com/jjgmckenzie/hocuspocus/pkg/webhook"
)

// extensions holds the configured extensions and the clients they use.
type extensions struct {
	list    []server.Extension
	closers []func() error
}

// Close releases the clients opened for the stores. Call it after the
// server has been destroyed.
func (e *extensions) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

// buildExtensions creates the extensions cfg asks for. Admission runs
// first, then access policy, then the webhook, then persistence.
func buildExtensions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*extensions, error) {
	exts := &extensions{}

	if !cfg.Throttle.Disabled {
		exts.list = append(exts.list, throttle.New(throttle.Config{
			Limit:   cfg.Throttle.Limit,
			Window:  config.Duration(cfg.Throttle.Window),
			BanTime: config.Duration(cfg.Throttle.BanTime),
			Logger:  logger,
		}))
	}

	if cfg.Policy.Connect != "" || cfg.Policy.Authenticate != "" {
		p, err := policy.New(policy.Config{
			Connect:      cfg.Policy.Connect,
			Authenticate: cfg.Policy.Authenticate,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		exts.list = append(exts.list, p)
	}

	if cfg.Webhook.URL != "" {
		events := make([]webhook.Event, 0, len(cfg.Webhook.Events))
		for _, e := range cfg.Webhook.Events {
			events = append(events, webhook.Event(e))
		}
		w, err := webhook.New(webhook.Config{
			URL:         cfg.Webhook.URL,
			Secret:      cfg.Webhook.Secret,
			Events:      events,
			Debounce:    config.Duration(cfg.Webhook.Debounce),
			MaxDebounce: config.Duration(cfg.Webhook.MaxDebounce),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		exts.list = append(exts.list, w)
	}

	store, err := openStore(ctx, cfg.Persistence, exts)
	if err != nil {
		exts.Close()
		return nil, err
	}
	if store != nil {
		p, err := persistence.New(persistence.Config{
			Store:       store,
			Debounce:    config.Duration(cfg.Persistence.Debounce),
			MaxDebounce: config.Duration(cfg.Persistence.MaxDebounce),
			Logger:      logger,
		})
		if err != nil {
			exts.Close()
			return nil, err
		}
		exts.list = append(exts.list, p)
		exts.closers = append(exts.closers, store.Close)
	}
	return exts, nil
}

// openStore opens the persistence backend. Clients it creates are added
// to exts.closers. No driver means no persistence.
func openStore(ctx context.Context, cfg config.PersistenceConfig, exts *extensions) (persistence.Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil

	case "memory":
		return persistence.NewMemoryStore(), nil

	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		exts.closers = append(exts.closers, db.Close)
		store := persistence.NewSQLStore(db,
			persistence.WithSQLTableName(cfg.Table),
			persistence.WithSQLDialect(persistence.DialectSQLite),
		)
		if err := store.CreateTable(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case "redis":
		redisOpts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		exts.closers = append(exts.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		var opts []persistence.RedisStoreOption
		if cfg.Prefix != "" {
			opts = append(opts, persistence.WithRedisPrefix(cfg.Prefix))
		}
		return persistence.NewRedisStore(client, opts...), nil

	case "s3":
		return persistence.NewS3Store(newS3Client(cfg), cfg.Bucket, cfg.Prefix), nil

	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

func newS3Client(cfg config.PersistenceConfig) *s3.Client {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
			if id == "" || secret == "" {
				return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
			}
			return aws.Credentials{
				AccessKeyID:     id,
				SecretAccessKey: secret,
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}, nil
		})),
	}
	if opts.Region == "" {
		opts.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}
