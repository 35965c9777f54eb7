package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jjgmckenzie/hocuspocus/internal/debounce"
	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

// Config configures the persistence Extension.
type Config struct {
	// Store is the backend. Required.
	Store Store

	// Debounce delays saving until changes have been quiet this long.
	// Negative saves after every change. Default: 2 seconds.
	Debounce time.Duration

	// MaxDebounce forces a save once changes have been arriving this long.
	// Default: 10 seconds.
	MaxDebounce time.Duration

	// Timeout bounds each store operation. Default: 10 seconds.
	Timeout time.Duration

	// Logger receives save failures. Default: slog.Default().
	Logger *slog.Logger
}

// Extension loads and saves documents through a Store.
type Extension struct {
	store    Store
	debounce *debounce.Debouncer
	timeout  time.Duration
	logger   *slog.Logger
}

var (
	_ server.CreateDocumentHook = (*Extension)(nil)
	_ server.ChangeHook         = (*Extension)(nil)
	_ server.DisconnectHook     = (*Extension)(nil)
	_ server.DestroyHook        = (*Extension)(nil)
)

// New creates the extension.
func New(config Config) (*Extension, error) {
	if config.Store == nil {
		return nil, errors.New("persistence: store is required")
	}
	if config.Debounce == 0 {
		config.Debounce = 2 * time.Second
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.MaxDebounce == 0 {
		config.MaxDebounce = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Extension{
		store:    config.Store,
		debounce: debounce.New(config.Debounce, config.MaxDebounce),
		timeout:  config.Timeout,
		logger:   config.Logger.With("component", "persistence"),
	}, nil
}

// OnCreateDocument returns the stored state for merging into the new
// document.
func (e *Extension) OnCreateDocument(ctx context.Context, p *server.CreateDocumentPayload) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	state, err := e.store.Fetch(ctx, p.DocumentName)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		e.logger.Debug("document loaded", "document", p.DocumentName, "bytes", len(state))
	}
	return state, nil
}

// OnChange schedules a save of the document.
func (e *Extension) OnChange(_ context.Context, p *server.ChangePayload) error {
	doc := p.Document
	e.debounce.Debounce(doc.Name(), func() { e.save(doc) })
	return nil
}

// OnDisconnect saves right away when the last client has left.
func (e *Extension) OnDisconnect(_ context.Context, p *server.DisconnectPayload) error {
	if p.ClientsCount == 0 {
		e.debounce.Flush(p.DocumentName)
	}
	return nil
}

// OnDestroy saves everything still pending.
func (e *Extension) OnDestroy(context.Context, *server.DestroyPayload) error {
	e.debounce.Stop()
	return nil
}

func (e *Extension) save(doc *server.Document) {
	state, err := doc.State()
	if err != nil {
		e.logger.Error("encode document", "document", doc.Name(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.store.Store(ctx, doc.Name(), state); err != nil {
		e.logger.Error("store document", "document", doc.Name(), "error", err)
		return
	}
	e.logger.Debug("document stored", "document", doc.Name(), "bytes", len(state))
}
