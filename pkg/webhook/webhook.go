// Package webhook forwards document lifecycle events to an HTTP endpoint.
//
// Every request is a POST with a JSON body {"event": ..., "payload": ...}
// signed with HMAC-SHA256 over the body:
//
//	X-Hocuspocus-Signature-256: sha256=<hex digest>
//
// The endpoint can shape the connection: the JSON object returned for a
// "connect" event becomes the connection context, and a non-2xx answer
// refuses the connection. A "create" answer of the form
// {"state": "<base64 update>"} is merged into the new document.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/jjgmckenzie/hocuspocus/internal/debounce"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

// SignatureHeader carries the request signature.
const SignatureHeader = "X-Hocuspocus-Signature-256"

// Event names a webhook event.
type Event string

const (
	EventChange     Event = "change"
	EventConnect    Event = "connect"
	EventCreate     Event = "create"
	EventDisconnect Event = "disconnect"
)

// ErrRequestFailed is returned for transport errors and non-2xx answers.
var ErrRequestFailed = errors.New("webhook: request failed")

// Transformer renders a document for "change" payloads.
type Transformer func(doc *server.Document) (any, error)

// Config configures the webhook Extension.
type Config struct {
	// URL receives the events. Required.
	URL string

	// Secret signs request bodies.
	Secret string

	// Events selects the events to send. Default: change only.
	Events []Event

	// Debounce delays change events until the document has been quiet
	// this long. Negative sends every change. Default: 2 seconds.
	Debounce time.Duration

	// MaxDebounce forces a change event once changes have been arriving
	// this long. Default: 10 seconds.
	MaxDebounce time.Duration

	// Transformer renders the document for change events. Default:
	// DefaultTransformer.
	Transformer Transformer

	// Client sends the requests. Default: a client with a 10 second
	// timeout.
	Client *http.Client

	Logger *slog.Logger
}

// Extension posts lifecycle events to Config.URL.
type Extension struct {
	url         string
	secret      []byte
	events      []Event
	transformer Transformer
	client      *http.Client
	debounce    *debounce.Debouncer
	logger      *slog.Logger
}

var (
	_ server.ConnectHook        = (*Extension)(nil)
	_ server.CreateDocumentHook = (*Extension)(nil)
	_ server.ChangeHook         = (*Extension)(nil)
	_ server.DisconnectHook     = (*Extension)(nil)
	_ server.DestroyHook        = (*Extension)(nil)
)

// New creates the extension.
func New(config Config) (*Extension, error) {
	if config.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("webhook: invalid url: %w", err)
	}
	if len(config.Events) == 0 {
		config.Events = []Event{EventChange}
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
	if config.Transformer == nil {
		config.Transformer = DefaultTransformer
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Extension{
		url:         config.URL,
		secret:      []byte(config.Secret),
		events:      slices.Clone(config.Events),
		transformer: config.Transformer,
		client:      config.Client,
		debounce:    debounce.New(config.Debounce, config.MaxDebounce),
		logger:      config.Logger.With("component", "webhook"),
	}, nil
}

func (e *Extension) enabled(ev Event) bool {
	return slices.Contains(e.events, ev)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is valid for body. Receivers use it to
// authenticate incoming requests.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

type request struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// send posts one event and returns the response body of a 2xx answer.
func (e *Extension) send(ctx context.Context, ev Event, payload any) ([]byte, error) {
	body, err := sonnet.Marshal(request{Event: ev, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("webhook: encode %s: %w", ev, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(e.secret, body))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRequestFailed, ev, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %w", ErrRequestFailed, ev, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrRequestFailed, ev, resp.StatusCode)
	}
	return respBody, nil
}

type connectPayload struct {
	DocumentName      string              `json:"documentName"`
	RequestHeaders    map[string][]string `json:"requestHeaders"`
	RequestParameters map[string]string   `json:"requestParameters"`
}

// OnConnect asks the endpoint whether the connection may proceed. The
// JSON object it answers with is merged into the connection context.
func (e *Extension) OnConnect(ctx context.Context, p *server.ConnectPayload) (server.Context, error) {
	if !e.enabled(EventConnect) {
		return nil, nil
	}

	body, err := e.send(ctx, EventConnect, connectPayload{
		DocumentName:      p.DocumentName,
		RequestHeaders:    p.RequestHeaders,
		RequestParameters: flatten(p.RequestParameters),
	})
	if err != nil {
		e.logger.Error("connect webhook", "document", p.DocumentName, "error", err)
		return nil, fmt.Errorf("%w: %w", protocol.Forbidden, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var additions server.Context
	if err := sonnet.Unmarshal(body, &additions); err != nil {
		e.logger.Error("connect webhook answer", "document", p.DocumentName, "error", err)
		return nil, fmt.Errorf("%w: webhook: decode connect answer: %w", protocol.Forbidden, err)
	}
	return additions, nil
}

type createAnswer struct {
	State string `json:"state"`
}

// OnCreateDocument asks the endpoint for initial document state. Errors
// are logged and the document starts empty.
func (e *Extension) OnCreateDocument(ctx context.Context, p *server.CreateDocumentPayload) ([]byte, error) {
	if !e.enabled(EventCreate) {
		return nil, nil
	}

	body, err := e.send(ctx, EventCreate, connectPayload{
		DocumentName:      p.DocumentName,
		RequestHeaders:    p.RequestHeaders,
		RequestParameters: flatten(p.RequestParameters),
	})
	if err != nil {
		e.logger.Error("create webhook", "document", p.DocumentName, "error", err)
		return nil, nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var answer createAnswer
	if err := sonnet.Unmarshal(body, &answer); err != nil {
		e.logger.Error("create webhook answer", "document", p.DocumentName, "error", err)
		return nil, nil
	}
	if answer.State == "" {
		return nil, nil
	}
	state, err := base64.StdEncoding.DecodeString(answer.State)
	if err != nil {
		e.logger.Error("create webhook state", "document", p.DocumentName, "error", err)
		return nil, nil
	}
	return state, nil
}

type changePayload struct {
	Document          any                 `json:"document"`
	DocumentName      string              `json:"documentName"`
	Context           server.Context      `json:"context"`
	RequestHeaders    map[string][]string `json:"requestHeaders"`
	RequestParameters map[string]string   `json:"requestParameters"`
}

// OnChange sends a debounced change event for the document.
func (e *Extension) OnChange(_ context.Context, p *server.ChangePayload) error {
	if !e.enabled(EventChange) {
		return nil
	}

	doc := p.Document
	ctx, headers, params := p.Context, p.RequestHeaders, flatten(p.RequestParameters)
	e.debounce.Debounce(p.DocumentName, func() {
		rendered, err := e.transformer(doc)
		if err != nil {
			e.logger.Error("render document", "document", doc.Name(), "error", err)
			return
		}
		_, err = e.send(context.Background(), EventChange, changePayload{
			Document:          rendered,
			DocumentName:      doc.Name(),
			Context:           ctx,
			RequestHeaders:    headers,
			RequestParameters: params,
		})
		if err != nil {
			e.logger.Error("change webhook", "document", doc.Name(), "error", err)
		}
	})
	return nil
}

type disconnectPayload struct {
	DocumentName      string              `json:"documentName"`
	Context           server.Context      `json:"context"`
	RequestHeaders    map[string][]string `json:"requestHeaders"`
	RequestParameters map[string]string   `json:"requestParameters"`
}

// OnDisconnect reports a departed connection. Errors are logged only.
func (e *Extension) OnDisconnect(ctx context.Context, p *server.DisconnectPayload) error {
	if !e.enabled(EventDisconnect) {
		return nil
	}
	_, err := e.send(ctx, EventDisconnect, disconnectPayload{
		DocumentName:      p.DocumentName,
		Context:           p.Context,
		RequestHeaders:    p.RequestHeaders,
		RequestParameters: flatten(p.RequestParameters),
	})
	if err != nil {
		e.logger.Error("disconnect webhook", "document", p.DocumentName, "error", err)
	}
	return nil
}

// OnDestroy sends every pending change event.
func (e *Extension) OnDestroy(context.Context, *server.DestroyPayload) error {
	e.debounce.Stop()
	return nil
}

func flatten(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}
