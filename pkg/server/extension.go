package server

import (
	"context"
	"net/http"
	"net/url"
)

// Context is per-connection data contributed by OnConnect and
// OnAuthenticate hooks, such as the authenticated user.
type Context map[string]any

// merge copies additions into c, allocating when c is nil.
func (c Context) merge(additions Context) Context {
	if len(additions) == 0 {
		return c
	}
	if c == nil {
		c = make(Context, len(additions))
	}
	for k, v := range additions {
		c[k] = v
	}
	return c
}

// Extension is any value implementing one or more of the hook interfaces
// below. The server checks each capability before invoking it, and runs
// the hooks of one event in registration order, one at a time.
//
// A hook returns nil to continue, ErrVeto to stop the operation silently,
// or any other error to fail it. Returning a *protocol.CloseError (or an
// error wrapping one) chooses the close code sent to the client.
type Extension any

// ConfigureHook runs once from New.
type ConfigureHook interface {
	OnConfigure(ctx context.Context, p *ConfigurePayload) error
}

// ListenHook runs after the listener is bound.
type ListenHook interface {
	OnListen(ctx context.Context, p *ListenPayload) error
}

// RequestHook runs for plain HTTP requests before the default response.
// A hook that writes its own response returns ErrVeto.
type RequestHook interface {
	OnRequest(ctx context.Context, p *RequestPayload) error
}

// UpgradeHook runs for WebSocket upgrade requests before the upgrade.
type UpgradeHook interface {
	OnUpgrade(ctx context.Context, p *UpgradePayload) error
}

// ConnectHook runs for every admitted socket before a document is opened.
// The returned Context is merged into the connection context.
type ConnectHook interface {
	OnConnect(ctx context.Context, p *ConnectPayload) (Context, error)
}

// AuthenticateHook runs when the client sends a token. A veto or failure
// is answered with a permission-denied message and the socket is closed.
type AuthenticateHook interface {
	OnAuthenticate(ctx context.Context, p *AuthenticatePayload) (Context, error)
}

// CreateDocumentHook runs once per new document. A non-empty returned
// state is merged into the document.
type CreateDocumentHook interface {
	OnCreateDocument(ctx context.Context, p *CreateDocumentPayload) ([]byte, error)
}

// ChangeHook runs after every change to a document's content.
type ChangeHook interface {
	OnChange(ctx context.Context, p *ChangePayload) error
}

// StatelessHook runs for stateless messages from clients.
type StatelessHook interface {
	OnStateless(ctx context.Context, p *StatelessPayload) error
}

// DisconnectHook runs after a connection has left its document.
type DisconnectHook interface {
	OnDisconnect(ctx context.Context, p *DisconnectPayload) error
}

// DestroyHook runs from Destroy after every connection is closed.
type DestroyHook interface {
	OnDestroy(ctx context.Context, p *DestroyPayload) error
}

// Admitter decides whether a client IP may open a socket at all. It is
// consulted before any hook runs.
type Admitter interface {
	Admit(ip string) bool
}

// ConfigurePayload is passed to OnConfigure.
type ConfigurePayload struct {
	Config  *Config
	Version string
}

// ListenPayload is passed to OnListen.
type ListenPayload struct {
	Address string
	Port    int
}

// RequestPayload is passed to OnRequest.
type RequestPayload struct {
	Request  *http.Request
	Response http.ResponseWriter
}

// UpgradePayload is passed to OnUpgrade. Hooks may add headers to the
// upgrade response through ResponseHeader.
type UpgradePayload struct {
	Request        *http.Request
	Response       http.ResponseWriter
	ResponseHeader http.Header
}

// ConnectPayload is passed to OnConnect. Context holds what earlier hooks
// contributed.
type ConnectPayload struct {
	DocumentName      string
	RequestHeaders    http.Header
	RequestParameters url.Values
	SocketID          string
	ClientIP          string
	Context           Context
}

// AuthenticatePayload is passed to OnAuthenticate.
type AuthenticatePayload struct {
	Document          *Document
	DocumentName      string
	Token             string
	RequestHeaders    http.Header
	RequestParameters url.Values
	SocketID          string
	Context           Context
}

// CreateDocumentPayload is passed to OnCreateDocument.
type CreateDocumentPayload struct {
	Document          *Document
	DocumentName      string
	Context           Context
	RequestHeaders    http.Header
	RequestParameters url.Values
	SocketID          string
}

// ChangePayload is passed to OnChange. Connection fields are empty when the
// change did not come from a client.
type ChangePayload struct {
	Document          *Document
	DocumentName      string
	Update            []byte
	ClientsCount      int
	Context           Context
	RequestHeaders    http.Header
	RequestParameters url.Values
	SocketID          string
}

// StatelessPayload is passed to OnStateless.
type StatelessPayload struct {
	Document     *Document
	DocumentName string
	Connection   *Connection
	Payload      string
}

// DisconnectPayload is passed to OnDisconnect. ClientsCount excludes the
// departed connection.
type DisconnectPayload struct {
	Document          *Document
	DocumentName      string
	Context           Context
	ClientsCount      int
	RequestHeaders    http.Header
	RequestParameters url.Values
	SocketID          string
}

// DestroyPayload is passed to OnDestroy.
type DestroyPayload struct {
	Server *Server
}
