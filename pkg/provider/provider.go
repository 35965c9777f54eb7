// Package provider is the client side of the sync protocol: it keeps a
// local document and awareness registry in sync with a server document
// over a reconnecting WebSocket.
//
//	p, err := provider.New(provider.Config{
//		URL:   "ws://localhost:1234",
//		Name:  "notes",
//		Token: "secret",
//	})
//	if err != nil {
//		return err
//	}
//	defer p.Destroy()
//	if err := p.Connect(ctx); err != nil {
//		return err
//	}
//	doc := p.Document().(*crdt.Doc)
//
// Local changes to the document and the awareness state are sent to the
// server as they happen; remote changes are applied with the provider as
// origin.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jjgmckenzie/hocuspocus/internal/event"
	"github.com/jjgmckenzie/hocuspocus/pkg/awareness"
	"github.com/jjgmckenzie/hocuspocus/pkg/crdt"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// Config configures a Provider.
type Config struct {
	// Name is the document name. Required.
	Name string

	// Document is the local replica. Default: a new *crdt.Doc.
	Document protocol.Doc

	// Awareness is the local presence registry. Default: a new registry
	// owned and destroyed by the provider.
	Awareness *awareness.Awareness

	// Websocket is a shared transport whose URL already addresses the
	// document. When nil the provider creates and owns one for
	// URL + "/" + Name.
	Websocket *Websocket

	// URL, Parameters and WebsocketConfig configure the owned transport.
	URL             string
	Parameters      url.Values
	WebsocketConfig WebsocketConfig

	// Token is sent on every open. TokenFunc, when set, is called instead.
	Token     string
	TokenFunc func(ctx context.Context) (string, error)

	// Bus relays messages to other providers of the same document in this
	// process. Nil disables it.
	Bus *Bus

	// ForceSyncInterval resends SyncStep1 periodically. 0 disables it.
	ForceSyncInterval time.Duration

	Logger *slog.Logger
}

// Provider binds one document and one awareness registry to a Websocket.
type Provider struct {
	name      string
	doc       protocol.Doc
	awareness *awareness.Awareness
	ws        *Websocket
	token     func(context.Context) (string, error)
	logger    *slog.Logger

	ownsWebsocket bool
	ownsAwareness bool

	mu            sync.Mutex
	synced        bool
	unsynced      int
	authenticated bool
	scope         string
	status        Status

	guard  echoGuard
	bus    *Subscription
	closed atomic.Bool

	offs []func()

	syncedEvents        event.Emitter[bool]
	statusEvents        event.Emitter[Status]
	unsyncedEvents      event.Emitter[int]
	authenticatedEvents event.Emitter[string]
	authFailedEvents    event.Emitter[string]
	statelessEvents     event.Emitter[string]
	awarenessEvents     event.Emitter[map[uint64]awareness.State]
	closeEvents         event.Emitter[CloseEvent]

	done        chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// clientIDer is implemented by documents that know their writer id.
type clientIDer interface {
	ClientID() uint64
}

// New creates a provider and attaches it to its transport. It does not
// connect; call Connect.
func New(config Config) (*Provider, error) {
	if config.Name == "" {
		return nil, errors.New("provider: name is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Document == nil {
		config.Document = crdt.New(uint64(rand.Uint32()))
	}

	p := &Provider{
		name:   config.Name,
		doc:    config.Document,
		logger: config.Logger.With("component", "provider", "document", config.Name),
		done:   make(chan struct{}),
	}

	p.awareness = config.Awareness
	if p.awareness == nil {
		id := uint64(rand.Uint32())
		if c, ok := config.Document.(clientIDer); ok {
			id = c.ClientID()
		}
		p.awareness = awareness.New(id)
		p.ownsAwareness = true
	}

	p.ws = config.Websocket
	if p.ws == nil {
		if config.URL == "" {
			return nil, errors.New("provider: url or websocket is required")
		}
		wc := config.WebsocketConfig
		wc.URL = strings.TrimRight(config.URL, "/") + "/" + url.PathEscape(config.Name)
		wc.Parameters = config.Parameters
		if wc.Logger == nil {
			wc.Logger = config.Logger
		}
		ws, err := NewWebsocket(wc)
		if err != nil {
			if p.ownsAwareness {
				p.awareness.Destroy()
			}
			return nil, err
		}
		p.ws = ws
		p.ownsWebsocket = true
	}

	switch {
	case config.TokenFunc != nil:
		p.token = config.TokenFunc
	case config.Token != "":
		token := config.Token
		p.token = func(context.Context) (string, error) { return token, nil }
	}

	p.offs = append(p.offs,
		p.ws.OnOpen(p.handleOpen),
		p.ws.OnMessage(p.handleMessage),
		p.ws.OnClose(p.handleClose),
		p.ws.OnStatus(p.handleStatus),
		p.doc.OnUpdate(p.handleDocumentUpdate),
		p.awareness.OnUpdate(p.handleAwarenessUpdate),
		p.awareness.OnChange(func(awareness.Event) {
			p.awarenessEvents.Emit(p.awareness.States())
		}),
	)

	if config.Bus != nil {
		p.bus = config.Bus.Subscribe(p.name, p.handleBroadcast)
		p.announceOnBus()
	}

	if config.ForceSyncInterval > 0 {
		p.wg.Add(1)
		go p.forceSyncLoop(config.ForceSyncInterval)
	}

	// A shared transport may already be open.
	if p.ws.Status() == StatusConnected {
		p.handleStatus(StatusConnected)
		p.handleOpen()
	}
	return p, nil
}

// Name returns the document name.
func (p *Provider) Name() string { return p.name }

// Document returns the local replica.
func (p *Provider) Document() protocol.Doc { return p.doc }

// Awareness returns the local presence registry.
func (p *Provider) Awareness() *awareness.Awareness { return p.awareness }

// Websocket returns the transport.
func (p *Provider) Websocket() *Websocket { return p.ws }

// Connect connects the transport. See Websocket.Connect.
func (p *Provider) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return ErrDestroyed
	}
	return p.ws.Connect(ctx)
}

// Disconnect closes the transport until the next Connect.
func (p *Provider) Disconnect() {
	p.ws.Disconnect()
}

// Synced reports whether the server's full state has been received since
// the last open.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// UnsyncedChanges returns the number of local changes sent but not yet
// acknowledged by a sync reply.
func (p *Provider) UnsyncedChanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsynced
}

// HasUnsyncedChanges reports whether UnsyncedChanges is positive.
func (p *Provider) HasUnsyncedChanges() bool {
	return p.UnsyncedChanges() > 0
}

// Authenticated reports whether the server accepted the token, and with
// which scope.
func (p *Provider) Authenticated() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated, p.scope
}

// Status returns the transport status as last reported to the provider.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnSynced registers fn for changes of Synced.
func (p *Provider) OnSynced(fn func(bool)) (off func()) { return p.syncedEvents.On(fn) }

// OnStatus registers fn for transport status changes.
func (p *Provider) OnStatus(fn func(Status)) (off func()) { return p.statusEvents.On(fn) }

// OnUnsyncedChanges registers fn for changes of UnsyncedChanges.
func (p *Provider) OnUnsyncedChanges(fn func(int)) (off func()) { return p.unsyncedEvents.On(fn) }

// OnAuthenticated registers fn to run with the granted scope.
func (p *Provider) OnAuthenticated(fn func(scope string)) (off func()) {
	return p.authenticatedEvents.On(fn)
}

// OnAuthenticationFailed registers fn to run with the server's reason.
func (p *Provider) OnAuthenticationFailed(fn func(reason string)) (off func()) {
	return p.authFailedEvents.On(fn)
}

// OnStateless registers fn for stateless messages from the server.
func (p *Provider) OnStateless(fn func(payload string)) (off func()) {
	return p.statelessEvents.On(fn)
}

// OnAwarenessChange registers fn to receive all awareness states whenever
// one is added, changed or removed.
func (p *Provider) OnAwarenessChange(fn func(map[uint64]awareness.State)) (off func()) {
	return p.awarenessEvents.On(fn)
}

// OnClose registers fn for every closed socket.
func (p *Provider) OnClose(fn func(CloseEvent)) (off func()) { return p.closeEvents.On(fn) }

// SendStateless sends opaque data to the server's stateless hooks.
func (p *Provider) SendStateless(payload string) {
	p.send(protocol.StatelessMessage(p.name, payload), false)
}

// SetAwarenessField sets one field of the local awareness state.
func (p *Provider) SetAwarenessField(field string, value any) {
	p.awareness.SetLocalStateField(field, value)
}

// ForceSync sends SyncStep1 so the server replies with anything missed.
func (p *Provider) ForceSync() {
	msg, err := protocol.SyncStep1Message(p.name, p.doc)
	if err != nil {
		p.logger.Error("build sync step 1", "error", err)
		return
	}
	p.send(msg, false)
}

func (p *Provider) forceSyncLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.ForceSync()
		}
	}
}

func (p *Provider) handleOpen() {
	p.mu.Lock()
	p.authenticated = false
	p.scope = ""
	p.mu.Unlock()

	if p.token != nil {
		token, err := p.token(context.Background())
		if err != nil {
			p.logger.Error("get token", "error", err)
		} else if msg, err := protocol.AuthTokenMessage(p.name, token); err != nil {
			p.logger.Error("build auth message", "error", err)
		} else {
			p.send(msg, false)
		}
	}
	p.startSync()
}

// startSync sends SyncStep1 and, when present, the local awareness state.
func (p *Provider) startSync() {
	p.ForceSync()

	if p.awareness.LocalState() == nil {
		return
	}
	update, err := p.awareness.EncodeUpdate([]uint64{p.awareness.ClientID()})
	if err != nil {
		p.logger.Error("encode awareness", "error", err)
		return
	}
	msg, _ := protocol.AwarenessMessage(p.name, update)
	p.send(msg, false)
}

func (p *Provider) handleStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
	p.statusEvents.Emit(s)
}

func (p *Provider) handleClose(ev CloseEvent) {
	p.mu.Lock()
	p.authenticated = false
	p.scope = ""
	p.mu.Unlock()
	p.setSynced(false)

	// Everyone else left as far as this replica can tell.
	var others []uint64
	for id := range p.awareness.States() {
		if id != p.awareness.ClientID() {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		p.awareness.RemoveStates(others, p)
	}
	p.closeEvents.Emit(ev)
}

// setSynced flips Synced. Becoming synced clears the unsynced change count
// under the same lock.
func (p *Provider) setSynced(synced bool) {
	p.mu.Lock()
	if p.synced == synced {
		p.mu.Unlock()
		return
	}
	p.synced = synced
	cleared := synced && p.unsynced > 0
	if cleared {
		p.unsynced = 0
	}
	p.mu.Unlock()

	if cleared {
		p.unsyncedEvents.Emit(0)
	}
	p.syncedEvents.Emit(synced)
}

func (p *Provider) addUnsynced(delta int) {
	p.mu.Lock()
	if delta < 0 && p.unsynced == 0 {
		p.mu.Unlock()
		return
	}
	p.unsynced += delta
	n := p.unsynced
	p.mu.Unlock()
	p.unsyncedEvents.Emit(n)
}

// handleDocumentUpdate relays local changes. Changes applied by this
// provider carry it as origin and are not sent back.
func (p *Provider) handleDocumentUpdate(update []byte, origin any) {
	if origin == p {
		return
	}
	msg, err := protocol.UpdateMessage(p.name, update)
	if err != nil {
		p.logger.Error("build update message", "error", err)
		return
	}
	p.addUnsynced(1)
	p.send(msg, true)
}

func (p *Provider) handleAwarenessUpdate(ev awareness.Event) {
	update, err := p.awareness.EncodeUpdate(ev.Clients())
	if err != nil {
		p.logger.Error("encode awareness", "error", err)
		return
	}
	msg, _ := protocol.AwarenessMessage(p.name, update)
	p.send(msg, true)
}

// send writes msg to the server and, when broadcast is set, to the other
// providers on the bus. Bus relays are skipped while a bus message is
// being applied, so a relayed change is not relayed again.
func (p *Provider) send(msg []byte, broadcast bool) {
	if p.closed.Load() {
		return
	}
	if broadcast {
		p.guard.Do(func() { p.publish(msg) })
	}
	if err := p.ws.Send(msg); err != nil && !errors.Is(err, ErrNotConnected) {
		p.logger.Debug("send", "error", err)
	}
}

func (p *Provider) publish(msg []byte) {
	if p.bus != nil {
		p.bus.Publish(msg)
	}
}

// Destroy announces that the local client has left, detaches every
// listener, sends a Close message and stops owned timers. An owned
// transport and awareness registry are destroyed too.
func (p *Provider) Destroy() {
	p.destroyOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.awareness.RemoveStates([]uint64{p.awareness.ClientID()}, "provider destroy")

		for _, off := range p.offs {
			off()
		}
		if p.bus != nil {
			p.bus.Close()
		}

		p.send(protocol.CloseMessage(p.name), false)
		p.closed.Store(true)

		if p.ownsWebsocket {
			p.ws.Destroy()
		}
		if p.ownsAwareness {
			p.awareness.Destroy()
		}

		p.syncedEvents.Clear()
		p.statusEvents.Clear()
		p.unsyncedEvents.Clear()
		p.authenticatedEvents.Clear()
		p.authFailedEvents.Clear()
		p.statelessEvents.Clear()
		p.awarenessEvents.Clear()
		p.closeEvents.Clear()
	})
}
