package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jjgmckenzie/hocuspocus/internal/event"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// Status is the connection status of a Websocket.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("provider: not connected")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("provider: destroyed")

	// ErrGaveUp is returned by Connect when the server closed the socket
	// with a code that must not be retried.
	ErrGaveUp = errors.New("provider: server refused connection")

	// ErrMaxAttempts is returned by Connect when RetryPolicy.MaxAttempts
	// attempts have failed.
	ErrMaxAttempts = errors.New("provider: too many connection attempts")

	// ErrAttemptTimeout fails an attempt that got no message within
	// RetryPolicy.Timeout.
	ErrAttemptTimeout = errors.New("provider: connection attempt timed out")

	errClosedEarly = errors.New("provider: socket closed before first message")
)

// CloseEvent describes a closed socket. Code is 1006 when the socket was
// lost without a close frame.
type CloseEvent struct {
	Code   int
	Reason string
}

// WebsocketConfig configures a Websocket.
type WebsocketConfig struct {
	// URL is the ws:// or wss:// address, including the document path.
	URL string

	// Parameters are added to the URL query.
	Parameters url.Values

	// Header is sent with the upgrade request.
	Header http.Header

	Retry RetryPolicy

	// MessageReconnectTimeout closes a connected socket that has received
	// nothing for this long. The check runs every tenth of it.
	// Default: 30 seconds.
	MessageReconnectTimeout time.Duration

	// StopOnForbidden stops reconnecting after a Forbidden close. By
	// default Forbidden is retried like any other close.
	StopOnForbidden bool

	// WriteTimeout bounds each write. Default: 10 seconds.
	WriteTimeout time.Duration

	// Dialer opens sockets. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// attempt is one connection attempt waiting for its first message.
type attempt struct {
	conn   *websocket.Conn
	result chan error
}

// Websocket owns at most one socket at a time and reconnects it with
// backoff when it drops.
type Websocket struct {
	config WebsocketConfig
	url    string
	logger *slog.Logger

	// baseCtx bounds background reconnects; cancelled by Destroy.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu            sync.Mutex
	conn          *websocket.Conn
	status        Status
	shouldConnect bool
	lastMessage   time.Time
	pending       *attempt
	cancelRetry   context.CancelFunc
	retrySeq      uint64
	destroyed     bool

	writeMu sync.Mutex

	statusEvents     event.Emitter[Status]
	openEvents       event.Emitter[struct{}]
	connectEvents    event.Emitter[struct{}]
	messageEvents    event.Emitter[[]byte]
	closeEvents      event.Emitter[CloseEvent]
	disconnectEvents event.Emitter[CloseEvent]
	destroyEvents    event.Emitter[struct{}]

	done        chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// NewWebsocket creates a Websocket and starts its liveness check. It does
// not connect; call Connect.
func NewWebsocket(config WebsocketConfig) (*Websocket, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("provider: invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("provider: invalid url scheme %q", u.Scheme)
	}
	if len(config.Parameters) > 0 {
		q := u.Query()
		for k, vs := range config.Parameters {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	config.Retry = config.Retry.withDefaults()
	if config.MessageReconnectTimeout <= 0 {
		config.MessageReconnectTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Websocket{
		config:  config,
		url:     u.String(),
		logger:  config.Logger.With("component", "websocket"),
		baseCtx: ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.livenessLoop()
	return w, nil
}

// URL returns the address dialed, including parameters.
func (w *Websocket) URL() string {
	return w.url
}

// Status returns the current connection status.
func (w *Websocket) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// OnStatus registers fn for status transitions.
func (w *Websocket) OnStatus(fn func(Status)) (off func()) { return w.statusEvents.On(fn) }

// OnOpen registers fn to run when a socket has been dialed, before any
// message arrives.
func (w *Websocket) OnOpen(fn func()) (off func()) {
	return w.openEvents.On(func(struct{}) { fn() })
}

// OnConnect registers fn to run when the first message of a socket
// arrives.
func (w *Websocket) OnConnect(fn func()) (off func()) {
	return w.connectEvents.On(func(struct{}) { fn() })
}

// OnMessage registers fn for every received message.
func (w *Websocket) OnMessage(fn func([]byte)) (off func()) { return w.messageEvents.On(fn) }

// OnClose registers fn for every closed socket.
func (w *Websocket) OnClose(fn func(CloseEvent)) (off func()) { return w.closeEvents.On(fn) }

// OnDisconnect registers fn to run when a connected socket is lost.
func (w *Websocket) OnDisconnect(fn func(CloseEvent)) (off func()) {
	return w.disconnectEvents.On(fn)
}

// OnDestroy registers fn to run from Destroy.
func (w *Websocket) OnDestroy(fn func()) (off func()) {
	return w.destroyEvents.On(func(struct{}) { fn() })
}

func (w *Websocket) setStatusLocked(s Status) bool {
	if w.status == s {
		return false
	}
	w.status = s
	return true
}

// Connect connects and blocks until the first message arrives, the retry
// policy gives up, or ctx is done. It returns immediately when already
// connected. A retry sequence already in flight is cancelled first.
func (w *Websocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	if w.status == StatusConnected {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	// Cancel the sequence when either the caller or Destroy gives up.
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.baseCtx, cancel)
	defer stop()
	defer cancel()

	select {
	case err := <-w.startRetry(ctx):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyOnline reports that the network is back. It starts connecting in
// the background unless connected or stopped.
func (w *Websocket) NotifyOnline() {
	w.mu.Lock()
	skip := w.destroyed || w.status == StatusConnected
	w.mu.Unlock()
	if !skip {
		w.reconnect()
	}
}

// reconnect starts a background retry sequence.
func (w *Websocket) reconnect() {
	result := w.startRetry(w.baseCtx)
	go func() {
		if err := <-result; err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("reconnect failed", "error", err)
		}
	}()
}

// startRetry cancels the sequence in flight and starts a new one. The
// returned channel receives its result.
func (w *Websocket) startRetry(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		result <- ErrDestroyed
		return result
	}
	if w.cancelRetry != nil {
		w.cancelRetry()
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelRetry = cancel
	w.retrySeq++
	seq := w.retrySeq
	w.shouldConnect = true
	w.mu.Unlock()

	go func() {
		defer cancel()
		err := w.retry(ctx)
		if err != nil {
			w.settle(seq)
		}
		result <- err
	}()
	return result
}

// settle marks the socket disconnected after retry sequence seq failed,
// unless a newer sequence has started.
func (w *Websocket) settle(seq uint64) {
	w.mu.Lock()
	changed := false
	if w.retrySeq == seq && w.conn == nil {
		changed = w.setStatusLocked(StatusDisconnected)
	}
	w.mu.Unlock()
	if changed {
		w.statusEvents.Emit(StatusDisconnected)
	}
}

func (w *Websocket) retry(ctx context.Context) error {
	policy := w.config.Retry
	if err := sleep(ctx, policy.InitialDelay); err != nil {
		return err
	}

	for n := 1; ; n++ {
		w.mu.Lock()
		stop := !w.shouldConnect || w.destroyed
		w.mu.Unlock()
		if stop {
			return context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.attempt(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrGaveUp) || ctx.Err() != nil {
			return err
		}
		w.logger.Debug("connection attempt failed", "attempt", n, "error", err)

		if policy.MaxAttempts > 0 && n >= policy.MaxAttempts {
			return fmt.Errorf("%w: %w", ErrMaxAttempts, err)
		}
		if err := sleep(ctx, policy.wait(n)); err != nil {
			return err
		}
	}
}

// attempt dials once and waits for the first message.
func (w *Websocket) attempt(ctx context.Context) error {
	w.mu.Lock()
	old := w.conn
	w.conn = nil
	changed := w.setStatusLocked(StatusConnecting)
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if changed {
		w.statusEvents.Emit(StatusConnecting)
	}

	dialCtx := ctx
	if t := w.config.Retry.Timeout; t > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	conn, _, err := w.config.Dialer.DialContext(dialCtx, w.url, w.config.Header)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrAttemptTimeout
		}
		return fmt.Errorf("provider: dial: %w", err)
	}

	a := &attempt{conn: conn, result: make(chan error, 1)}
	w.mu.Lock()
	if w.destroyed || ctx.Err() != nil {
		w.mu.Unlock()
		conn.Close()
		return context.Canceled
	}
	w.conn = conn
	w.pending = a
	w.lastMessage = time.Time{}
	w.mu.Unlock()

	w.openEvents.Emit(struct{}{})
	go w.readLoop(conn)

	select {
	case err := <-a.result:
		return err
	case <-dialCtx.Done():
		w.mu.Lock()
		if w.pending == a {
			w.pending = nil
		}
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
		if ctx.Err() == nil {
			return ErrAttemptTimeout
		}
		return ctx.Err()
	}
}

func (w *Websocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleClose(conn, err)
			return
		}
		w.handleMessage(conn, data)
	}
}

func (w *Websocket) handleMessage(conn *websocket.Conn, data []byte) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.lastMessage = time.Now()
	a := w.pending
	w.pending = nil
	connected := a != nil && w.setStatusLocked(StatusConnected)
	w.mu.Unlock()

	if a != nil {
		a.result <- nil
		if connected {
			w.statusEvents.Emit(StatusConnected)
		}
		w.connectEvents.Emit(struct{}{})
	}
	w.messageEvents.Emit(data)
}

// handleClose reacts to a lost socket. Unauthorized and MessageTooBig
// stop reconnecting, as does Forbidden with StopOnForbidden. Any other
// close fails the attempt in flight, or starts a new retry sequence when
// the socket had been connected.
func (w *Websocket) handleClose(conn *websocket.Conn, err error) {
	ev := CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev = CloseEvent{Code: ce.Code, Reason: ce.Text}
	}

	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	wasConnected := w.status == StatusConnected

	var refused *protocol.CloseError
	switch ev.Code {
	case protocol.Unauthorized.Code:
		refused = protocol.Unauthorized
	case protocol.MessageTooBig.Code:
		refused = protocol.MessageTooBig
	case protocol.Forbidden.Code:
		if w.config.StopOnForbidden {
			refused = protocol.Forbidden
		}
	}
	if refused != nil {
		w.shouldConnect = false
	}

	a := w.pending
	w.pending = nil
	reconnect := a == nil && w.shouldConnect && !w.destroyed
	disconnected := false
	if wasConnected || !w.shouldConnect || w.destroyed {
		disconnected = w.setStatusLocked(StatusDisconnected)
	}
	w.mu.Unlock()

	switch {
	case refused != nil:
		w.logger.Warn("server refused connection, not reconnecting", "code", ev.Code, "reason", ev.Reason)
	case ev.Code == protocol.Forbidden.Code:
		w.logger.Warn("server refused token, reconnecting", "reason", ev.Reason)
	default:
		w.logger.Debug("socket closed", "code", ev.Code, "reason", ev.Reason)
	}

	w.closeEvents.Emit(ev)
	if disconnected {
		w.statusEvents.Emit(StatusDisconnected)
	}
	if wasConnected || (disconnected && a == nil) {
		w.disconnectEvents.Emit(ev)
	}

	if a != nil {
		if refused != nil {
			a.result <- fmt.Errorf("%w: %w", ErrGaveUp, refused)
		} else {
			a.result <- fmt.Errorf("%w: close %d %s", errClosedEarly, ev.Code, ev.Reason)
		}
		return
	}
	if reconnect {
		w.reconnect()
	}
}

// livenessLoop closes a connected socket that has been silent for
// MessageReconnectTimeout, which triggers a reconnect.
func (w *Websocket) livenessLoop() {
	defer w.wg.Done()

	timeout := w.config.MessageReconnectTimeout
	ticker := time.NewTicker(timeout / 10)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkConnection(timeout)
		}
	}
}

func (w *Websocket) checkConnection(timeout time.Duration) {
	w.mu.Lock()
	conn := w.conn
	stale := w.status == StatusConnected && conn != nil &&
		!w.lastMessage.IsZero() && time.Since(w.lastMessage) > timeout
	w.mu.Unlock()

	if stale {
		w.logger.Debug("no message within timeout, closing socket", "timeout", timeout)
		conn.Close()
	}
}

// Send writes one binary message. It fails with ErrNotConnected when no
// socket is open; a socket still waiting for its first message counts as
// open.
func (w *Websocket) Send(msg []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Disconnect closes the socket and stops reconnecting until the next
// Connect.
func (w *Websocket) Disconnect() {
	w.mu.Lock()
	w.shouldConnect = false
	if w.cancelRetry != nil {
		w.cancelRetry()
		w.cancelRetry = nil
	}
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

// Destroy disconnects, stops the liveness check and drops all listeners.
// It must not be called from a Websocket listener.
func (w *Websocket) Destroy() {
	w.destroyOnce.Do(func() {
		w.destroyEvents.Emit(struct{}{})

		w.mu.Lock()
		w.destroyed = true
		// Drop the attempt in flight so its close is not retried.
		w.pending = nil
		w.mu.Unlock()

		w.Disconnect()
		w.cancel()
		close(w.done)
		w.wg.Wait()

		w.statusEvents.Clear()
		w.openEvents.Clear()
		w.connectEvents.Clear()
		w.messageEvents.Clear()
		w.closeEvents.Clear()
		w.disconnectEvents.Clear()
		w.destroyEvents.Clear()
	})
}
