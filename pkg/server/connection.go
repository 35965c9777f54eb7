package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	StateOpen ConnectionState = iota
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one client socket attached to one Document.
type Connection struct {
	id       string
	conn     *websocket.Conn
	document *Document
	server   *Server

	headers    http.Header
	parameters url.Values

	ctxMu   sync.RWMutex
	context Context

	timeout      time.Duration
	writeTimeout time.Duration

	state atomic.Int32

	// writeMu serializes writes to the socket.
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

func newConnection(s *Server, conn *websocket.Conn, doc *Document, socketID string, r *http.Request, ctx Context) *Connection {
	c := &Connection{
		id:           socketID,
		conn:         conn,
		document:     doc,
		server:       s,
		headers:      r.Header.Clone(),
		parameters:   r.URL.Query(),
		context:      ctx,
		timeout:      s.config.Timeout,
		writeTimeout: s.config.WriteTimeout,
		done:         make(chan struct{}),
		logger:       s.logger.With("component", "connection", "socket_id", socketID, "document", doc.Name()),
	}
	return c
}

// SocketID returns the server-generated socket id.
func (c *Connection) SocketID() string {
	return c.id
}

// Document returns the document this connection is attached to.
func (c *Connection) Document() *Document {
	return c.document
}

// State returns the lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Context returns a copy of the connection context.
func (c *Connection) Context() Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return Context(nil).merge(c.context)
}

// RequestHeaders returns the headers of the upgrade request.
func (c *Connection) RequestHeaders() http.Header {
	return c.headers
}

// RequestParameters returns the query parameters of the upgrade request.
func (c *Connection) RequestParameters() url.Values {
	return c.parameters
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send writes one binary message.
func (c *Connection) Send(msg []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return &ConnectionError{SocketID: c.id, Document: c.document.Name(), Op: "write", Err: err}
	}
	c.server.metrics.sent(len(msg))
	return nil
}

// SendStateless sends an application payload to this client only.
func (c *Connection) SendStateless(payload string) error {
	return c.Send(protocol.StatelessMessage(c.document.Name(), payload))
}

// start sends the opening SyncStep1 and the current awareness states, then
// runs the read loop until the socket closes.
func (c *Connection) start() {
	step1, err := protocol.SyncStep1Message(c.document.Name(), c.document.Doc())
	if err == nil {
		err = c.Send(step1)
	}
	if err != nil {
		c.logger.Warn("send sync step 1", "error", err)
	}

	if clients := c.document.Awareness().Clients(); len(clients) > 0 {
		if update, err := c.document.Awareness().EncodeUpdate(clients); err == nil {
			if msg, err := protocol.AwarenessMessage(c.document.Name(), update); err == nil {
				_ = c.Send(msg)
			}
		}
	}

	go c.readLoop()
}

// readLoop reads messages until the socket fails or the idle timeout
// passes without any data.
func (c *Connection) readLoop() {
	defer c.Close(nil)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.logger.Debug("idle timeout")
				c.Close(protocol.ConnectionTimeout)
			case errors.Is(err, websocket.ErrReadLimit):
				c.Close(protocol.MessageTooBig)
			case websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived):
				c.logger.Warn("read error", "error", err)
			}
			return
		}

		c.server.metrics.bytesReceived.Add(float64(len(msg)))
		c.handleMessage(msg)

		if c.State() != StateOpen {
			return
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	in, err := protocol.ReadMessage(data)
	if err != nil {
		c.logger.Warn("message decode error", "error", err)
		return
	}
	if in.DocumentName != c.document.Name() {
		c.logger.Debug("message for another document", "target", in.DocumentName)
		return
	}
	c.server.metrics.messagesReceived.WithLabelValues(in.Type.String()).Inc()

	switch in.Type {
	case protocol.MessageSync:
		c.handleSync(in)

	case protocol.MessageAwareness:
		update, err := in.ReadVarUint8Array()
		if err != nil {
			c.logger.Warn("awareness decode error", "error", err)
			return
		}
		if err := c.document.Awareness().ApplyUpdate(update, c); err != nil {
			c.logger.Warn("awareness apply error", "error", err)
		}

	case protocol.MessageAuth:
		c.handleAuth(in)

	case protocol.MessageQueryAwareness:
		update, err := c.document.Awareness().EncodeAll()
		if err != nil {
			c.logger.Error("encode awareness", "error", err)
			return
		}
		msg, _ := protocol.AwarenessMessage(c.document.Name(), update)
		_ = c.Send(msg)

	case protocol.MessageStateless:
		payload, err := in.ReadVarString()
		if err != nil {
			c.logger.Warn("stateless decode error", "error", err)
			return
		}
		c.server.handleStateless(c, payload)

	case protocol.MessageClose:
		c.Close(nil)

	default:
		c.logger.Warn("unknown message type", "type", in.Type)
	}
}

func (c *Connection) handleSync(in *protocol.IncomingMessage) {
	reply := protocol.NewMessage(c.document.Name(), protocol.MessageSync)
	header := reply.Len()

	typ, err := protocol.ReadSyncMessage(in.Decoder, reply, c.document.Doc(), c)
	if err != nil {
		var applyErr *protocol.ApplyError
		if errors.As(err, &applyErr) {
			c.server.metrics.applyErrors.Inc()
			c.logger.Error("apply update", "type", typ, "error", err)
		} else {
			c.logger.Warn("sync decode error", "error", err)
		}
		return
	}
	if reply.Len() > header {
		if err := c.Send(reply.Bytes()); err != nil {
			c.logger.Debug("send sync reply", "error", err)
		}
	}
}

func (c *Connection) handleAuth(in *protocol.IncomingMessage) {
	typ, token, err := protocol.ReadAuthMessage(in.Decoder)
	if err != nil {
		c.logger.Warn("auth decode error", "error", err)
		return
	}
	if typ != protocol.AuthToken {
		return
	}

	res := c.server.authenticate(c, token)
	if !res.OK() {
		reason := protocol.Forbidden.Reason
		if res.Outcome == OutcomeFail {
			c.logger.Warn("authentication failed", "error", res.Err)
		}
		_ = c.Send(protocol.PermissionDeniedMessage(c.document.Name(), reason))
		c.Close(closeErrorFor(res.Err, protocol.Forbidden))
		return
	}
	_ = c.Send(protocol.AuthenticatedMessage(c.document.Name(), protocol.ScopeReadWrite))
}

func (c *Connection) mergeContext(additions Context) {
	c.ctxMu.Lock()
	c.context = c.context.merge(additions)
	c.ctxMu.Unlock()
}

// Close closes the socket, detaches from the document and runs the
// disconnect hooks. A nil code closes normally. Safe to call more than once.
func (c *Connection) Close(ce *protocol.CloseError) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		code, reason := websocket.CloseNormalClosure, ""
		if ce != nil {
			code, reason = ce.Code, ce.Reason
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.conn.Close()

		c.state.Store(int32(StateClosed))
		close(c.done)

		c.server.handleClose(c)
	})
}
