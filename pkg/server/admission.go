package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// throttled is the close frame sent to refused IPs.
var throttled = &protocol.CloseError{Code: websocket.ClosePolicyViolation, Reason: "Too Many Requests"}

// admit runs the admission sequence for a freshly upgraded socket:
// admission check, socket id, OnConnect, document load, attach. Each
// phase starts only after the previous one has finished.
func (s *Server) admit(r *http.Request, ws *websocket.Conn) {
	ip := clientIP(r)
	for _, ext := range s.extensions {
		if a, ok := ext.(Admitter); ok && !a.Admit(ip) {
			s.logger.Debug("connection throttled", "ip", ip)
			s.metrics.reject("throttled")
			closeSocket(ws, throttled)
			return
		}
	}

	socketID := uuid.NewString()
	name := documentName(r)
	attrs := connectionAttrs(name, socketID)
	attrs = append(attrs, attrClientIP.String(ip))

	payload := &ConnectPayload{
		DocumentName:      name,
		RequestHeaders:    r.Header,
		RequestParameters: r.URL.Query(),
		SocketID:          socketID,
		ClientIP:          ip,
		Context:           Context{},
	}
	res := runHooks(r.Context(), s, "onConnect", attrs, func(ctx context.Context, h ConnectHook) error {
		additions, err := h.OnConnect(ctx, payload)
		if err != nil {
			return err
		}
		payload.Context = payload.Context.merge(additions)
		return nil
	})
	if !res.OK() {
		if res.Outcome == OutcomeFail {
			s.logger.Error("connect hook failed", "document", name, "socket_id", socketID, "error", res.Err)
		}
		s.metrics.reject("connect")
		closeSocket(ws, closeErrorFor(res.Err, protocol.Forbidden))
		return
	}

	c, err := s.attach(r, ws, name, socketID, payload.Context)
	if err != nil {
		s.logger.Error("load document", "document", name, "socket_id", socketID, "error", err)
		s.metrics.reject("document")
		closeSocket(ws, closeErrorFor(err, protocol.ResetConnection))
		return
	}

	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsActive.Inc()
	c.logger.Debug("connection opened")
	c.start()
}

// attach gets or creates the named document and attaches a new connection
// to it. The connection is registered under s.mu so that a document being
// emptied concurrently is either kept alive by it or replaced.
func (s *Server) attach(r *http.Request, ws *websocket.Conn, name, socketID string, ctx Context) (*Connection, error) {
	for {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return nil, ErrServerDestroyed
		}
		e, ok := s.documents[name]
		if !ok {
			e = &docEntry{ready: make(chan struct{})}
			s.documents[name] = e
		}
		s.mu.Unlock()

		if !ok {
			s.createDocument(e, name, r, socketID, ctx)
		}
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}

		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return nil, ErrServerDestroyed
		}
		if s.documents[name] != e {
			// Emptied and removed while we waited.
			s.mu.Unlock()
			continue
		}
		c := newConnection(s, ws, e.doc, socketID, r, ctx)
		e.doc.addConnection(c)
		s.connections[c] = struct{}{}
		s.mu.Unlock()
		return c, nil
	}
}

// createDocument builds the document for e, runs the OnCreateDocument
// hooks, merging any state they return, and publishes the result.
func (s *Server) createDocument(e *docEntry, name string, r *http.Request, socketID string, ctx Context) {
	doc := newDocument(name, s.config.NewDocument(name), s.logger)

	res := runHooks(s.baseCtx, s, "onCreateDocument", connectionAttrs(name, socketID), func(hctx context.Context, h CreateDocumentHook) error {
		state, err := h.OnCreateDocument(hctx, &CreateDocumentPayload{
			Document:          doc,
			DocumentName:      name,
			Context:           ctx,
			RequestHeaders:    r.Header,
			RequestParameters: r.URL.Query(),
			SocketID:          socketID,
		})
		if err != nil {
			return err
		}
		if err := doc.Merge(state); err != nil {
			return fmt.Errorf("merge stored state: %w", err)
		}
		return nil
	})

	s.mu.Lock()
	switch {
	case !res.OK():
		e.err = fmt.Errorf("%w: %w", ErrDocumentUnavailable, res.Err)
	case s.destroyed:
		e.err = ErrServerDestroyed
	default:
		e.doc = doc
		doc.OnUpdate(s.handleChange)
		s.metrics.documentsActive.Inc()
	}
	if e.err != nil {
		delete(s.documents, name)
	}
	close(e.ready)
	s.mu.Unlock()

	if e.err != nil {
		doc.destroy()
		return
	}
	s.logger.Debug("document created", "document", name)
}

// handleChange runs the OnChange hooks for one content change. Changes
// made by a client carry that client's context and request data.
func (s *Server) handleChange(u DocumentUpdate) {
	p := &ChangePayload{
		Document:     u.Document,
		DocumentName: u.Document.Name(),
		Update:       u.Update,
		ClientsCount: u.Document.ConnectionCount(),
	}
	if c := u.Origin; c != nil {
		p.Context = c.Context()
		p.RequestHeaders = c.headers
		p.RequestParameters = c.parameters
		p.SocketID = c.id
	}

	res := runHooks(s.baseCtx, s, "onChange", connectionAttrs(p.DocumentName, p.SocketID), func(ctx context.Context, h ChangeHook) error {
		return h.OnChange(ctx, p)
	})
	if res.Outcome == OutcomeFail {
		s.logger.Error("change hook failed", "document", p.DocumentName, "error", res.Err)
	}
}

func (s *Server) handleStateless(c *Connection, payload string) {
	res := runHooks(s.baseCtx, s, "onStateless", connectionAttrs(c.document.Name(), c.id), func(ctx context.Context, h StatelessHook) error {
		return h.OnStateless(ctx, &StatelessPayload{
			Document:     c.document,
			DocumentName: c.document.Name(),
			Connection:   c,
			Payload:      payload,
		})
	})
	if res.Outcome == OutcomeFail {
		c.logger.Error("stateless hook failed", "error", res.Err)
	}
}

// authenticate runs the OnAuthenticate hooks for a token sent by c. On
// success the contributed context is merged into the connection.
func (s *Server) authenticate(c *Connection, token string) Result {
	p := &AuthenticatePayload{
		Document:          c.document,
		DocumentName:      c.document.Name(),
		Token:             token,
		RequestHeaders:    c.headers,
		RequestParameters: c.parameters,
		SocketID:          c.id,
		Context:           c.Context(),
	}
	res := runHooks(s.baseCtx, s, "onAuthenticate", connectionAttrs(p.DocumentName, c.id), func(ctx context.Context, h AuthenticateHook) error {
		additions, err := h.OnAuthenticate(ctx, p)
		if err != nil {
			return err
		}
		p.Context = p.Context.merge(additions)
		return nil
	})
	if res.OK() {
		c.mergeContext(p.Context)
	}
	return res
}

// handleClose detaches a closed connection, runs the OnDisconnect hooks
// and unloads the document if it has no connections left.
func (s *Server) handleClose(c *Connection) {
	s.mu.Lock()
	_, registered := s.connections[c]
	delete(s.connections, c)
	s.mu.Unlock()
	if !registered {
		return
	}

	doc := c.document
	doc.removeConnection(c)
	s.metrics.connectionsActive.Dec()
	c.logger.Debug("connection closed")

	res := runHooks(s.baseCtx, s, "onDisconnect", connectionAttrs(doc.Name(), c.id), func(ctx context.Context, h DisconnectHook) error {
		return h.OnDisconnect(ctx, &DisconnectPayload{
			Document:          doc,
			DocumentName:      doc.Name(),
			Context:           c.Context(),
			ClientsCount:      doc.ConnectionCount(),
			RequestHeaders:    c.headers,
			RequestParameters: c.parameters,
			SocketID:          c.id,
		})
	})
	if res.Outcome == OutcomeFail {
		c.logger.Error("disconnect hook failed", "error", res.Err)
	}

	s.removeIfEmpty(doc)
}

// removeIfEmpty unloads doc if it is still the table's entry for its name
// and has no connections.
func (s *Server) removeIfEmpty(doc *Document) {
	s.mu.Lock()
	e, ok := s.documents[doc.Name()]
	if !ok || e.doc != doc || doc.ConnectionCount() > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.documents, doc.Name())
	s.metrics.documentsActive.Dec()
	s.mu.Unlock()

	doc.destroy()
	s.logger.Debug("document unloaded", "document", doc.Name())
}

func closeErrorFor(err error, fallback *protocol.CloseError) *protocol.CloseError {
	if ce, ok := protocol.CloseErrorFrom(err); ok {
		return ce
	}
	return fallback
}

// closeSocket closes a socket that never became a Connection.
func closeSocket(ws *websocket.Conn, ce *protocol.CloseError) {
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(ce.Code, ce.Reason),
		time.Now().Add(time.Second),
	)
	_ = ws.Close()
}
