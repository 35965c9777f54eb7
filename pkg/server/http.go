package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	if websocket.IsWebSocketUpgrade(r) {
		s.handleUpgrade(ww, r)
		return
	}
	s.handleRequest(ww, r)
}

// handleRequest answers plain HTTP requests. OnRequest hooks run first;
// a hook that wants to answer the request itself writes the response and
// returns ErrVeto.
func (s *Server) handleRequest(w middleware.WrapResponseWriter, r *http.Request) {
	res := runHooks(r.Context(), s, "onRequest", nil, func(ctx context.Context, h RequestHook) error {
		return h.OnRequest(ctx, &RequestPayload{Request: r, Response: w})
	})
	if !res.OK() {
		s.finishRejected(w, r, res)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

// serveHealth reports 503 once the server is being destroyed.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "OK")
}

// handleUpgrade runs the OnUpgrade hooks, accepts the WebSocket and hands
// it to admission.
func (s *Server) handleUpgrade(w middleware.WrapResponseWriter, r *http.Request) {
	header := http.Header{}
	res := runHooks(r.Context(), s, "onUpgrade", nil, func(ctx context.Context, h UpgradeHook) error {
		return h.OnUpgrade(ctx, &UpgradePayload{Request: r, Response: w, ResponseHeader: header})
	})
	if !res.OK() {
		s.finishRejected(w, r, res)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already written an error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	s.admit(r, conn)
}

// finishRejected completes a request whose hooks stopped the default
// handling. Hooks that veto usually write their own response; when none
// was written the client gets 403 for a veto and 500 for a failure.
func (s *Server) finishRejected(w middleware.WrapResponseWriter, r *http.Request, res Result) {
	status := http.StatusForbidden
	if res.Outcome == OutcomeFail {
		status = http.StatusInternalServerError
		s.logger.Error("request hook failed", "path", r.URL.Path, "error", res.Err)
	}
	if w.Status() == 0 {
		http.Error(w, http.StatusText(status), status)
	}
}

// documentName maps a request path to a document name: the path without
// its leading slash.
func documentName(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/")
}
