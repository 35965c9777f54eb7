package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/jjgmckenzie/hocuspocus/pkg/crdt"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type received struct {
	Event   Event          `json:"event"`
	Payload map[string]any `json:"payload"`
}

// endpoint records requests and answers them with respond.
type endpoint struct {
	t       *testing.T
	secret  []byte
	respond func(ev Event) (int, string)

	mu       sync.Mutex
	requests []received
}

func newEndpoint(t *testing.T, secret string, respond func(Event) (int, string)) (*endpoint, *httptest.Server) {
	ep := &endpoint{t: t, secret: []byte(secret), respond: respond}
	ts := httptest.NewServer(ep)
	t.Cleanup(ts.Close)
	return ep, ts
}

func (ep *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !Verify(ep.secret, body, r.Header.Get(SignatureHeader)) {
		ep.t.Errorf("bad signature %q", r.Header.Get(SignatureHeader))
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		ep.t.Errorf("Content-Type = %q", ct)
	}

	var req received
	if err := sonnet.Unmarshal(body, &req); err != nil {
		ep.t.Errorf("decode body: %v", err)
	}
	ep.mu.Lock()
	ep.requests = append(ep.requests, req)
	ep.mu.Unlock()

	status, answer := http.StatusOK, ""
	if ep.respond != nil {
		status, answer = ep.respond(req.Event)
	}
	w.WriteHeader(status)
	io.WriteString(w, answer)
}

func (ep *endpoint) events() []Event {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]Event, len(ep.requests))
	for i, r := range ep.requests {
		out[i] = r.Event
	}
	return out
}

func (ep *endpoint) last() received {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.requests[len(ep.requests)-1]
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"change"}`)
	sig := Sign([]byte("secret"), body)
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("Sign() = %q", sig)
	}
	if !Verify([]byte("secret"), body, sig) {
		t.Error("Verify() = false for own signature")
	}
	if Verify([]byte("other"), body, sig) {
		t.Error("Verify() = true with wrong secret")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without url error = nil")
	}
	ext, err := New(Config{URL: "http://localhost"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Event{EventChange}, ext.events); diff != "" {
		t.Errorf("default events (-want +got):\n%s", diff)
	}
}

func TestConnectAnswerBecomesContext(t *testing.T) {
	ep, ts := newEndpoint(t, "s3cret", func(Event) (int, string) {
		return http.StatusOK, `{"user":"ada","admin":true}`
	})
	ext, _ := New(Config{URL: ts.URL, Secret: "s3cret", Events: []Event{EventConnect}, Logger: quiet})

	got, err := ext.OnConnect(context.Background(), &server.ConnectPayload{
		DocumentName:      "notes",
		RequestHeaders:    http.Header{"X-Test": {"1"}},
		RequestParameters: url.Values{"token": {"abc"}},
	})
	if err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}
	if diff := cmp.Diff(server.Context{"user": "ada", "admin": true}, got); diff != "" {
		t.Errorf("context (-want +got):\n%s", diff)
	}

	req := ep.last()
	if req.Event != EventConnect || req.Payload["documentName"] != "notes" {
		t.Errorf("request = %+v", req)
	}
	params, _ := req.Payload["requestParameters"].(map[string]any)
	if params["token"] != "abc" {
		t.Errorf("requestParameters = %v", req.Payload["requestParameters"])
	}
}

func TestConnectRefusalIsForbidden(t *testing.T) {
	_, ts := newEndpoint(t, "", func(Event) (int, string) {
		return http.StatusUnauthorized, ""
	})
	ext, _ := New(Config{URL: ts.URL, Events: []Event{EventConnect}, Logger: quiet})

	_, err := ext.OnConnect(context.Background(), &server.ConnectPayload{DocumentName: "d"})
	if !errors.Is(err, protocol.Forbidden) {
		t.Errorf("OnConnect() error = %v, want Forbidden", err)
	}
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("OnConnect() error = %v, want ErrRequestFailed", err)
	}
}

func TestDisabledEventsSendNothing(t *testing.T) {
	ep, ts := newEndpoint(t, "", nil)
	ext, _ := New(Config{URL: ts.URL, Events: []Event{EventChange}, Logger: quiet})

	if _, err := ext.OnConnect(context.Background(), &server.ConnectPayload{}); err != nil {
		t.Fatal(err)
	}
	if err := ext.OnDisconnect(context.Background(), &server.DisconnectPayload{}); err != nil {
		t.Fatal(err)
	}
	if got := ep.events(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestDisconnectFailureIsLoggedOnly(t *testing.T) {
	_, ts := newEndpoint(t, "", func(Event) (int, string) {
		return http.StatusInternalServerError, ""
	})
	ext, _ := New(Config{URL: ts.URL, Events: []Event{EventDisconnect}, Logger: quiet})

	if err := ext.OnDisconnect(context.Background(), &server.DisconnectPayload{DocumentName: "d"}); err != nil {
		t.Errorf("OnDisconnect() error = %v, want nil", err)
	}
}

func TestCreateHydratesDocument(t *testing.T) {
	seed := crdt.New(9)
	seed.Set("title", "from webhook")
	state, _ := seed.EncodeStateAsUpdate(nil)
	answer := `{"state":"` + base64.StdEncoding.EncodeToString(state) + `"}`

	_, ts := newEndpoint(t, "", func(Event) (int, string) { return http.StatusOK, answer })
	ext, _ := New(Config{URL: ts.URL, Events: []Event{EventCreate}, Logger: quiet})

	s, srv := startServer(t, ext)
	conn := dial(t, srv, "page")
	defer conn.Close()

	doc, ok := s.Document("page")
	if !ok {
		t.Fatal("document not loaded")
	}
	var title string
	if ok, _ := doc.Doc().(*crdt.Doc).GetInto("title", &title); !ok || title != "from webhook" {
		t.Errorf("title = %q", title)
	}
}

func TestCreateFailureStartsEmpty(t *testing.T) {
	_, ts := newEndpoint(t, "", func(Event) (int, string) { return http.StatusBadGateway, "" })
	ext, _ := New(Config{URL: ts.URL, Events: []Event{EventCreate}, Logger: quiet})

	s, srv := startServer(t, ext)
	conn := dial(t, srv, "page")
	defer conn.Close()

	doc, ok := s.Document("page")
	if !ok {
		t.Fatal("document not loaded")
	}
	if n := doc.Doc().(*crdt.Doc).Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestChangeIsDebouncedAndCarriesDocument(t *testing.T) {
	ep, ts := newEndpoint(t, "", nil)
	ext, _ := New(Config{URL: ts.URL, Debounce: 50 * time.Millisecond, Logger: quiet})

	_, srv := startServer(t, ext)
	conn := dial(t, srv, "page")
	defer conn.Close()

	local := crdt.New(5)
	for _, v := range []string{"a", "b", "c"} {
		local.Set("k", v)
	}
	update, _ := local.EncodeStateAsUpdate(nil)
	msg, _ := protocol.UpdateMessage("page", update)
	conn.WriteMessage(websocket.BinaryMessage, msg)

	deadline := time.Now().Add(2 * time.Second)
	for len(ep.events()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if diff := cmp.Diff([]Event{EventChange}, ep.events()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	req := ep.last()
	if diff := cmp.Diff(map[string]any{"k": "c"}, req.Payload["document"]); diff != "" {
		t.Errorf("document (-want +got):\n%s", diff)
	}
}

func TestConnectRefusalClosesSocket(t *testing.T) {
	_, ts := newEndpoint(t, "", func(Event) (int, string) { return http.StatusForbidden, "" })
	ext, _ := New(Config{URL: ts.URL, Events: []Event{EventConnect}, Logger: quiet})

	_, srv := startServer(t, ext)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/page"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != protocol.Forbidden.Code {
		t.Errorf("ReadMessage() error = %v, want close %d", err, protocol.Forbidden.Code)
	}
}

func startServer(t *testing.T, ext *Extension) (*server.Server, *httptest.Server) {
	t.Helper()
	s, err := server.New(&server.Config{Extensions: []server.Extension{ext}, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Destroy(context.Background())
		ts.Close()
	})
	return s, ts
}

// dial connects and waits for the server's first message.
func dial(t *testing.T, ts *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return conn
}
