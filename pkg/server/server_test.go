package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jjgmckenzie/hocuspocus/pkg/awareness"
	"github.com/jjgmckenzie/hocuspocus/pkg/crdt"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, config *Config) (*Server, *httptest.Server) {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	s, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Destroy(ctx)
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("Dial(%q) error = %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *protocol.IncomingMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	in, err := protocol.ReadMessage(data)
	if err != nil {
		t.Fatalf("protocol.ReadMessage() error = %v", err)
	}
	return in
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) *protocol.IncomingMessage {
	t.Helper()
	for {
		in := readMessage(t, conn)
		if in.Type == typ {
			return in
		}
	}
}

// readSync skips messages until a sync message of the given sub-type
// arrives and returns its payload.
func readSync(t *testing.T, conn *websocket.Conn, want protocol.SyncType) []byte {
	t.Helper()
	for {
		in := readUntil(t, conn, protocol.MessageSync)
		sub, err := in.ReadVarUint()
		if err != nil {
			t.Fatalf("read sync type: %v", err)
		}
		if protocol.SyncType(sub) != want {
			continue
		}
		payload, err := in.ReadVarUint8Array()
		if err != nil {
			t.Fatalf("read sync payload: %v", err)
		}
		return payload
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func send(t *testing.T, conn *websocket.Conn, msg []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlainRequestAnswersOK(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/anything")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestRequestHookPreemptsDefault(t *testing.T) {
	_, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Request: func(_ context.Context, p *RequestPayload) error {
			if p.Request.URL.Path == "/teapot" {
				p.Response.WriteHeader(http.StatusTeapot)
				return ErrVeto
			}
			if p.Request.URL.Path == "/broken" {
				return errors.New("boom")
			}
			return nil
		},
	}})

	tests := []struct {
		path string
		want int
	}{
		{"/teapot", http.StatusTeapot},
		{"/broken", http.StatusInternalServerError},
		{"/fine", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s error = %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &Config{MetricsPath: "/metrics"})
	dial(t, ts, "/doc")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hocuspocus_connections_total") {
		t.Errorf("metrics output missing connections_total:\n%s", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, ts := newTestServer(t, &Config{HealthPath: "/healthz"})

	get := func() int {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := get(); got != http.StatusOK {
		t.Fatalf("status = %d, want 200", got)
	}
	s.Destroy(context.Background())
	if got := get(); got != http.StatusServiceUnavailable {
		t.Errorf("status after Destroy = %d, want 503", got)
	}
}

func TestConnectionReceivesSyncStep1(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "/notes")

	in := readMessage(t, conn)
	if in.DocumentName != "notes" {
		t.Errorf("DocumentName = %q, want notes", in.DocumentName)
	}
	if in.Type != protocol.MessageSync {
		t.Fatalf("Type = %v, want Sync", in.Type)
	}
	sub, _ := in.ReadVarUint()
	if protocol.SyncType(sub) != protocol.SyncStep1 {
		t.Errorf("sync type = %v, want step 1", protocol.SyncType(sub))
	}
}

func TestUpdateBroadcastToOtherConnections(t *testing.T) {
	s, ts := newTestServer(t, nil)
	alice := dial(t, ts, "/doc")
	bob := dial(t, ts, "/doc")
	readSync(t, alice, protocol.SyncStep1)
	readSync(t, bob, protocol.SyncStep1)

	local := crdt.New(1)
	if err := local.Set("title", "hello"); err != nil {
		t.Fatal(err)
	}
	update, _ := local.EncodeStateAsUpdate(nil)
	msg, _ := protocol.UpdateMessage("doc", update)
	send(t, alice, msg)

	got := readSync(t, bob, protocol.SyncUpdate)
	remote := crdt.New(2)
	if err := remote.ApplyUpdate(got, nil); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	var title string
	if ok, err := remote.GetInto("title", &title); !ok || err != nil || title != "hello" {
		t.Errorf("title = %q (ok=%v, err=%v), want hello", title, ok, err)
	}

	doc, ok := s.Document("doc")
	if !ok {
		t.Fatal("document not loaded")
	}
	if _, ok := doc.Doc().(*crdt.Doc).Get("title"); !ok {
		t.Error("server document missing title")
	}
}

func TestMalformedUpdateKeepsConnection(t *testing.T) {
	var changes atomic.Int32
	registry := prometheus.NewRegistry()
	_, ts := newTestServer(t, &Config{
		Registry: registry,
		Hooks: &Hooks{
			Change: func(context.Context, *ChangePayload) error {
				changes.Add(1)
				return nil
			},
		},
	})
	alice := dial(t, ts, "/doc")
	bob := dial(t, ts, "/doc")
	readSync(t, alice, protocol.SyncStep1)
	readSync(t, bob, protocol.SyncStep1)

	bad, _ := protocol.UpdateMessage("doc", []byte{0x09})
	send(t, alice, bad)

	local := crdt.New(1)
	if err := local.Set("title", "hello"); err != nil {
		t.Fatal(err)
	}
	update, _ := local.EncodeStateAsUpdate(nil)
	good, _ := protocol.UpdateMessage("doc", update)
	send(t, alice, good)

	got := readSync(t, bob, protocol.SyncUpdate)
	remote := crdt.New(2)
	if err := remote.ApplyUpdate(got, nil); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	var title string
	if ok, err := remote.GetInto("title", &title); !ok || err != nil || title != "hello" {
		t.Errorf("title = %q (ok=%v, err=%v), want hello", title, ok, err)
	}

	send(t, alice, protocol.QueryAwarenessMessage("doc"))
	readUntil(t, alice, protocol.MessageAwareness)

	eventually(t, func() bool { return changes.Load() == 1 }, "change hook did not run for the valid update")
	time.Sleep(50 * time.Millisecond)
	if n := changes.Load(); n != 1 {
		t.Errorf("change hook ran %d times, want 1", n)
	}

	if n := counterValue(t, registry, "hocuspocus_apply_errors_total"); n != 1 {
		t.Errorf("apply_errors_total = %v, want 1", n)
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestSyncStep1AnsweredWithStep2(t *testing.T) {
	s, ts := newTestServer(t, nil)
	conn := dial(t, ts, "/doc")
	readSync(t, conn, protocol.SyncStep1)

	doc, _ := s.Document("doc")
	if err := doc.Doc().(*crdt.Doc).Set("k", 1); err != nil {
		t.Fatal(err)
	}

	local := crdt.New(9)
	step1, _ := protocol.SyncStep1Message("doc", local)
	send(t, conn, step1)

	step2 := readSync(t, conn, protocol.SyncStep2)
	if err := local.ApplyUpdate(step2, nil); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(doc.Doc().EncodeStateVector(), local.EncodeStateVector()); diff != "" {
		t.Errorf("state vectors differ (-server +client):\n%s", diff)
	}
}

func TestMessagesForOtherDocumentsIgnored(t *testing.T) {
	s, ts := newTestServer(t, nil)
	conn := dial(t, ts, "/a")
	readSync(t, conn, protocol.SyncStep1)

	local := crdt.New(1)
	local.Set("x", true)
	update, _ := local.EncodeStateAsUpdate(nil)
	msg, _ := protocol.UpdateMessage("b", update)
	send(t, conn, msg)

	// A message for the right document afterwards proves the first one
	// was consumed.
	send(t, conn, protocol.QueryAwarenessMessage("a"))
	readUntil(t, conn, protocol.MessageAwareness)

	doc, _ := s.Document("a")
	if doc.Doc().(*crdt.Doc).Len() != 0 {
		t.Error("update for another document was applied")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type slowConnect struct {
	rec   *recorder
	delay time.Duration
	err   error
}

func (e *slowConnect) OnConnect(context.Context, *ConnectPayload) (Context, error) {
	e.rec.add("e1 start")
	time.Sleep(e.delay)
	e.rec.add("e1 end")
	return Context{"first": true}, e.err
}

type recordConnect struct {
	rec *recorder
}

func (e *recordConnect) OnConnect(_ context.Context, p *ConnectPayload) (Context, error) {
	e.rec.add("e2 start")
	if p.Context["first"] != true {
		e.rec.add("e2 missing context")
	}
	return nil, nil
}

func TestConnectHooksRunSequentially(t *testing.T) {
	rec := &recorder{}
	_, ts := newTestServer(t, &Config{Extensions: []Extension{
		&slowConnect{rec: rec, delay: 100 * time.Millisecond},
		&recordConnect{rec: rec},
	}})

	conn := dial(t, ts, "/doc")
	readSync(t, conn, protocol.SyncStep1)

	want := []string{"e1 start", "e1 end", "e2 start"}
	if diff := cmp.Diff(want, rec.get()); diff != "" {
		t.Errorf("hook order (-want +got):\n%s", diff)
	}
}

func TestConnectVetoStopsChain(t *testing.T) {
	rec := &recorder{}
	var created atomic.Bool
	s, ts := newTestServer(t, &Config{
		Extensions: []Extension{
			&slowConnect{rec: rec, delay: 10 * time.Millisecond, err: ErrVeto},
			&recordConnect{rec: rec},
		},
		Hooks: &Hooks{CreateDocument: func(context.Context, *CreateDocumentPayload) ([]byte, error) {
			created.Store(true)
			return nil, nil
		}},
	})

	conn := dial(t, ts, "/doc")
	expectClose(t, conn, protocol.Forbidden.Code)

	if diff := cmp.Diff([]string{"e1 start", "e1 end"}, rec.get()); diff != "" {
		t.Errorf("hook order (-want +got):\n%s", diff)
	}
	if created.Load() {
		t.Error("document created after veto")
	}
	if s.DocumentCount() != 0 {
		t.Errorf("DocumentCount() = %d, want 0", s.DocumentCount())
	}
}

func TestConnectFailureUsesCloseCode(t *testing.T) {
	_, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Connect: func(context.Context, *ConnectPayload) (Context, error) {
			return nil, protocol.Unauthorized
		},
	}})

	conn := dial(t, ts, "/doc")
	expectClose(t, conn, protocol.Unauthorized.Code)
}

type denyAll struct{ connects atomic.Int32 }

func (d *denyAll) Admit(string) bool { return false }

func (d *denyAll) OnConnect(context.Context, *ConnectPayload) (Context, error) {
	d.connects.Add(1)
	return nil, nil
}

func TestAdmitterRejectsBeforeHooks(t *testing.T) {
	ext := &denyAll{}
	_, ts := newTestServer(t, &Config{Extensions: []Extension{ext}})

	conn := dial(t, ts, "/doc")
	expectClose(t, conn, websocket.ClosePolicyViolation)
	if n := ext.connects.Load(); n != 0 {
		t.Errorf("OnConnect ran %d times, want 0", n)
	}
}

func TestChangeHookCarriesConnectionContext(t *testing.T) {
	changes := make(chan *ChangePayload, 4)
	_, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Connect: func(_ context.Context, p *ConnectPayload) (Context, error) {
			return Context{"user": p.RequestParameters.Get("user")}, nil
		},
		Change: func(_ context.Context, p *ChangePayload) error {
			changes <- p
			return nil
		},
	}})

	conn := dial(t, ts, "/doc?user=ann")
	readSync(t, conn, protocol.SyncStep1)

	local := crdt.New(1)
	local.Set("k", "v")
	update, _ := local.EncodeStateAsUpdate(nil)
	msg, _ := protocol.UpdateMessage("doc", update)
	send(t, conn, msg)

	select {
	case p := <-changes:
		if p.Context["user"] != "ann" {
			t.Errorf("Context[user] = %v, want ann", p.Context["user"])
		}
		if p.ClientsCount != 1 {
			t.Errorf("ClientsCount = %d, want 1", p.ClientsCount)
		}
		if p.SocketID == "" {
			t.Error("SocketID is empty")
		}
		if p.RequestParameters.Get("user") != "ann" {
			t.Errorf("RequestParameters = %v", p.RequestParameters)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change hook did not run")
	}
}

func TestCreateDocumentHydratesOnce(t *testing.T) {
	stored := crdt.New(42)
	stored.Set("restored", "yes")
	state, _ := stored.EncodeStateAsUpdate(nil)

	var mu sync.Mutex
	calls := 0
	s, ts := newTestServer(t, &Config{Hooks: &Hooks{
		CreateDocument: func(context.Context, *CreateDocumentPayload) ([]byte, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			return state, nil
		},
	}})

	a := dial(t, ts, "/doc")
	b := dial(t, ts, "/doc")
	readSync(t, a, protocol.SyncStep1)
	readSync(t, b, protocol.SyncStep1)

	mu.Lock()
	if calls != 1 {
		t.Errorf("OnCreateDocument calls = %d, want 1", calls)
	}
	mu.Unlock()

	doc, ok := s.Document("doc")
	if !ok {
		t.Fatal("document not loaded")
	}
	if _, ok := doc.Doc().(*crdt.Doc).Get("restored"); !ok {
		t.Error("stored state was not merged")
	}
	if doc.ConnectionCount() != 2 {
		t.Errorf("ConnectionCount() = %d, want 2", doc.ConnectionCount())
	}
}

func TestCreateDocumentFailureClosesSocket(t *testing.T) {
	s, ts := newTestServer(t, &Config{Hooks: &Hooks{
		CreateDocument: func(context.Context, *CreateDocumentPayload) ([]byte, error) {
			return nil, errors.New("storage offline")
		},
	}})

	conn := dial(t, ts, "/doc")
	expectClose(t, conn, protocol.ResetConnection.Code)
	if s.DocumentCount() != 0 {
		t.Errorf("DocumentCount() = %d, want 0", s.DocumentCount())
	}
}

func TestDocumentLifecycle(t *testing.T) {
	counts := make(chan int, 4)
	s, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Disconnect: func(_ context.Context, p *DisconnectPayload) error {
			counts <- p.ClientsCount
			return nil
		},
	}})

	a := dial(t, ts, "/doc")
	readSync(t, a, protocol.SyncStep1)
	first, _ := s.Document("doc")

	b := dial(t, ts, "/doc")
	readSync(t, b, protocol.SyncStep1)
	second, _ := s.Document("doc")
	if first != second {
		t.Fatal("second connection got a different document instance")
	}

	a.Close()
	if n := <-counts; n != 1 {
		t.Errorf("first disconnect ClientsCount = %d, want 1", n)
	}
	if _, ok := s.Document("doc"); !ok {
		t.Fatal("document unloaded while a connection remains")
	}

	b.Close()
	if n := <-counts; n != 0 {
		t.Errorf("second disconnect ClientsCount = %d, want 0", n)
	}
	eventually(t, func() bool {
		_, ok := s.Document("doc")
		return !ok
	}, "document still loaded after last connection left")

	c := dial(t, ts, "/doc")
	readSync(t, c, protocol.SyncStep1)
	third, _ := s.Document("doc")
	if third == first {
		t.Error("reconnect reused the destroyed document")
	}
}

func TestAuthentication(t *testing.T) {
	_, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Authenticate: func(_ context.Context, p *AuthenticatePayload) (Context, error) {
			if p.Token != "secret" {
				return nil, ErrVeto
			}
			return Context{"user": "ann"}, nil
		},
	}})

	t.Run("accepted", func(t *testing.T) {
		conn := dial(t, ts, "/doc")
		msg, _ := protocol.AuthTokenMessage("doc", "secret")
		send(t, conn, msg)

		in := readUntil(t, conn, protocol.MessageAuth)
		typ, scope, err := protocol.ReadAuthMessage(in.Decoder)
		if err != nil || typ != protocol.AuthAuthenticated || scope != protocol.ScopeReadWrite {
			t.Errorf("auth reply = (%v, %q, %v), want authenticated read-write", typ, scope, err)
		}
	})

	t.Run("denied", func(t *testing.T) {
		conn := dial(t, ts, "/doc")
		msg, _ := protocol.AuthTokenMessage("doc", "wrong")
		send(t, conn, msg)

		in := readUntil(t, conn, protocol.MessageAuth)
		typ, _, err := protocol.ReadAuthMessage(in.Decoder)
		if err != nil || typ != protocol.AuthPermissionDenied {
			t.Errorf("auth reply = (%v, %v), want permission denied", typ, err)
		}
		expectClose(t, conn, protocol.Forbidden.Code)
	})
}

func TestAwarenessRelayAndQuery(t *testing.T) {
	_, ts := newTestServer(t, nil)
	alice := dial(t, ts, "/doc")
	bob := dial(t, ts, "/doc")
	readSync(t, alice, protocol.SyncStep1)
	readSync(t, bob, protocol.SyncStep1)

	presence := awareness.New(7, awareness.WithoutSweep())
	defer presence.Destroy()
	presence.SetLocalState(awareness.State{"name": "alice"})
	update, _ := presence.EncodeUpdate([]uint64{7})
	msg, _ := protocol.AwarenessMessage("doc", update)
	send(t, alice, msg)

	// The change is relayed to bob.
	readUntil(t, bob, protocol.MessageAwareness)

	send(t, bob, protocol.QueryAwarenessMessage("doc"))
	in := readUntil(t, bob, protocol.MessageAwareness)
	payload, err := in.ReadVarUint8Array()
	if err != nil {
		t.Fatal(err)
	}

	view := awareness.New(99, awareness.WithoutSweep())
	defer view.Destroy()
	if err := view.ApplyUpdate(payload, nil); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if got := view.States()[7]; got["name"] != "alice" {
		t.Errorf("state of 7 = %v, want name=alice", got)
	}
}

func TestDisconnectRemovesAwarenessStates(t *testing.T) {
	s, ts := newTestServer(t, nil)
	alice := dial(t, ts, "/doc")
	bob := dial(t, ts, "/doc")
	readSync(t, alice, protocol.SyncStep1)
	readSync(t, bob, protocol.SyncStep1)

	presence := awareness.New(7, awareness.WithoutSweep())
	defer presence.Destroy()
	presence.SetLocalState(awareness.State{"name": "alice"})
	update, _ := presence.EncodeUpdate([]uint64{7})
	msg, _ := protocol.AwarenessMessage("doc", update)
	send(t, alice, msg)
	readUntil(t, bob, protocol.MessageAwareness)

	alice.Close()

	doc, _ := s.Document("doc")
	eventually(t, func() bool {
		_, ok := doc.Awareness().States()[7]
		return !ok
	}, "awareness state of departed client still present")
}

func TestStatelessHook(t *testing.T) {
	got := make(chan string, 1)
	_, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Stateless: func(_ context.Context, p *StatelessPayload) error {
			got <- p.Payload
			return p.Connection.SendStateless("pong")
		},
	}})

	conn := dial(t, ts, "/doc")
	send(t, conn, protocol.StatelessMessage("doc", "ping"))

	select {
	case payload := <-got:
		if payload != "ping" {
			t.Errorf("payload = %q, want ping", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stateless hook did not run")
	}

	in := readUntil(t, conn, protocol.MessageStateless)
	if reply, _ := in.ReadVarString(); reply != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}
}

func TestOversizedMessageCloses(t *testing.T) {
	_, ts := newTestServer(t, &Config{MaxMessageSize: 64})
	conn := dial(t, ts, "/doc")
	readSync(t, conn, protocol.SyncStep1)

	send(t, conn, protocol.StatelessMessage("doc", strings.Repeat("x", 1024)))
	expectClose(t, conn, protocol.MessageTooBig.Code)
}

func TestIdleConnectionTimesOut(t *testing.T) {
	s, ts := newTestServer(t, &Config{Timeout: 100 * time.Millisecond})
	conn := dial(t, ts, "/doc")

	expectClose(t, conn, protocol.ConnectionTimeout.Code)
	eventually(t, func() bool { return s.ConnectionCount() == 0 }, "connection still registered")
}

func TestDestroyClosesConnections(t *testing.T) {
	destroyed := make(chan struct{})
	disconnects := make(chan struct{}, 1)
	s, ts := newTestServer(t, &Config{Hooks: &Hooks{
		Disconnect: func(context.Context, *DisconnectPayload) error {
			disconnects <- struct{}{}
			return nil
		},
		Destroy: func(context.Context, *DestroyPayload) error {
			close(destroyed)
			return nil
		},
	}})

	conn := dial(t, ts, "/doc")
	readSync(t, conn, protocol.SyncStep1)

	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	expectClose(t, conn, protocol.ResetConnection.Code)

	select {
	case <-disconnects:
	default:
		t.Error("disconnect hook did not run before Destroy returned")
	}
	select {
	case <-destroyed:
	default:
		t.Error("destroy hook did not run")
	}
	if s.DocumentCount() != 0 {
		t.Errorf("DocumentCount() = %d, want 0", s.DocumentCount())
	}
}

func TestConfigureHookFailureFailsNew(t *testing.T) {
	_, err := New(&Config{
		Logger: quietLogger(),
		Hooks: &Hooks{Configure: func(_ context.Context, p *ConfigurePayload) error {
			if p.Version != Version {
				t.Errorf("Version = %q, want %q", p.Version, Version)
			}
			return errors.New("bad config")
		}},
	})

	var herr *HookError
	if !errors.As(err, &herr) || herr.Hook != "onConfigure" {
		t.Fatalf("New() error = %v, want onConfigure HookError", err)
	}
}

func TestServersAreIndependent(t *testing.T) {
	s1, ts1 := newTestServer(t, nil)
	s2, _ := newTestServer(t, nil)

	conn := dial(t, ts1, "/doc")
	readSync(t, conn, protocol.SyncStep1)

	if s1.DocumentCount() != 1 || s2.DocumentCount() != 0 {
		t.Errorf("document counts = %d, %d; want 1, 0", s1.DocumentCount(), s2.DocumentCount())
	}
}
