package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/channel"
	"github.com/termlink/termlink/internal/manager"
	"github.com/termlink/termlink/internal/protocol"
)

func TestTokenBucketRefills(t *testing.T) {
	now := time.Unix(0, 0)
	b := newTokenBucket(2, 1)
	b.nowFn = func() time.Time { return now }
	b.last = now
	b.tokens = 2

	if !b.allow() || !b.allow() {
		t.Fatal("burst tokens should be available")
	}
	if b.allow() {
		t.Fatal("bucket should be empty after the burst")
	}

	now = now.Add(1 * time.Second)
	if !b.allow() {
		t.Fatal("one token should have refilled after a second")
	}
	if b.allow() {
		t.Fatal("only one token should have refilled")
	}
}

func TestTokenBucketCapsAtBurst(t *testing.T) {
	now := time.Unix(0, 0)
	b := newTokenBucket(3, 10)
	b.nowFn = func() time.Time { return now }
	b.last = now
	b.tokens = 0

	now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if b.allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want burst cap 3", allowed)
	}
}

// fakeBackend spawns nothing and reports ready immediately.
type fakeBackend struct {
	cb backend.Callbacks

	mu      sync.Mutex
	started []backend.Spec
	writes  map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{writes: make(map[string]string)}
}

func (f *fakeBackend) factory(cb backend.Callbacks) backend.Backend {
	f.cb = cb
	return f
}

func (f *fakeBackend) Probe() error { return nil }

func (f *fakeBackend) Start(spec backend.Spec) error {
	f.mu.Lock()
	f.started = append(f.started, spec)
	f.mu.Unlock()
	f.cb.OnReady(spec.TerminalID)
	return nil
}

func (f *fakeBackend) Write(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] += string(data)
	return nil
}

func (f *fakeBackend) Resize(string, int, int) error { return nil }
func (f *fakeBackend) Close(string) error            { return nil }
func (f *fakeBackend) CloseAll()                     {}

// wsClient wraps one test connection to the hub endpoint.
type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialHub(t *testing.T, h *Hub) *wsClient {
	t.Helper()
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/terminal"
	ws, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(msg channel.ClientMessage) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) recv() channel.ServerMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := channel.DecodeServerMessage(data)
	if err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func TestHubCreateWriteFlow(t *testing.T) {
	be := newFakeBackend()
	h := New("sess-1", manager.Config{Env: []string{"PATH=/usr/bin"}}, be.factory, nil)
	c := dialHub(t, h)

	c.send(channel.CreateMessage{
		Event: channel.EventCreate, SessionID: "sess-1", TerminalID: "t1",
		Cols: 80, Rows: 24,
	})

	ready, ok := c.recv().(channel.ReadyMessage)
	if !ok || ready.TerminalID != "t1" {
		t.Fatalf("expected ready for t1, got %+v", ready)
	}

	c.send(channel.WriteMessage{
		Event: channel.EventWrite, SessionID: "sess-1", TerminalID: "t1",
		Data: "echo hi\n",
	})
	// Terminal output flows back base64-encoded.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		be.mu.Lock()
		got := be.writes["t1"]
		be.mu.Unlock()
		if got == "echo hi\n" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	be.cb.OnOutput("t1", []byte("hi\n"))
	out, ok := c.recv().(channel.OutputMessage)
	if !ok {
		t.Fatal("expected output message")
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil || string(decoded) != "hi\n" {
		t.Errorf("output = %q (%v)", out.Data, err)
	}

	be.cb.OnExit("t1", 0, "")
	exit, ok := c.recv().(channel.ExitMessage)
	if !ok || exit.TerminalID != "t1" {
		t.Fatalf("expected exit for t1, got %+v", exit)
	}
}

func TestHubRejectsWrongSession(t *testing.T) {
	be := newFakeBackend()
	h := New("sess-1", manager.Config{Env: []string{}}, be.factory, nil)
	c := dialHub(t, h)

	c.send(channel.CreateMessage{
		Event: channel.EventCreate, SessionID: "someone-else", TerminalID: "t1",
		Cols: 80, Rows: 24,
	})

	errMsg, ok := c.recv().(channel.ErrorMessage)
	if !ok || errMsg.Code != protocol.CodeSessionUnavailable {
		t.Fatalf("expected session_unavailable, got %+v", errMsg)
	}
	be.mu.Lock()
	started := len(be.started)
	be.mu.Unlock()
	if started != 0 {
		t.Error("wrong-session create must not spawn")
	}
}

func TestHubAttachReplaysOutput(t *testing.T) {
	be := newFakeBackend()
	h := New("sess-1", manager.Config{Env: []string{}}, be.factory, nil)
	c := dialHub(t, h)

	c.send(channel.CreateMessage{
		Event: channel.EventCreate, SessionID: "sess-1", TerminalID: "t1",
		Cols: 80, Rows: 24,
	})
	c.recv() // ready

	be.cb.OnOutput("t1", []byte("history line\n"))
	c.recv() // live output

	c.send(channel.AttachMessage{Event: channel.EventAttach, SessionID: "sess-1", TerminalID: "t1"})
	ready, ok := c.recv().(channel.ReadyMessage)
	if !ok || ready.TerminalID != "t1" {
		t.Fatalf("expected ready on attach, got %+v", ready)
	}
	replay, ok := c.recv().(channel.OutputMessage)
	if !ok {
		t.Fatal("expected replayed output after attach")
	}
	decoded, _ := base64.StdEncoding.DecodeString(replay.Data)
	if string(decoded) != "history line\n" {
		t.Errorf("replay = %q", decoded)
	}
}

func TestHubAttachUnknownTerminal(t *testing.T) {
	be := newFakeBackend()
	h := New("sess-1", manager.Config{Env: []string{}}, be.factory, nil)
	c := dialHub(t, h)

	c.send(channel.AttachMessage{Event: channel.EventAttach, SessionID: "sess-1", TerminalID: "ghost"})
	errMsg, ok := c.recv().(channel.ErrorMessage)
	if !ok || errMsg.Code != protocol.CodeAttachFailed {
		t.Fatalf("expected attach_failed, got %+v", errMsg)
	}
}

func TestHubSessionPathResolver(t *testing.T) {
	be := newFakeBackend()
	resolve := func(sessionID string) (string, error) {
		if sessionID != "sess-1" {
			t.Errorf("resolver got %q", sessionID)
		}
		return "/srv/sessions/sess-1", nil
	}
	h := New("sess-1", manager.Config{Env: []string{}}, be.factory, resolve)
	c := dialHub(t, h)

	c.send(channel.CreateMessage{
		Event: channel.EventCreate, SessionID: "sess-1", TerminalID: "t1",
		Cols: 80, Rows: 24,
	})
	c.recv() // ready

	be.mu.Lock()
	dir := be.started[0].Dir
	be.mu.Unlock()
	if dir != "/srv/sessions/sess-1" {
		t.Errorf("spawn dir = %q, want the resolved session path", dir)
	}
	if h.Manager().Count() != 1 {
		t.Error("create did not register")
	}
}
