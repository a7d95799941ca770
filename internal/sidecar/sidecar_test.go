package sidecar

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/protocol"
)

// fakeBackend records calls and lets tests drive spawn outcomes, including
// panics inside Start.
type fakeBackend struct {
	cb       backend.Callbacks
	probeErr error

	// startHook, when set, runs instead of the default immediate-ready spawn.
	startHook func(spec backend.Spec) error

	mu        sync.Mutex
	started   []backend.Spec
	writes    map[string]string
	closed    []string
	closedAll bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{writes: make(map[string]string)}
}

func (f *fakeBackend) factory(cb backend.Callbacks) backend.Backend {
	f.cb = cb
	return f
}

func (f *fakeBackend) Probe() error { return f.probeErr }

func (f *fakeBackend) Start(spec backend.Spec) error {
	f.mu.Lock()
	f.started = append(f.started, spec)
	f.mu.Unlock()

	if f.startHook != nil {
		return f.startHook(spec)
	}
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

func (f *fakeBackend) Close(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeBackend) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll = true
}

func (f *fakeBackend) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// harness runs a sidecar over in-memory pipes and decodes its event stream.
type harness struct {
	t      *testing.T
	in     io.WriteCloser
	events chan protocol.Event
	exit   chan int
	be     *fakeBackend
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	be := newFakeBackend()

	opts := Options{
		In:         inR,
		Out:        outW,
		NewBackend: be.factory,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)

	h := &harness{
		t:      t,
		in:     inW,
		events: make(chan protocol.Event, 64),
		exit:   make(chan int, 1),
		be:     be,
	}

	go func() {
		h.exit <- s.Run()
		outW.Close()
	}()
	go func() {
		defer close(h.events)
		lr := protocol.NewLineReader(outR)
		for {
			line, err := lr.ReadLine()
			if err != nil {
				return
			}
			ev, err := protocol.DecodeEvent(line)
			if err != nil {
				t.Errorf("sidecar emitted undecodable line %q: %v", line, err)
				return
			}
			h.events <- ev
		}
	}()

	return h
}

func (h *harness) send(req protocol.Request) {
	h.t.Helper()
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		h.t.Fatalf("encode request: %v", err)
	}
	if _, err := h.in.Write(line); err != nil {
		h.t.Fatalf("write request: %v", err)
	}
}

func (h *harness) sendRaw(line string) {
	h.t.Helper()
	if _, err := h.in.Write([]byte(line + "\n")); err != nil {
		h.t.Fatalf("write raw line: %v", err)
	}
}

func (h *harness) next() protocol.Event {
	h.t.Helper()
	select {
	case ev, ok := <-h.events:
		if !ok {
			h.t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for event")
		return nil
	}
}

func (h *harness) expectExit(want int) {
	h.t.Helper()
	select {
	case code := <-h.exit:
		if code != want {
			h.t.Fatalf("exit code = %d, want %d", code, want)
		}
	case <-time.After(5 * time.Second):
		h.t.Fatal("sidecar did not exit")
	}
}

func (h *harness) shutdown() {
	h.t.Helper()
	h.send(protocol.ShutdownRequest{})
	h.expectExit(ExitGraceful)
}

func TestHelloIsAlwaysFirst(t *testing.T) {
	h := newHarness(t, nil)

	ev := h.next()
	hello, ok := ev.(protocol.HelloEvent)
	if !ok {
		t.Fatalf("first event = %T, want HelloEvent", ev)
	}
	if hello.Protocol != protocol.Version {
		t.Errorf("hello protocol = %d, want %d", hello.Protocol, protocol.Version)
	}
	if hello.Version != "test" {
		t.Errorf("hello version = %q, want %q", hello.Version, "test")
	}
	h.shutdown()
}

func TestHelloPrecedesErrorsEvenWhenProbeFails(t *testing.T) {
	// Probe failure must be set before New runs the probe, so this test wires
	// its pipes by hand instead of using the harness.
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	be := newFakeBackend()
	be.probeErr = errors.New("no conpty here")
	s := New(Options{In: inR, Out: outW, NewBackend: be.factory})
	exit := make(chan int, 1)
	go func() { exit <- s.Run(); outW.Close() }()

	lr := protocol.NewLineReader(outR)
	line, err := lr.ReadLine()
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	ev, err := protocol.DecodeEvent(line)
	if err != nil {
		t.Fatalf("decode first event: %v", err)
	}
	if _, ok := ev.(protocol.HelloEvent); !ok {
		t.Fatalf("first event = %T, want HelloEvent", ev)
	}

	// Opens are refused with the dedicated code, but the loop survives.
	reqLine, _ := protocol.EncodeRequest(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	inW.Write(reqLine)
	line, err = lr.ReadLine()
	if err != nil {
		t.Fatalf("read error event: %v", err)
	}
	ev, _ = protocol.DecodeEvent(line)
	errEv, ok := ev.(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want ErrorEvent", ev)
	}
	if errEv.Code != protocol.CodeConPTYUnavailable {
		t.Errorf("code = %q, want %q", errEv.Code, protocol.CodeConPTYUnavailable)
	}

	inW.Close()
	select {
	case code := <-exit:
		if code != ExitStdinClosed {
			t.Fatalf("exit = %d, want %d", code, ExitStdinClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sidecar did not exit on stdin close")
	}
}

func TestOpenSpawnsAndReportsReady(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Dir = "/tmp/session"
		o.Env = []string{"PATH=/usr/bin"}
	})
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 120, Rows: 40})
	ev := h.next()
	ready, ok := ev.(protocol.ReadyEvent)
	if !ok {
		t.Fatalf("event = %T, want ReadyEvent", ev)
	}
	if ready.TerminalID != "t1" {
		t.Errorf("ready terminal = %q", ready.TerminalID)
	}
	if ready.Display == "" {
		t.Error("ready display must name the resolved shell")
	}

	h.be.mu.Lock()
	spec := h.be.started[0]
	h.be.mu.Unlock()
	if spec.Dir != "/tmp/session" {
		t.Errorf("spawn dir = %q", spec.Dir)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "PATH=/usr/bin" {
		t.Errorf("spawn env = %v", spec.Env)
	}
	if spec.Cols != 120 || spec.Rows != 40 {
		t.Errorf("spawn geometry = %dx%d", spec.Cols, spec.Rows)
	}
	h.shutdown()
}

func TestDuplicateOpenDoesNotDoubleSpawn(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	if _, ok := h.next().(protocol.ReadyEvent); !ok {
		t.Fatal("expected ready for first open")
	}

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	ev := h.next()
	errEv, ok := ev.(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want ErrorEvent", ev)
	}
	if errEv.Code != protocol.CodeStartupFailed {
		t.Errorf("code = %q, want %q", errEv.Code, protocol.CodeStartupFailed)
	}
	if !strings.Contains(errEv.Message, "already exists") {
		t.Errorf("message = %q", errEv.Message)
	}
	if n := h.be.startCount(); n != 1 {
		t.Errorf("spawn count = %d, want 1", n)
	}
	h.shutdown()
}

func TestOpenWithMissingShell(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Shell: "definitely-not-a-shell-xyz", Cols: 80, Rows: 24})
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeShellNotFound {
		t.Fatalf("expected shell_not_found error, got %+v", errEv)
	}
	if n := h.be.startCount(); n != 0 {
		t.Errorf("spawn count = %d, want 0", n)
	}
	h.shutdown()
}

func TestOpenWithEmptyIDIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{Cols: 80, Rows: 24})
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeUnknown {
		t.Fatalf("expected unknown error for empty id, got %+v", errEv)
	}
	h.shutdown()
}

func TestWriteAndResizeUnknownTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.WriteRequest{TerminalID: "ghost", Data: "ls\n"})
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeTerminalNotFound {
		t.Fatalf("write: expected terminal_not_found, got %+v", errEv)
	}

	h.send(protocol.ResizeRequest{TerminalID: "ghost", Cols: 80, Rows: 24})
	errEv, ok = h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeTerminalNotFound {
		t.Fatalf("resize: expected terminal_not_found, got %+v", errEv)
	}
	h.shutdown()
}

func TestWriteReachesBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	h.next() // ready

	h.send(protocol.WriteRequest{TerminalID: "t1", Data: "echo hi\n"})
	// Ping after the write; its pong proves the write was processed.
	h.send(protocol.PingRequest{})
	if _, ok := h.next().(protocol.PongEvent); !ok {
		t.Fatal("expected pong")
	}

	h.be.mu.Lock()
	got := h.be.writes["t1"]
	h.be.mu.Unlock()
	if got != "echo hi\n" {
		t.Errorf("backend write = %q", got)
	}
	h.shutdown()
}

func TestCloseReleasesTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	h.next() // ready

	h.send(protocol.CloseRequest{TerminalID: "t1"})
	h.send(protocol.WriteRequest{TerminalID: "t1", Data: "x"})
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeTerminalNotFound {
		t.Fatalf("write after close: expected terminal_not_found, got %+v", errEv)
	}

	h.be.mu.Lock()
	closed := len(h.be.closed) == 1 && h.be.closed[0] == "t1"
	h.be.mu.Unlock()
	if !closed {
		t.Error("backend.Close(t1) not called")
	}

	// Closing again is a no-op, not an error.
	h.send(protocol.CloseRequest{TerminalID: "t1"})
	h.shutdown()
}

func TestCloseDuringSpawnReleasesBackendHandle(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.be.startHook = func(spec backend.Spec) error {
		<-gate
		h.be.cb.OnReady(spec.TerminalID)
		return nil
	}
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	h.send(protocol.CloseRequest{TerminalID: "t1"})
	// The pong proves the close was handled while the spawn was still blocked.
	h.send(protocol.PingRequest{})
	if _, ok := h.next().(protocol.PongEvent); !ok {
		t.Fatal("expected pong")
	}
	close(gate)

	// The spawn finishes against a deregistered id; the backend handle it
	// created must be closed again rather than leaked.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.be.mu.Lock()
		n := len(h.be.closed)
		h.be.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.be.mu.Lock()
	closes := append([]string(nil), h.be.closed...)
	h.be.mu.Unlock()
	if len(closes) != 2 || closes[0] != "t1" || closes[1] != "t1" {
		t.Fatalf("backend closes = %v, want the pre-spawn close plus the post-spawn cleanup", closes)
	}

	// The released id is free again and spawns cleanly.
	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	ready, ok := h.next().(protocol.ReadyEvent)
	if !ok || ready.TerminalID != "t1" {
		t.Fatalf("reopen after mid-spawn close: got %+v, want ready for t1", ready)
	}
	h.shutdown()
}

func TestSpawnPanicIsIsolated(t *testing.T) {
	h := newHarness(t, nil)
	h.be.startHook = func(spec backend.Spec) error {
		if spec.TerminalID == "panic-term" {
			panic("pty exploded")
		}
		h.be.cb.OnReady(spec.TerminalID)
		return nil
	}
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "panic-term", Cols: 80, Rows: 24})
	h.send(protocol.OpenRequest{TerminalID: "ok-term", Cols: 80, Rows: 24})

	var sawPanicError, sawOKReady bool
	for i := 0; i < 2; i++ {
		switch ev := h.next().(type) {
		case protocol.ErrorEvent:
			if ev.TerminalID != "panic-term" {
				t.Fatalf("error for %q, want panic-term", ev.TerminalID)
			}
			if ev.Code != protocol.CodeSpawnFailed {
				t.Errorf("code = %q, want %q", ev.Code, protocol.CodeSpawnFailed)
			}
			if !strings.Contains(ev.Message, "pty exploded") {
				t.Errorf("message should carry the fault text, got %q", ev.Message)
			}
			sawPanicError = true
		case protocol.ReadyEvent:
			if ev.TerminalID != "ok-term" {
				t.Fatalf("ready for %q, want ok-term", ev.TerminalID)
			}
			sawOKReady = true
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	if !sawPanicError || !sawOKReady {
		t.Fatalf("sawPanicError=%v sawOKReady=%v", sawPanicError, sawOKReady)
	}

	// The faulted id is free again.
	h.send(protocol.OpenRequest{TerminalID: "panic-term", Cols: 80, Rows: 24})
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeSpawnFailed {
		t.Fatalf("retry should spawn (and re-fail), got %+v", errEv)
	}
	h.shutdown()
}

func TestIdleTimeoutExitsWithCode2(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.IdleTimeout = 150 * time.Millisecond })
	h.next() // hello
	h.expectExit(ExitIdleTimeout)

	h.be.mu.Lock()
	closedAll := h.be.closedAll
	h.be.mu.Unlock()
	if !closedAll {
		t.Error("idle shutdown must close all terminals")
	}
}

func TestPingPostponesIdleTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.IdleTimeout = 400 * time.Millisecond })
	h.next() // hello

	// Keep pinging for well past the idle timeout.
	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		h.send(protocol.PingRequest{})
		if _, ok := h.next().(protocol.PongEvent); !ok {
			t.Fatal("expected pong")
		}
	}

	select {
	case code := <-h.exit:
		t.Fatalf("sidecar exited (%d) despite pings", code)
	default:
	}
	h.shutdown()
}

func TestStdinCloseExitsWithCode1(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello
	h.in.Close()
	h.expectExit(ExitStdinClosed)
}

func TestShutdownDrainsAndAcks(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	h.next() // ready

	h.send(protocol.ShutdownRequest{})
	if _, ok := h.next().(protocol.ShutdownAckEvent); !ok {
		t.Fatal("expected shutdownAck")
	}
	h.expectExit(ExitGraceful)

	h.be.mu.Lock()
	closedAll := h.be.closedAll
	h.be.mu.Unlock()
	if !closedAll {
		t.Error("shutdown must close all terminals before acking")
	}
}

func TestMalformedLineAnswersErrorAndSurvives(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.sendRaw(`{"type":`)
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeUnknown {
		t.Fatalf("expected unknown error, got %+v", errEv)
	}

	h.sendRaw(`{"type":"selfdestruct"}`)
	errEv, ok = h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeUnknown {
		t.Fatalf("expected unknown error for unknown type, got %+v", errEv)
	}

	h.send(protocol.PingRequest{})
	if _, ok := h.next().(protocol.PongEvent); !ok {
		t.Fatal("loop should survive malformed input")
	}
	h.shutdown()
}

func TestOversizedLineAnswersErrorAndSurvives(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.sendRaw(strings.Repeat("x", protocol.MaxLineLength+16))
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeUnknown {
		t.Fatalf("expected unknown error, got %+v", errEv)
	}

	h.send(protocol.PingRequest{})
	if _, ok := h.next().(protocol.PongEvent); !ok {
		t.Fatal("loop should survive an oversized line")
	}
	h.shutdown()
}

func TestOutputIsBase64Encoded(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	h.next() // ready

	h.be.cb.OnOutput("t1", []byte{0x1b, '[', '2', 'J', 0x00, 0xff})
	out, ok := h.next().(protocol.OutputEvent)
	if !ok {
		t.Fatal("expected output event")
	}
	if out.Data != "G1sySgD/" {
		t.Errorf("output data = %q, want base64 of raw bytes", out.Data)
	}
	h.shutdown()
}

func TestExitRemovesTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.next() // hello

	h.send(protocol.OpenRequest{TerminalID: "t1", Cols: 80, Rows: 24})
	h.next() // ready

	h.be.cb.OnExit("t1", 0, "")
	exit, ok := h.next().(protocol.ExitEvent)
	if !ok || exit.TerminalID != "t1" {
		t.Fatalf("expected exit for t1, got %+v", exit)
	}

	h.send(protocol.WriteRequest{TerminalID: "t1", Data: "x"})
	errEv, ok := h.next().(protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.CodeTerminalNotFound {
		t.Fatalf("write after exit: expected terminal_not_found, got %+v", errEv)
	}
	h.shutdown()
}
