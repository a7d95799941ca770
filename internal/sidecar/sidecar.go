// Package sidecar implements the helper process that owns real PTY handles
// on behalf of a control process. It speaks the newline-delimited JSON
// protocol from internal/protocol over a byte stream (normally stdio), with
// a single control loop owning all state transitions.
//
// Concurrency model: one dedicated goroutine reads request lines into a
// bounded intake queue; the control loop is the only consumer. Per-terminal
// output pumps never pass through the loop — they emit straight to the
// shared mutex-guarded line writer, touching loop-owned state only to remove
// a registry entry on exit.
package sidecar

import (
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/protocol"
)

// Process exit codes. These are part of the contract with the control
// process, which distinguishes a clean shutdown from an abandoned sidecar.
const (
	ExitGraceful    = 0
	ExitStdinClosed = 1
	ExitIdleTimeout = 2
)

// DefaultIdleTimeout is how long the sidecar survives with no request lines
// at all before closing every terminal and exiting with ExitIdleTimeout.
// Any successfully decoded request, including a bare ping, postpones it.
const DefaultIdleTimeout = 5 * time.Minute

// intakeQueueSize bounds the request queue between the line reader and the
// control loop.
const intakeQueueSize = 64

// Options configures a Sidecar. Zero values get sensible defaults.
type Options struct {
	// In and Out carry the wire protocol. Normally os.Stdin/os.Stdout, but
	// any stream works (e.g. a tunnel stream in the remote-machine model).
	In  io.Reader
	Out io.Writer
	// NewBackend builds the terminal backend; nil means backend.New.
	// Injectable for tests.
	NewBackend func(backend.Callbacks) backend.Backend
	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration
	// Dir is the working directory for spawned terminals.
	Dir string
	// Env is the full, already-filtered environment for spawned terminals.
	Env []string
	// Version is the implementation version announced in the hello event.
	Version string
}

// Sidecar multiplexes terminal requests from one control process.
type Sidecar struct {
	in          io.Reader
	writer      *protocol.LineWriter
	backend     backend.Backend
	probeErr    error
	idleTimeout time.Duration
	dir         string
	env         []string
	version     string

	// Registry of live terminals. Guarded because entries are read by the
	// control loop and written by backend callbacks on exit.
	mu    sync.Mutex
	terms map[string]termEntry
}

type termEntry struct {
	display string
}

// New builds a Sidecar and runs the backend capability probe once. A probe
// failure is recorded, not fatal: the sidecar still runs, rejecting every
// open request with a stable error code.
func New(opts Options) *Sidecar {
	s := &Sidecar{
		in:          opts.In,
		writer:      protocol.NewLineWriter(opts.Out),
		idleTimeout: opts.IdleTimeout,
		dir:         opts.Dir,
		env:         opts.Env,
		version:     opts.Version,
		terms:       make(map[string]termEntry),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.version == "" {
		s.version = "dev"
	}

	newBackend := opts.NewBackend
	if newBackend == nil {
		newBackend = backend.New
	}
	s.backend = newBackend(backend.Callbacks{
		OnReady:  s.onReady,
		OnOutput: s.onOutput,
		OnExit:   s.onExit,
		OnError:  s.onError,
	})

	if err := s.backend.Probe(); err != nil {
		log.Printf("[sidecar] terminal capability probe failed: %v", err)
		s.probeErr = err
	}

	return s
}

// Run drives the control loop until one of the three designated shutdown
// paths fires, then returns the process exit code. The hello event is
// emitted first, unconditionally, before any other event.
func (s *Sidecar) Run() int {
	s.send(protocol.HelloEvent{Version: s.version, Protocol: protocol.Version})

	intake := make(chan intakeItem, intakeQueueSize)
	go s.readLines(intake)

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case item, ok := <-intake:
			if !ok {
				log.Printf("[sidecar] input closed, shutting down")
				s.backend.CloseAll()
				return ExitStdinClosed
			}
			if item.tooLong {
				s.sendError("", protocol.CodeUnknown, "request line exceeds maximum length")
				continue
			}
			req, err := protocol.DecodeRequest(item.line)
			if err != nil {
				s.sendError("", protocol.CodeUnknown, err.Error())
				continue
			}
			// Every successfully decoded request keeps the process alive,
			// not just terminal-scoped ones.
			resetTimer(idle, s.idleTimeout)
			if s.handle(req) {
				s.backend.CloseAll()
				s.send(protocol.ShutdownAckEvent{})
				return ExitGraceful
			}
		case <-idle.C:
			log.Printf("[sidecar] idle for %s, shutting down", s.idleTimeout)
			s.backend.CloseAll()
			return ExitIdleTimeout
		}
	}
}

type intakeItem struct {
	line    []byte
	tooLong bool
}

// readLines feeds the intake queue from the command stream. It owns the only
// blocking read on that stream; the channel close signals end-of-input.
func (s *Sidecar) readLines(intake chan<- intakeItem) {
	defer close(intake)
	reader := protocol.NewLineReader(s.in)
	for {
		line, err := reader.ReadLine()
		if err == protocol.ErrLineTooLong {
			intake <- intakeItem{tooLong: true}
			continue
		}
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		// Copy: the reader may reuse its buffer on the next iteration.
		buf := make([]byte, len(line))
		copy(buf, line)
		intake <- intakeItem{line: buf}
	}
}

// resetTimer stops and re-arms t, draining a pending fire so the reset never
// leaks a stale expiry.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handle dispatches one decoded request. It returns true when the request
// was a shutdown and the loop should drain and exit.
func (s *Sidecar) handle(req protocol.Request) bool {
	switch r := req.(type) {
	case protocol.OpenRequest:
		s.handleOpen(r)
	case protocol.WriteRequest:
		if !s.registered(r.TerminalID) {
			s.sendError(r.TerminalID, protocol.CodeTerminalNotFound, "terminal not found")
			return false
		}
		if err := s.backend.Write(r.TerminalID, []byte(r.Data)); err != nil {
			// A failed write is reported but does not close the terminal.
			s.sendError(r.TerminalID, protocol.CodeUnknown, fmt.Sprintf("write failed: %v", err))
		}
	case protocol.ResizeRequest:
		if !s.registered(r.TerminalID) {
			s.sendError(r.TerminalID, protocol.CodeTerminalNotFound, "terminal not found")
			return false
		}
		if err := s.backend.Resize(r.TerminalID, r.Cols, r.Rows); err != nil {
			s.sendError(r.TerminalID, protocol.CodeUnknown, fmt.Sprintf("resize failed: %v", err))
		}
	case protocol.CloseRequest:
		s.remove(r.TerminalID)
		_ = s.backend.Close(r.TerminalID)
	case protocol.PingRequest:
		s.send(protocol.PongEvent{})
	case protocol.ShutdownRequest:
		return true
	}
	return false
}

func (s *Sidecar) handleOpen(req protocol.OpenRequest) {
	if req.TerminalID == "" {
		s.sendError("", protocol.CodeUnknown, "open request missing terminal id")
		return
	}
	if s.probeErr != nil {
		s.sendError(req.TerminalID, protocol.CodeConPTYUnavailable, s.probeErr.Error())
		return
	}

	shell, err := backend.ResolveShell(req.Shell, s.env)
	if err != nil {
		s.sendError(req.TerminalID, protocol.CodeShellNotFound, err.Error())
		return
	}

	// Reserve the ID before spawning so a duplicate open can never race a
	// second spawn for the same terminal.
	s.mu.Lock()
	if _, exists := s.terms[req.TerminalID]; exists {
		s.mu.Unlock()
		s.sendError(req.TerminalID, protocol.CodeStartupFailed,
			fmt.Sprintf("terminal %q already exists", req.TerminalID))
		return
	}
	s.terms[req.TerminalID] = termEntry{display: shell.Display}
	s.mu.Unlock()

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	spec := backend.Spec{
		TerminalID: req.TerminalID,
		Shell:      shell.Path,
		Args:       req.ShellOptions,
		Dir:        s.dir,
		Env:        s.env,
		Cols:       cols,
		Rows:       rows,
	}

	// Spawn in its own goroutine under a recover boundary: a panic inside
	// one terminal's spawn becomes a spawn_failed event for that terminal
	// and must never take down the loop or any other terminal.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[sidecar] panic while spawning terminal %s: %v", req.TerminalID, r)
				s.remove(req.TerminalID)
				s.sendError(req.TerminalID, protocol.CodeSpawnFailed,
					fmt.Sprintf("panic while spawning terminal: %v", r))
			}
		}()
		if err := s.backend.Start(spec); err != nil {
			s.remove(req.TerminalID)
			s.sendError(req.TerminalID, protocol.CodeStartupFailed, err.Error())
			return
		}
		// A close handled while the spawn was in flight already removed the
		// id; the handle Start just created must not outlive it.
		if !s.registered(req.TerminalID) {
			_ = s.backend.Close(req.TerminalID)
		}
	}()
}

// --- backend callbacks ---

// onReady runs after the terminal process spawned, before any of its output.
func (s *Sidecar) onReady(id string) {
	s.mu.Lock()
	entry, ok := s.terms[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.send(protocol.ReadyEvent{TerminalID: id, Display: entry.display})
}

func (s *Sidecar) onOutput(id string, data []byte) {
	s.send(protocol.OutputEvent{
		TerminalID: id,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Sidecar) onExit(id string, code int, signal string) {
	s.remove(id)
	s.send(protocol.ExitEvent{TerminalID: id, Code: code, Signal: signal})
}

func (s *Sidecar) onError(id string, code, message string) {
	if code == "" {
		code = protocol.CodeUnknown
	}
	s.sendError(id, code, message)
}

// --- registry helpers ---

func (s *Sidecar) registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.terms[id]
	return ok
}

func (s *Sidecar) remove(id string) {
	s.mu.Lock()
	delete(s.terms, id)
	s.mu.Unlock()
}

// --- emit helpers ---

func (s *Sidecar) send(ev protocol.Event) {
	if err := s.writer.Send(ev); err != nil {
		log.Printf("[sidecar] emit failed: %v", err)
	}
}

func (s *Sidecar) sendError(id, code, message string) {
	s.send(protocol.ErrorEvent{TerminalID: id, Code: code, Message: message})
}
