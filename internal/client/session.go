package client

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termlink/termlink/internal/channel"
	"github.com/termlink/termlink/internal/protocol"
)

// State names for the session lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Status is the externally visible session state. Reconnecting distinguishes
// a first connect from a reattach; Message carries the failure copy in the
// error state.
type Status struct {
	State        State
	Reconnecting bool
	Message      string
}

// DefaultAttachTimeout bounds how long a reattach may wait for its ready
// event before falling back to a fresh terminal.
const DefaultAttachTimeout = 10 * time.Second

// Reconnect backoff bounds. Tests may override these.
var (
	backoffMin = 1 * time.Second
	backoffMax = 60 * time.Second
)

// Handlers receive session events. OnOutput and OnExit only ever fire for the
// currently active terminal id; events for a superseded id are dropped.
type Handlers struct {
	OnState  func(Status)
	OnReady  func(terminalID string)
	OnOutput func(data []byte)
	OnExit   func(code int, signal string)
	OnError  func(code, message string)
}

// errSessionEnded stops the run loop after a terminal exit or an unrecoverable
// failure.
var errSessionEnded = errors.New("session ended")

// Session drives one logical terminal across transport interruptions.
type Session struct {
	sessionID     string
	dial          Dialer
	handlers      Handlers
	attachTimeout time.Duration
	newID         func() string // injectable for tests

	mu           sync.Mutex
	status       Status
	terminalID   string
	cols, rows   int
	shell        string
	shellOptions []string
	conn         Conn
	stopped      bool
}

// Option adjusts session construction.
type Option func(*Session)

// WithAttachTimeout overrides DefaultAttachTimeout.
func WithAttachTimeout(d time.Duration) Option {
	return func(s *Session) { s.attachTimeout = d }
}

// WithIDGenerator overrides terminal id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// NewSession builds a session for one logical terminal in sessionID.
func NewSession(sessionID string, dial Dialer, handlers Handlers, opts ...Option) *Session {
	s := &Session{
		sessionID:     sessionID,
		dial:          dial,
		handlers:      handlers,
		attachTimeout: DefaultAttachTimeout,
		newID:         uuid.NewString,
		status:        Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TerminalID returns the currently active terminal id. It changes when the
// reattach fallback spawns a replacement.
func (s *Session) TerminalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalID
}

// Run connects and keeps the terminal alive until ctx is cancelled, the
// terminal exits, or an unrecoverable error occurs. The first successful
// connection creates the terminal; every later reconnect attaches.
func (s *Session) Run(ctx context.Context, cols, rows int, shell string, shellOptions []string) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.shell, s.shellOptions = shell, shellOptions
	s.mu.Unlock()

	backoff := backoffMin
	for {
		if ctx.Err() != nil || s.isStopped() {
			s.setStatus(Status{State: StateIdle})
			return
		}

		reconnecting := s.TerminalID() != ""
		s.setStatus(Status{State: StateConnecting, Reconnecting: reconnecting})

		conn, err := s.dial(ctx)
		if err != nil {
			log.Printf("[terminal-client] dial failed: %v (retrying in %s)", err, backoff)
			if !sleepCtx(ctx, backoff) {
				s.setStatus(Status{State: StateIdle})
				return
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffMin

		err = s.serve(conn, reconnecting)
		conn.Close()
		s.clearConn(conn)

		if errors.Is(err, errSessionEnded) {
			return
		}
		// Transport drop: loop back and reconnect.
	}
}

// Stop ends the session. The active terminal, if any, is closed best-effort.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	id := s.terminalID
	s.mu.Unlock()

	if conn != nil {
		if id != "" {
			conn.Send(channel.CloseMessage{
				Event:      channel.EventClose,
				SessionID:  s.sessionID,
				TerminalID: id,
			})
		}
		conn.Close()
	}
}

// Write sends input to the active terminal.
func (s *Session) Write(data []byte) error {
	conn, id := s.connAndID()
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.Send(channel.WriteMessage{
		Event:      channel.EventWrite,
		SessionID:  s.sessionID,
		TerminalID: id,
		Data:       string(data),
	})
}

// Resize changes the terminal geometry and remembers it for the next
// create-after-fallback.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	conn, id := s.conn, s.terminalID
	s.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}
	return conn.Send(channel.ResizeMessage{
		Event:      channel.EventResize,
		SessionID:  s.sessionID,
		TerminalID: id,
		Cols:       cols,
		Rows:       rows,
	})
}

// --- connection lifecycle ---

// serve runs one connection from handshake to disconnect. It returns
// errSessionEnded when the session is over, nil when the transport dropped
// and the caller should reconnect.
func (s *Session) serve(conn Conn, reconnecting bool) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// done releases the reader once serve returns: after a terminal exit the
	// backlog behind the buffer is never drained, and closing the conn cannot
	// unblock a pending channel send.
	msgs := make(chan channel.ServerMessage, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(msgs)
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	if !reconnecting {
		if err := s.sendCreate(conn, s.newID()); err != nil {
			return nil
		}
		if err := s.awaitReady(msgs, 0); err != nil {
			return err
		}
	} else {
		if err := s.attachOrFallback(conn, msgs); err != nil {
			return err
		}
	}

	s.setStatus(Status{State: StateConnected})
	return s.pump(msgs)
}

// attachOrFallback tries to reattach to the existing terminal. A timeout or a
// pending-attach error triggers exactly one fallback: close the old terminal,
// create a replacement with the last known geometry under a fresh id.
func (s *Session) attachOrFallback(conn Conn, msgs <-chan channel.ServerMessage) error {
	oldID := s.TerminalID()
	err := conn.Send(channel.AttachMessage{
		Event:      channel.EventAttach,
		SessionID:  s.sessionID,
		TerminalID: oldID,
	})
	if err != nil {
		return nil
	}

	attachErr := s.awaitReady(msgs, s.attachTimeout)
	if attachErr == nil {
		return nil
	}
	if errors.Is(attachErr, errSessionEnded) {
		return attachErr
	}

	log.Printf("[terminal-client] reattach to %s failed (%v), replacing terminal", oldID, attachErr)
	conn.Send(channel.CloseMessage{
		Event:      channel.EventClose,
		SessionID:  s.sessionID,
		TerminalID: oldID,
	})
	if err := s.sendCreate(conn, s.newID()); err != nil {
		return nil
	}
	return s.awaitReady(msgs, 0)
}

// sendCreate installs id as the active terminal and issues the create with
// the last known geometry. Installing first means events for the old id are
// already stale by the time the hub answers.
func (s *Session) sendCreate(conn Conn, id string) error {
	s.mu.Lock()
	s.terminalID = id
	cols, rows := s.cols, s.rows
	shell, shellOptions := s.shell, s.shellOptions
	s.mu.Unlock()

	return conn.Send(channel.CreateMessage{
		Event:        channel.EventCreate,
		SessionID:    s.sessionID,
		TerminalID:   id,
		Cols:         cols,
		Rows:         rows,
		Shell:        shell,
		ShellOptions: shellOptions,
	})
}

// errAttachTimeout distinguishes a quiet hub from a refused attach.
var errAttachTimeout = errors.New("attach timed out")

// awaitReady consumes messages until the active terminal's ready arrives.
// timeout 0 waits until the connection drops. A matching error event fails
// the wait; a fatal error during a first create ends the session.
func (s *Session) awaitReady(msgs <-chan channel.ServerMessage, timeout time.Duration) error {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("connection closed before ready")
			}
			switch m := msg.(type) {
			case channel.ReadyMessage:
				if m.TerminalID != s.TerminalID() {
					continue
				}
				if s.handlers.OnReady != nil {
					s.handlers.OnReady(m.TerminalID)
				}
				return nil
			case channel.ErrorMessage:
				if m.TerminalID != s.TerminalID() {
					continue
				}
				if timeout > 0 {
					// Attach pending: the fallback handles it.
					return errors.New(protocol.Humanize(m.Code, m.Message))
				}
				// A create that errors has no further recourse.
				s.fail(protocol.Humanize(m.Code, m.Message))
				return errSessionEnded
			default:
				// Output for a superseded id, or replay racing ahead; drop.
			}
		case <-expire:
			return errAttachTimeout
		}
	}
}

// pump routes events while connected, filtering by the active terminal id.
func (s *Session) pump(msgs <-chan channel.ServerMessage) error {
	for msg := range msgs {
		switch m := msg.(type) {
		case channel.OutputMessage:
			if m.TerminalID != s.TerminalID() {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil {
				log.Printf("[terminal-client] bad output encoding: %v", err)
				continue
			}
			if s.handlers.OnOutput != nil {
				s.handlers.OnOutput(data)
			}
		case channel.ExitMessage:
			if m.TerminalID != s.TerminalID() {
				continue
			}
			if s.handlers.OnExit != nil {
				s.handlers.OnExit(m.Code, m.Signal)
			}
			s.setStatus(Status{State: StateIdle})
			return errSessionEnded
		case channel.ErrorMessage:
			if m.TerminalID != s.TerminalID() && m.TerminalID != "" {
				continue
			}
			if s.handlers.OnError != nil {
				s.handlers.OnError(m.Code, protocol.Humanize(m.Code, m.Message))
			}
		case channel.ReadyMessage:
			// Already connected; a duplicate ready is harmless.
		}
	}
	return nil // transport dropped
}

// --- helpers ---

func (s *Session) fail(message string) {
	s.setStatus(Status{State: StateError, Message: message})
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.handlers.OnState != nil {
		s.handlers.OnState(st)
	}
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) connAndID() (Conn, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.terminalID
}

func (s *Session) clearConn(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
