package tunnel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/protocol"
)

// helloTimeout bounds the wait for the sidecar's hello event. A sidecar that
// is alive but silent is indistinguishable from a wedged one. Tests may
// override.
var helloTimeout = 10 * time.Second

// shutdownAckTimeout bounds the wait for the shutdown acknowledgment.
const shutdownAckTimeout = 5 * time.Second

// Handshake failures, distinguished so callers can report the right code.
var (
	ErrHelloTimeout = errors.New("sidecar did not send hello in time")
	ErrSidecarGone  = errors.New("sidecar connection lost")
)

// VersionMismatchError reports a sidecar speaking a different protocol
// version. The connection is unusable; the only cure is matching binaries.
type VersionMismatchError struct {
	Got int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("sidecar speaks protocol %d, want %d", e.Got, protocol.Version)
}

// ErrorCode maps a sidecar transport error to its wire error code.
func ErrorCode(err error) string {
	var vm *VersionMismatchError
	switch {
	case errors.As(err, &vm):
		return protocol.CodeSidecarProtoMismatch
	case errors.Is(err, ErrHelloTimeout):
		return protocol.CodeSidecarTimeout
	case errors.Is(err, ErrSidecarNotFound):
		return protocol.CodeSidecarNotFound
	default:
		return protocol.CodeSidecarCrashed
	}
}

// SidecarBackend is a Backend that forwards every operation over the wire
// protocol to a sidecar on the far side of an io.ReadWriteCloser — a spawned
// process's stdio or a tunnel stream, the backend does not care which.
type SidecarBackend struct {
	cb  backend.Callbacks
	rwc io.ReadWriteCloser

	version string // sidecar implementation version from hello

	mu     sync.Mutex
	closed bool
	terms  map[string]bool

	ackCh chan struct{}
}

// ConnectSidecar performs the hello handshake over rwc and returns a backend
// routing events into cb. The first event must be a hello announcing a
// matching protocol version; anything else fails the connection.
func ConnectSidecar(rwc io.ReadWriteCloser, cb backend.Callbacks) (*SidecarBackend, error) {
	sb := &SidecarBackend{
		cb:    cb,
		rwc:   rwc,
		terms: make(map[string]bool),
		ackCh: make(chan struct{}, 1),
	}

	events := make(chan protocol.Event, 16)
	readErr := make(chan error, 1)
	go sb.readEvents(events, readErr)

	select {
	case ev, ok := <-events:
		if !ok {
			rwc.Close()
			return nil, fmt.Errorf("sidecar handshake: %w", ErrSidecarGone)
		}
		hello, isHello := ev.(protocol.HelloEvent)
		if !isHello {
			rwc.Close()
			return nil, fmt.Errorf("sidecar handshake: expected hello, got %T", ev)
		}
		if hello.Protocol != protocol.Version {
			rwc.Close()
			return nil, &VersionMismatchError{Got: hello.Protocol}
		}
		sb.version = hello.Version
	case <-time.After(helloTimeout):
		rwc.Close()
		return nil, ErrHelloTimeout
	}

	go sb.eventLoop(events, readErr)
	return sb, nil
}

// Version returns the sidecar's implementation version from its hello.
func (sb *SidecarBackend) Version() string {
	return sb.version
}

// readEvents decodes events off the wire until the stream dies. Undecodable
// lines are logged and skipped; the sidecar side already guarantees one JSON
// object per line, so a bad line means version skew, not framing loss.
func (sb *SidecarBackend) readEvents(events chan<- protocol.Event, readErr chan<- error) {
	defer close(events)
	lr := protocol.NewLineReader(sb.rwc)
	for {
		line, err := lr.ReadLine()
		if err != nil {
			readErr <- err
			return
		}
		ev, err := protocol.DecodeEvent(line)
		if err != nil {
			log.Printf("[sidecar-backend] drop undecodable event: %v", err)
			continue
		}
		events <- ev
	}
}

// eventLoop routes decoded events into the callbacks. When the stream dies
// outside an explicit close, every live terminal gets a sidecar_crashed
// error so the caller can tear them down.
func (sb *SidecarBackend) eventLoop(events <-chan protocol.Event, readErr <-chan error) {
	for ev := range events {
		switch e := ev.(type) {
		case protocol.ReadyEvent:
			if sb.cb.OnReady != nil {
				sb.cb.OnReady(e.TerminalID)
			}
		case protocol.OutputEvent:
			data, err := base64.StdEncoding.DecodeString(e.Data)
			if err != nil {
				log.Printf("[sidecar-backend] terminal %s: bad output encoding: %v", e.TerminalID, err)
				continue
			}
			if sb.cb.OnOutput != nil {
				sb.cb.OnOutput(e.TerminalID, data)
			}
		case protocol.ExitEvent:
			sb.forget(e.TerminalID)
			if sb.cb.OnExit != nil {
				sb.cb.OnExit(e.TerminalID, e.Code, e.Signal)
			}
		case protocol.ErrorEvent:
			if sb.cb.OnError != nil {
				sb.cb.OnError(e.TerminalID, e.Code, e.Message)
			}
		case protocol.PongEvent:
			// Keepalive answered; nothing to route.
		case protocol.ShutdownAckEvent:
			select {
			case sb.ackCh <- struct{}{}:
			default:
			}
		case protocol.HelloEvent:
			log.Printf("[sidecar-backend] unexpected repeated hello, ignoring")
		}
	}

	err := <-readErr

	sb.mu.Lock()
	closed := sb.closed
	sb.closed = true
	orphans := make([]string, 0, len(sb.terms))
	for id := range sb.terms {
		orphans = append(orphans, id)
	}
	sb.terms = make(map[string]bool)
	sb.mu.Unlock()

	if closed {
		return
	}
	log.Printf("[sidecar-backend] connection lost: %v", err)
	for _, id := range orphans {
		if sb.cb.OnError != nil {
			sb.cb.OnError(id, protocol.CodeSidecarCrashed, "sidecar connection lost")
		}
	}
}

// Probe reports whether the sidecar connection is usable.
func (sb *SidecarBackend) Probe() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return ErrSidecarGone
	}
	return nil
}

// Start forwards an open request. The terminal is tracked immediately so a
// crash between open and ready still reports it.
func (sb *SidecarBackend) Start(spec backend.Spec) error {
	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		return ErrSidecarGone
	}
	sb.terms[spec.TerminalID] = true
	sb.mu.Unlock()

	err := sb.send(protocol.OpenRequest{
		TerminalID:   spec.TerminalID,
		Shell:        spec.Shell,
		ShellOptions: spec.Args,
		Cols:         spec.Cols,
		Rows:         spec.Rows,
	})
	if err != nil {
		sb.forget(spec.TerminalID)
	}
	return err
}

func (sb *SidecarBackend) Write(terminalID string, data []byte) error {
	return sb.send(protocol.WriteRequest{TerminalID: terminalID, Data: string(data)})
}

func (sb *SidecarBackend) Resize(terminalID string, cols, rows int) error {
	return sb.send(protocol.ResizeRequest{TerminalID: terminalID, Cols: cols, Rows: rows})
}

func (sb *SidecarBackend) Close(terminalID string) error {
	sb.forget(terminalID)
	return sb.send(protocol.CloseRequest{TerminalID: terminalID})
}

// Ping sends a keepalive, resetting the sidecar's idle timer.
func (sb *SidecarBackend) Ping() error {
	return sb.send(protocol.PingRequest{})
}

// CloseAll asks the sidecar to shut down and waits briefly for the ack
// before closing the stream. A missing ack is logged, not fatal: the stream
// close tears the sidecar down either way.
func (sb *SidecarBackend) CloseAll() {
	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		return
	}
	sb.closed = true
	sb.terms = make(map[string]bool)
	sb.mu.Unlock()

	// closed is set, so no concurrent send can interleave with this write.
	if err := sb.writeRequest(protocol.ShutdownRequest{}); err != nil {
		log.Printf("[sidecar-backend] send shutdown: %v", err)
		sb.rwc.Close()
		return
	}

	select {
	case <-sb.ackCh:
	case <-time.After(shutdownAckTimeout):
		log.Printf("[sidecar-backend] no shutdown ack within %s", shutdownAckTimeout)
	}
	sb.rwc.Close()
}

func (sb *SidecarBackend) forget(terminalID string) {
	sb.mu.Lock()
	delete(sb.terms, terminalID)
	sb.mu.Unlock()
}

// send encodes one request and writes it as a single line. The write happens
// under the mutex so concurrent requests never interleave.
func (sb *SidecarBackend) send(req protocol.Request) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return ErrSidecarGone
	}
	return sb.writeRequest(req)
}

func (sb *SidecarBackend) writeRequest(req protocol.Request) error {
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if _, err := sb.rwc.Write(line); err != nil {
		return fmt.Errorf("write to sidecar: %w", err)
	}
	return nil
}
