//go:build !windows

package backend

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// posixBackend spawns terminals through the creack/pty master/slave pair.
type posixBackend struct {
	cb    Callbacks
	mu    sync.Mutex
	terms map[string]*posixTerminal
}

type posixTerminal struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool // set by an explicit Close; suppresses the exit callback
}

func newPosixBackend(cb Callbacks) Backend {
	return &posixBackend{
		cb:    cb,
		terms: make(map[string]*posixTerminal),
	}
}

// Probe always succeeds: every supported POSIX platform has PTY support.
func (b *posixBackend) Probe() error {
	return nil
}

func (b *posixBackend) Start(spec Spec) error {
	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(spec.Cols),
		Rows: uint16(spec.Rows),
	})
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	term := &posixTerminal{cmd: cmd, ptmx: ptmx}

	b.mu.Lock()
	b.terms[spec.TerminalID] = term
	b.mu.Unlock()

	if b.cb.OnReady != nil {
		b.cb.OnReady(spec.TerminalID)
	}

	go b.pump(spec.TerminalID, term)
	return nil
}

// pump relays PTY output to the OnOutput callback until the terminal exits
// or is closed, then reaps the child and reports the exit.
func (b *posixBackend) pump(id string, term *posixTerminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := term.ptmx.Read(buf)
		if n > 0 && !term.isClosed() && b.cb.OnOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.cb.OnOutput(id, data)
		}
		if err != nil {
			break
		}
	}

	err := term.cmd.Wait()
	code, signal := exitStatus(term.cmd, err)

	b.mu.Lock()
	delete(b.terms, id)
	b.mu.Unlock()

	if !term.isClosed() && b.cb.OnExit != nil {
		b.cb.OnExit(id, code, signal)
	}
}

func (t *posixTerminal) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// exitStatus extracts the exit code and terminating signal name, if any.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}

func (b *posixBackend) Write(id string, data []byte) error {
	term, ok := b.get(id)
	if !ok {
		return fmt.Errorf("terminal %q not found", id)
	}
	_, err := term.ptmx.Write(data)
	return err
}

func (b *posixBackend) Resize(id string, cols, rows int) error {
	term, ok := b.get(id)
	if !ok {
		return fmt.Errorf("terminal %q not found", id)
	}
	return pty.Setsize(term.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

func (b *posixBackend) Close(id string) error {
	b.mu.Lock()
	term, ok := b.terms[id]
	if ok {
		delete(b.terms, id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	term.mu.Lock()
	term.closed = true
	term.mu.Unlock()

	// SIGHUP mirrors what a real terminal does when it goes away; the pump
	// goroutine reaps the child after the PTY read fails.
	_ = term.cmd.Process.Signal(syscall.SIGHUP)
	return term.ptmx.Close()
}

func (b *posixBackend) CloseAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.terms))
	for id := range b.terms {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Close(id)
	}
}

func (b *posixBackend) get(id string) (*posixTerminal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	term, ok := b.terms[id]
	return term, ok
}
