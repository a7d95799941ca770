//go:build windows

package backend

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/charmbracelet/x/conpty"
)

// stillActive is the exit code Windows reports for a running process.
const stillActive = 259

// conptyBackend spawns terminals through the Windows ConPTY API.
type conptyBackend struct {
	cb    Callbacks
	mu    sync.Mutex
	terms map[string]*conptyTerminal
}

type conptyTerminal struct {
	pty    *conpty.ConPty
	handle uintptr

	mu     sync.Mutex
	closed bool
}

func newConPTYBackend(cb Callbacks) Backend {
	return &conptyBackend{
		cb:    cb,
		terms: make(map[string]*conptyTerminal),
	}
}

// Probe verifies the ConPTY API is present by allocating and immediately
// releasing a console. It fails on Windows builds older than 10 1809.
func (b *conptyBackend) Probe() error {
	pty, err := conpty.New(80, 25, 0)
	if err != nil {
		return fmt.Errorf("conpty unavailable: %w", err)
	}
	return pty.Close()
}

func (b *conptyBackend) Start(spec Spec) error {
	pty, err := conpty.New(spec.Cols, spec.Rows, 0)
	if err != nil {
		return fmt.Errorf("conpty new: %w", err)
	}

	args := append([]string{spec.Shell}, spec.Args...)
	_, handle, err := pty.Spawn(spec.Shell, args, &syscall.ProcAttr{
		Dir: spec.Dir,
		Env: spec.Env,
	})
	if err != nil {
		pty.Close()
		return fmt.Errorf("conpty spawn %s: %w", spec.Shell, err)
	}

	term := &conptyTerminal{pty: pty, handle: handle}

	b.mu.Lock()
	b.terms[spec.TerminalID] = term
	b.mu.Unlock()

	if b.cb.OnReady != nil {
		b.cb.OnReady(spec.TerminalID)
	}

	go b.pump(spec.TerminalID, term)
	return nil
}

// pump relays ConPTY output until the read side fails, then waits for the
// child process and reports its exit code.
func (b *conptyBackend) pump(id string, term *conptyTerminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := term.pty.Read(buf)
		if n > 0 && !term.isClosed() && b.cb.OnOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.cb.OnOutput(id, data)
		}
		if err != nil {
			break
		}
	}

	handle := syscall.Handle(term.handle)
	_, _ = syscall.WaitForSingleObject(handle, syscall.INFINITE)
	var code uint32
	if err := syscall.GetExitCodeProcess(handle, &code); err != nil || code == stillActive {
		code = 1
	}
	_ = syscall.CloseHandle(handle)

	b.mu.Lock()
	delete(b.terms, id)
	b.mu.Unlock()

	if !term.isClosed() && b.cb.OnExit != nil {
		b.cb.OnExit(id, int(code), "")
	}
}

func (t *conptyTerminal) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (b *conptyBackend) Write(id string, data []byte) error {
	term, ok := b.get(id)
	if !ok {
		return fmt.Errorf("terminal %q not found", id)
	}
	_, err := term.pty.Write(data)
	return err
}

func (b *conptyBackend) Resize(id string, cols, rows int) error {
	term, ok := b.get(id)
	if !ok {
		return fmt.Errorf("terminal %q not found", id)
	}
	return term.pty.Resize(cols, rows)
}

func (b *conptyBackend) Close(id string) error {
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

	_ = syscall.TerminateProcess(syscall.Handle(term.handle), 1)
	return term.pty.Close()
}

func (b *conptyBackend) CloseAll() {
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

func (b *conptyBackend) get(id string) (*conptyTerminal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	term, ok := b.terms[id]
	return term, ok
}
