// Package backend abstracts the platform-specific ability to spawn, write to,
// resize, and close real pseudo-terminals. Two variants exist: a POSIX
// backend built on creack/pty and a Windows backend built on ConPTY. Callers
// select the platform-appropriate variant with [New] and may inject their own
// implementation in tests.
package backend

import "runtime"

// Spec describes one terminal to spawn. The terminal ID is chosen by the
// caller and is the sole correlation key for every later call and callback.
type Spec struct {
	TerminalID string
	Shell      string   // resolved shell path
	Args       []string // extra shell arguments
	Dir        string   // working directory; empty means inherit
	Env        []string // full child environment, already filtered
	Cols       int
	Rows       int
}

// Callbacks deliver asynchronous terminal events. They may be invoked from
// the per-terminal output goroutine at any time after Start returns, so
// implementations must be safe to call concurrently with Backend methods.
// Nil callbacks are skipped.
type Callbacks struct {
	// OnReady fires once, after the terminal process spawned and before any
	// output for it is delivered.
	OnReady func(terminalID string)
	// OnOutput delivers raw PTY output bytes.
	OnOutput func(terminalID string, data []byte)
	// OnExit fires when the terminal's child process exits. The backend has
	// already released the terminal; callers must not Close it again.
	OnExit func(terminalID string, code int, signal string)
	// OnError reports a failure scoped to one terminal.
	OnError func(terminalID string, code, message string)
}

// Backend owns live pseudo-terminal handles.
type Backend interface {
	// Probe reports whether the platform terminal API is usable. It is
	// invoked once at startup; a failure disables Start but must not crash
	// the owning process.
	Probe() error
	// Start spawns a terminal per spec. A nil return guarantees OnReady was
	// (or will immediately be) fired for the ID.
	Start(spec Spec) error
	// Write sends input bytes to a live terminal.
	Write(terminalID string, data []byte) error
	// Resize changes a live terminal's window size.
	Resize(terminalID string, cols, rows int) error
	// Close tears down one terminal. Closing an unknown ID is a no-op.
	Close(terminalID string) error
	// CloseAll tears down every terminal. It never fails; individual close
	// errors are swallowed.
	CloseAll()
}

// New returns the platform-appropriate backend wired to cb.
func New(cb Callbacks) Backend {
	if runtime.GOOS == "windows" {
		return newConPTYBackend(cb)
	}
	return newPosixBackend(cb)
}

// unavailableBackend stands in for a variant that cannot exist on this
// platform. Its probe fails so the sidecar reports a stable error code
// instead of crashing if it is ever selected.
type unavailableBackend struct {
	err error
}

func (u unavailableBackend) Probe() error                  { return u.err }
func (u unavailableBackend) Start(Spec) error              { return u.err }
func (u unavailableBackend) Write(string, []byte) error    { return u.err }
func (u unavailableBackend) Resize(string, int, int) error { return u.err }
func (u unavailableBackend) Close(string) error            { return nil }
func (u unavailableBackend) CloseAll()                     {}
