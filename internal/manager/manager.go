// Package manager mirrors terminal state for one control-process session. It
// enforces the terminal-count limit, evicts idle terminals, filters sensitive
// environment variables out of spawned shells, and routes backend events to
// its caller.
//
// The manager is single-threaded from its caller's perspective: all methods
// are expected to be invoked from one control-flow context. Backend callbacks
// may arrive concurrently with those calls, so the registry is guarded by one
// mutex and nothing else is; backend calls themselves run lock-free.
package manager

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/protocol"
)

// Defaults applied by NewManager for zero Config fields.
const (
	DefaultMaxTerminals = 8
	DefaultIdleTimeout  = 10 * time.Minute
	MaxCols             = 500
	MaxRows             = 500
)

// fatalErrorCodes is the fixed set of backend error codes that force-close a
// terminal. Anything else (e.g. a single failed write) leaves it open.
var fatalErrorCodes = map[string]bool{
	protocol.CodeSidecarCrashed:       true,
	protocol.CodeSidecarTimeout:       true,
	protocol.CodeSidecarProtoMismatch: true,
	protocol.CodeSidecarNotFound:      true,
	protocol.CodeStreamClosed:         true,
}

// Config carries the manager's tunables and its one-time environment snapshot.
type Config struct {
	// MaxTerminals caps concurrently registered terminals.
	MaxTerminals int
	// IdleTimeout evicts a terminal after this long without write, resize,
	// output, or ready activity for its ID.
	IdleTimeout time.Duration
	// ReplaySize caps the per-terminal output replay buffer.
	ReplaySize int
	// WorkDir is the working directory for spawned shells, typically the
	// owning session's path. Empty means inherit.
	WorkDir string
	// Env is the environment snapshot to filter and pass to shells.
	// Nil means Snapshot() at construction.
	Env []string
}

// Callbacks deliver terminal events to the manager's owner (the channel hub).
// They fire from backend goroutines and from idle timers.
type Callbacks struct {
	OnReady  func(terminalID string)
	OnOutput func(terminalID string, data []byte)
	OnExit   func(terminalID string, code int, signal string)
	OnError  func(terminalID string, code, message string)
}

// terminalRuntime is the per-terminal state the manager tracks.
type terminalRuntime struct {
	cols, rows int
	ready      bool
	idle       *time.Timer
	replay     *ReplayBuffer
}

// Manager owns the terminal registry for one session.
type Manager struct {
	cfg Config
	cb  Callbacks
	be  backend.Backend
	env []string // filtered snapshot, computed once

	mu    sync.Mutex
	terms map[string]*terminalRuntime
}

// NewManager builds a Manager over the platform backend produced by
// newBackend (nil means backend.New). The environment snapshot is taken and
// filtered here, once; the spawn path never consults the live environment.
func NewManager(cfg Config, newBackend func(backend.Callbacks) backend.Backend, cb Callbacks) *Manager {
	if cfg.MaxTerminals <= 0 {
		cfg.MaxTerminals = DefaultMaxTerminals
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Env == nil {
		cfg.Env = Snapshot()
	}

	m := &Manager{
		cfg:   cfg,
		cb:    cb,
		env:   FilterEnv(cfg.Env),
		terms: make(map[string]*terminalRuntime),
	}

	if newBackend == nil {
		newBackend = backend.New
	}
	m.be = newBackend(backend.Callbacks{
		OnReady:  m.handleReady,
		OnOutput: m.handleOutput,
		OnExit:   m.handleExit,
		OnError:  m.handleError,
	})

	return m
}

// Create registers a terminal and spawns its shell. Repeating a create for a
// live ID must not double-spawn: it is treated as a resize plus a reaffirmed
// ready instead. A full registry yields too_many_terminals and changes
// nothing.
func (m *Manager) Create(terminalID string, cols, rows int, shell string, shellOptions []string) {
	cols, rows = clampGeometry(cols, rows)

	m.mu.Lock()
	if rt, exists := m.terms[terminalID]; exists {
		rt.cols, rt.rows = cols, rows
		wasReady := rt.ready
		m.resetIdleLocked(terminalID, rt)
		m.mu.Unlock()

		_ = m.be.Resize(terminalID, cols, rows)
		if wasReady && m.cb.OnReady != nil {
			m.cb.OnReady(terminalID)
		}
		return
	}

	if len(m.terms) >= m.cfg.MaxTerminals {
		m.mu.Unlock()
		m.emitError(terminalID, protocol.CodeTooManyTerminals,
			fmt.Sprintf("terminal limit of %d reached", m.cfg.MaxTerminals))
		return
	}

	resolved, err := backend.ResolveShell(shell, m.env)
	if err != nil {
		m.mu.Unlock()
		m.emitError(terminalID, protocol.CodeShellNotFound, err.Error())
		return
	}

	rt := &terminalRuntime{
		cols:   cols,
		rows:   rows,
		replay: NewReplayBuffer(m.cfg.ReplaySize),
	}
	m.terms[terminalID] = rt
	m.resetIdleLocked(terminalID, rt)
	m.mu.Unlock()

	err = m.be.Start(backend.Spec{
		TerminalID: terminalID,
		Shell:      resolved.Path,
		Args:       shellOptions,
		Dir:        m.cfg.WorkDir,
		Env:        m.env,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		// Roll back the registration so the ID is free for a retry.
		m.removeRuntime(terminalID)
		m.emitError(terminalID, protocol.CodeSpawnFailed, err.Error())
	}
}

// Write forwards input to a terminal and refreshes its idle timer.
func (m *Manager) Write(terminalID string, data []byte) {
	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	if ok {
		m.resetIdleLocked(terminalID, rt)
	}
	m.mu.Unlock()

	if !ok {
		m.emitError(terminalID, protocol.CodeTerminalNotFound, "terminal not found")
		return
	}
	if err := m.be.Write(terminalID, data); err != nil {
		m.emitError(terminalID, protocol.CodeUnknown, fmt.Sprintf("write failed: %v", err))
	}
}

// Resize changes a terminal's geometry. Resizes racing a close are expected
// and harmless, so an unknown ID is a silent no-op.
func (m *Manager) Resize(terminalID string, cols, rows int) {
	cols, rows = clampGeometry(cols, rows)

	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	if ok {
		rt.cols, rt.rows = cols, rows
		m.resetIdleLocked(terminalID, rt)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := m.be.Resize(terminalID, cols, rows); err != nil {
		m.emitError(terminalID, protocol.CodeUnknown, fmt.Sprintf("resize failed: %v", err))
	}
}

// Attach reports whether the terminal is registered and, if so, returns the
// buffered output to replay to the reattaching client and refreshes the idle
// timer.
func (m *Manager) Attach(terminalID string) ([]byte, bool) {
	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	if ok {
		m.resetIdleLocked(terminalID, rt)
	}
	m.mu.Unlock()

	if !ok {
		return nil, false
	}
	return rt.replay.Snapshot(), true
}

// Geometry returns the last known size for a terminal.
func (m *Manager) Geometry(terminalID string) (cols, rows int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, exists := m.terms[terminalID]
	if !exists {
		return 0, 0, false
	}
	return rt.cols, rt.rows, true
}

// Count returns the number of registered terminals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terms)
}

// Close deregisters a terminal, cancels its idle timer, and closes the
// backend handle. Closing an unknown ID is a no-op.
func (m *Manager) Close(terminalID string) {
	if !m.removeRuntime(terminalID) {
		return
	}
	if err := m.be.Close(terminalID); err != nil {
		log.Printf("[terminal-mgr] close %s: %v", terminalID, err)
	}
}

// CloseAll closes every terminal. Individual close failures are logged and
// swallowed; CloseAll itself never fails.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terms))
	for id := range m.terms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// --- idle eviction ---

// resetIdleLocked arms or re-arms the terminal's idle timer. Callers must
// hold m.mu. Stop-then-reset so a pending fire never leaks past the refresh.
func (m *Manager) resetIdleLocked(terminalID string, rt *terminalRuntime) {
	if rt.idle != nil {
		rt.idle.Stop()
		rt.idle.Reset(m.cfg.IdleTimeout)
		return
	}
	rt.idle = time.AfterFunc(m.cfg.IdleTimeout, func() {
		m.evictIdle(terminalID)
	})
}

// evictIdle fires when one terminal's idle timer expires. Only that terminal
// is reported and closed; the rest are untouched.
func (m *Manager) evictIdle(terminalID string) {
	m.mu.Lock()
	_, ok := m.terms[terminalID]
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("[terminal-mgr] terminal %s idle, closing", terminalID)
	m.emitError(terminalID, protocol.CodeIdleTimeout, "terminal closed after inactivity")
	m.Close(terminalID)
}

// --- backend event routing ---

func (m *Manager) handleReady(terminalID string) {
	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	if ok {
		rt.ready = true
		m.resetIdleLocked(terminalID, rt)
	}
	m.mu.Unlock()

	if ok && m.cb.OnReady != nil {
		m.cb.OnReady(terminalID)
	}
}

func (m *Manager) handleOutput(terminalID string, data []byte) {
	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	if ok {
		rt.replay.Write(data)
		m.resetIdleLocked(terminalID, rt)
	}
	m.mu.Unlock()

	if ok && m.cb.OnOutput != nil {
		m.cb.OnOutput(terminalID, data)
	}
}

// handleExit forwards the exit, then removes the runtime without a backend
// close: the process is already gone.
func (m *Manager) handleExit(terminalID string, code int, signal string) {
	if m.cb.OnExit != nil {
		m.cb.OnExit(terminalID, code, signal)
	}
	m.removeRuntime(terminalID)
}

// handleError forwards the error, then force-closes the terminal when it
// never became ready or the code is in the fatal set.
func (m *Manager) handleError(terminalID string, code, message string) {
	if code == "" {
		code = protocol.CodeUnknown
	}
	m.emitError(terminalID, code, message)

	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	fatal := ok && (!rt.ready || fatalErrorCodes[code])
	m.mu.Unlock()

	if fatal {
		m.Close(terminalID)
	}
}

// --- helpers ---

// removeRuntime deletes the registry entry and cancels its idle timer. It
// reports whether the ID was registered.
func (m *Manager) removeRuntime(terminalID string) bool {
	m.mu.Lock()
	rt, ok := m.terms[terminalID]
	if ok {
		delete(m.terms, terminalID)
		if rt.idle != nil {
			rt.idle.Stop()
		}
	}
	m.mu.Unlock()
	return ok
}

func (m *Manager) emitError(terminalID, code, message string) {
	if m.cb.OnError != nil {
		m.cb.OnError(terminalID, code, message)
	}
}

func clampGeometry(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}
