package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

// ErrSidecarNotFound means the sidecar binary is missing from the expected
// path, typically because an install or update left it behind.
var ErrSidecarNotFound = errors.New("sidecar binary not found")

// procExitGrace is how long Close waits for the sidecar to exit on its own
// after stdin closes before killing it.
const procExitGrace = 3 * time.Second

// Process runs a sidecar as a child and exposes its stdio as the
// io.ReadWriteCloser that ConnectSidecar expects. The sidecar owns the PTY
// handles; this process only shuttles protocol lines.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// StartProcess launches the sidecar binary with the given arguments and
// environment. A missing binary is reported as ErrSidecarNotFound so callers
// can surface the dedicated error code.
func StartProcess(path string, args []string, env []string) (*Process, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSidecarNotFound, path)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sidecar %s: %w", path, err)
	}
	log.Printf("[sidecar-proc] started %s (pid %d)", path, cmd.Process.Pid)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.waitOnce.Do(func() { p.waitErr = err })
	close(p.done)
	if err != nil {
		log.Printf("[sidecar-proc] pid %d exited: %v", p.cmd.Process.Pid, err)
	}
}

// Read reads protocol output from the sidecar's stdout.
func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Write sends protocol input to the sidecar's stdin.
func (p *Process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes stdin so the sidecar sees EOF and exits, then waits briefly
// before killing a process that will not go.
func (p *Process) Close() error {
	p.stdin.Close()

	select {
	case <-p.done:
	case <-time.After(procExitGrace):
		log.Printf("[sidecar-proc] pid %d did not exit after stdin close, killing", p.cmd.Process.Pid)
		p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// Wait blocks until the sidecar exits and returns its wait error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the sidecar's exit code, valid once Wait has returned.
func (p *Process) ExitCode() int {
	<-p.done
	return p.cmd.ProcessState.ExitCode()
}
