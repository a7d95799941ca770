//go:build windows

package backend

import "errors"

func newPosixBackend(cb Callbacks) Backend {
	return unavailableBackend{err: errors.New("posix pty is not available on Windows")}
}
