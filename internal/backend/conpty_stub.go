//go:build !windows

package backend

import "errors"

func newConPTYBackend(cb Callbacks) Backend {
	return unavailableBackend{err: errors.New("conpty is only available on Windows")}
}
