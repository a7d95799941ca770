// termlink-sidecar is the privileged helper that owns PTY handles. It speaks
// the newline-delimited JSON protocol on stdin/stdout; logs go to stderr so
// they never corrupt the protocol stream.
package main

import (
	"log"
	"os"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/manager"
	"github.com/termlink/termlink/internal/sidecar"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	log.SetPrefix("[termlink-sidecar] ")
	config.Load()

	s := sidecar.New(sidecar.Options{
		In:          os.Stdin,
		Out:         os.Stdout,
		IdleTimeout: config.Cfg.SidecarIdleTimeout,
		Env:         manager.FilterEnv(manager.Snapshot()),
		Version:     version,
	})
	os.Exit(s.Run())
}
