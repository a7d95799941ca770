// termlink-agent runs on a remote machine and serves the sidecar protocol
// over a multiplexed tunnel. Each "terminal" stream gets its own sidecar
// loop, so a control process can drive terminals here exactly as it drives a
// local sidecar's stdio.
package main

import (
	"log"
	"net/http"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/manager"
	"github.com/termlink/termlink/internal/sidecar"
	"github.com/termlink/termlink/internal/tunnel"
)

var version = "dev"

func main() {
	config.Load()

	listener := tunnel.NewListener()
	listener.Register(tunnel.ChannelTerminal, tunnel.TerminalChannelHandler(sidecar.Options{
		IdleTimeout: config.Cfg.SidecarIdleTimeout,
		Env:         manager.FilterEnv(manager.Snapshot()),
		Version:     version,
	}))

	mux := http.NewServeMux()
	mux.Handle("/tunnel", listener)

	log.Printf("[agent] tunnel listening on %s", config.Cfg.ListenAddr)
	if err := http.ListenAndServe(config.Cfg.ListenAddr, mux); err != nil {
		log.Fatalf("[agent] serve: %v", err)
	}
}
