// termlink-hub serves one session's terminal channel over WebSocket. When
// the sidecar binary is available it is spawned and all PTY work happens
// there; otherwise terminals run in-process.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/hub"
	"github.com/termlink/termlink/internal/manager"
	"github.com/termlink/termlink/internal/tunnel"
)

func main() {
	sessionID := flag.String("session", "", "session id served by this hub (default: random)")
	flag.Parse()

	config.Load()

	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	h := hub.New(*sessionID, manager.Config{
		MaxTerminals: config.Cfg.MaxTerminals,
		IdleTimeout:  config.Cfg.TerminalIdleTimeout,
		ReplaySize:   config.Cfg.ReplayBufferSize,
	}, newBackend, nil)

	log.Printf("[hub] session %s listening on %s", *sessionID, config.Cfg.ListenAddr)
	if err := http.ListenAndServe(config.Cfg.ListenAddr, h.Router()); err != nil {
		log.Fatalf("[hub] serve: %v", err)
	}
}

// newBackend picks where terminals live: a remote agent when one is
// configured, then a spawned sidecar so PTY handles stay in the helper
// process, then in-process as the last resort.
func newBackend(cb backend.Callbacks) backend.Backend {
	if config.Cfg.AgentURL != "" {
		sb, err := agentBackend(cb)
		if err == nil {
			return sb
		}
		log.Printf("[hub] agent %s unavailable (%v), trying local sidecar", config.Cfg.AgentURL, err)
	}

	proc, err := tunnel.StartProcess(config.Cfg.SidecarPath, nil, manager.FilterEnv(manager.Snapshot()))
	if err != nil {
		log.Printf("[hub] sidecar unavailable (%v), using in-process terminals", err)
		return backend.New(cb)
	}
	sb, err := tunnel.ConnectSidecar(proc, cb)
	if err != nil {
		log.Printf("[hub] sidecar handshake failed (%v), using in-process terminals", err)
		proc.Close()
		return backend.New(cb)
	}
	log.Printf("[hub] sidecar connected (version %s)", sb.Version())
	return sb
}

// agentBackend dials the remote agent's tunnel and drives the sidecar
// protocol over a terminal channel stream.
func agentBackend(cb backend.Callbacks) (backend.Backend, error) {
	tc := tunnel.NewClient(config.Cfg.AgentURL)
	if err := tc.Connect(context.Background()); err != nil {
		return nil, err
	}
	tc.StartPing(context.Background())

	stream, err := tc.OpenChannel(tunnel.ChannelTerminal)
	if err != nil {
		tc.Close()
		return nil, err
	}
	sb, err := tunnel.ConnectSidecar(stream, cb)
	if err != nil {
		tc.Close()
		return nil, err
	}
	log.Printf("[hub] agent connected (version %s)", sb.Version())
	return sb, nil
}
