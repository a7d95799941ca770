// Package config holds process-environment configuration for the terminal
// subsystem. Everything is optional; zero values fall back to the defaults
// baked into each component.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// Sidecar settings
	SidecarIdleTimeout time.Duration `envconfig:"SIDECAR_IDLE_TIMEOUT" default:"5m"`
	SidecarPath        string        `envconfig:"SIDECAR_PATH" default:"termlink-sidecar"`

	// Terminal manager settings
	MaxTerminals        int           `envconfig:"MAX_TERMINALS" default:"8"`
	TerminalIdleTimeout time.Duration `envconfig:"TERMINAL_IDLE_TIMEOUT" default:"10m"`
	ReplayBufferSize    int           `envconfig:"REPLAY_BUFFER_SIZE" default:"262144"`

	// Client settings
	AttachTimeout time.Duration `envconfig:"ATTACH_TIMEOUT" default:"10s"`

	// Hub settings
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":7130"`
	// AgentURL, when set, points the hub at a remote agent's tunnel endpoint
	// instead of a local sidecar (e.g. ws://host:7130/tunnel).
	AgentURL string `envconfig:"AGENT_URL" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMLINK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
