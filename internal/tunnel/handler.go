package tunnel

import (
	"log"
	"net"

	"github.com/termlink/termlink/internal/sidecar"
)

// TerminalChannelHandler serves the sidecar protocol on each "terminal"
// stream. Every stream gets its own sidecar loop over the stream itself, so
// the remote-machine model reuses the exact stdio code path.
func TerminalChannelHandler(base sidecar.Options) ChannelHandler {
	return func(conn net.Conn) {
		defer conn.Close()

		opts := base
		opts.In = conn
		opts.Out = conn

		code := sidecar.New(opts).Run()
		log.Printf("[tunnel] terminal channel from %s finished (exit state %d)", conn.RemoteAddr(), code)
	}
}
