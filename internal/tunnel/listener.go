// Package tunnel carries the sidecar wire protocol to a remote machine. A
// single WebSocket connection is multiplexed with yamux; each stream opens
// with a newline-terminated channel header that routes it to a handler. The
// "terminal" channel speaks the newline-delimited JSON sidecar protocol.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
)

// ChannelHandler handles a yamux stream for a specific channel. The channel
// header has already been consumed; the handler receives the stream
// positioned at the first byte after the newline.
type ChannelHandler func(conn net.Conn)

// headerTimeout bounds how long a new stream may take to declare its channel.
const headerTimeout = 5 * time.Second

// Listener accepts tunnel connections on the remote machine and routes each
// stream to its channel handler.
type Listener struct {
	mu       sync.RWMutex
	handlers map[string]ChannelHandler
}

func NewListener() *Listener {
	l := &Listener{handlers: make(map[string]ChannelHandler)}
	l.Register(ChannelPing, pingHandler)
	return l
}

// Register installs a handler for the given channel name. Safe to call from
// multiple goroutines.
func (l *Listener) Register(name string, handler ChannelHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = handler
}

// ServeHTTP upgrades the request to a WebSocket and serves yamux streams
// over it until the connection drops.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[tunnel] websocket accept: %v", err)
		return
	}

	remoteAddr := r.RemoteAddr
	log.Printf("[tunnel] connection accepted from %s", remoteAddr)

	// Wrap the WebSocket as a net.Conn for yamux.
	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)

	session, err := yamux.Server(netConn, nil)
	if err != nil {
		log.Printf("[tunnel] yamux server: %v", err)
		ws.CloseNow()
		return
	}
	defer session.Close()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !isSessionClosed(err) {
				log.Printf("[tunnel] accept stream from %s: %v", remoteAddr, err)
			}
			return
		}
		go l.routeStream(stream)
	}
}

// routeStream reads the channel header from a yamux stream and dispatches it
// to the registered handler.
func (l *Listener) routeStream(stream *yamux.Stream) {
	stream.SetReadDeadline(time.Now().Add(headerTimeout))

	channel, err := readChannelHeader(stream)
	if err != nil {
		log.Printf("[tunnel] read channel header from stream %d: %v", stream.StreamID(), err)
		stream.Close()
		return
	}

	// Clear the deadline for the actual handler.
	stream.SetReadDeadline(time.Time{})

	l.mu.RLock()
	handler, ok := l.handlers[channel]
	l.mu.RUnlock()

	if !ok {
		log.Printf("[tunnel] unknown channel %q on stream %d, closing", channel, stream.StreamID())
		stream.Close()
		return
	}

	handler(stream)
}

// readChannelHeader reads a newline-terminated channel name from r. It reads
// one byte at a time to avoid buffering past the header.
func readChannelHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		_, err := r.Read(b)
		if err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > 64 {
			return "", errors.New("channel header exceeds 64 bytes")
		}
	}
}

// pingHandler answers health-check pings with "pong\n" and closes the stream.
func pingHandler(conn net.Conn) {
	defer conn.Close()
	conn.Write([]byte("pong\n"))
}

func isSessionClosed(err error) bool {
	if errors.Is(err, yamux.ErrSessionShutdown) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}
