package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
)

// Client manages a single yamux-over-WebSocket tunnel to a remote machine.
type Client struct {
	url string

	mu      sync.Mutex
	session *yamux.Session
}

func NewClient(url string) *Client {
	return &Client{url: url}
}

// Connect dials the remote tunnel endpoint and establishes a yamux client
// session over the WebSocket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return fmt.Errorf("tunnel already connected to %s", c.url)
	}

	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}

	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)

	session, err := yamux.Client(netConn, nil)
	if err != nil {
		ws.CloseNow()
		return fmt.Errorf("yamux client init: %w", err)
	}

	c.session = session
	return nil
}

// OpenChannel opens a new yamux stream, writes the channel header (e.g.
// "terminal\n"), and returns the stream positioned for the caller's traffic.
func (c *Client) OpenChannel(channel string) (net.Conn, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil, fmt.Errorf("tunnel not connected")
	}

	conn, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := conn.Write([]byte(channel + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write channel header %q: %w", channel, err)
	}
	return conn, nil
}

// IsClosed reports whether the underlying yamux session is nil or closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == nil || c.session.IsClosed()
}

// SetSession replaces the yamux session directly. Intended for testing.
func (c *Client) SetSession(session *yamux.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Close tears down the yamux session and the WebSocket under it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// Ping defaults. Tests may override PingInterval.
var PingInterval = 30 * time.Second

const PingTimeout = 5 * time.Second

// StartPing launches a goroutine that opens a ping channel every
// PingInterval and expects "pong\n" within PingTimeout. On failure the
// session is closed, which surfaces through IsClosed to the caller's
// reconnect logic. The goroutine exits when ctx is cancelled or the session
// closes.
func (c *Client) StartPing(ctx context.Context) {
	go c.pingLoop(ctx)
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsClosed() {
				return
			}
			if err := c.sendPing(); err != nil {
				log.Printf("[tunnel] %s: ping failed: %v, closing session", c.url, err)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) sendPing() error {
	conn, err := c.OpenChannel(ChannelPing)
	if err != nil {
		return fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(PingTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}
