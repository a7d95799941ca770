// Package client implements the remote-client side of the terminal channel:
// a reconnecting session that creates a terminal on first connect, reattaches
// on every reconnect, and falls back to a replacement terminal when the old
// one cannot be recovered.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/termlink/termlink/internal/channel"
	"github.com/termlink/termlink/internal/protocol"
)

// Conn is one live connection to the hub's terminal endpoint. Implementations
// must allow Send and Receive from different goroutines.
type Conn interface {
	Send(msg channel.ClientMessage) error
	Receive() (channel.ServerMessage, error)
	Close() error
}

// Dialer establishes a new Conn. The session redials through it on every
// reconnect attempt.
type Dialer func(ctx context.Context) (Conn, error)

// WebSocketDialer dials the hub's terminal endpoint over WebSocket.
func WebSocketDialer(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		ws, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}
		ws.SetReadLimit(protocol.MaxLineLength)
		return &wsConn{ws: ws}, nil
	}
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(msg channel.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal channel message: %w", err)
	}
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

func (c *wsConn) Receive() (channel.ServerMessage, error) {
	_, data, err := c.ws.Read(context.Background())
	if err != nil {
		return nil, err
	}
	return channel.DecodeServerMessage(data)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
