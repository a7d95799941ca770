// Package hub exposes one session's Terminal Manager over the real-time
// terminal channel. A remote client connects via WebSocket, sends
// terminal:* messages, and receives ready/output/exit/error events back.
//
// One client connection is active at a time; a newer connection supersedes
// the previous one. Output produced while no client is attached is buffered
// by the manager's replay buffer and flushed on the next attach.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/termlink/termlink/internal/backend"
	"github.com/termlink/termlink/internal/channel"
	"github.com/termlink/termlink/internal/manager"
	"github.com/termlink/termlink/internal/protocol"
)

// maxInputMessageSize caps a single terminal input message (64 KB).
const maxInputMessageSize = 64 * 1024

// messageRateLimit and messageRateBurst bound per-connection message
// throughput; bursts cover paste operations.
const (
	messageRateLimit = 200
	messageRateBurst = 200
)

// SessionPathResolver returns the working directory for a session's shells.
// It is an external collaborator; the hub only consumes it.
type SessionPathResolver func(sessionID string) (string, error)

// Hub bridges the real-time channel to one session's Terminal Manager.
type Hub struct {
	sessionID string
	mgr       *manager.Manager

	mu   sync.Mutex
	conn *clientConn // currently attached client, nil when disconnected
}

type clientConn struct {
	ws  *websocket.Conn
	ctx context.Context
}

// New builds a Hub for one session. The session path resolver supplies the
// working directory for spawned shells; a resolver failure is logged and the
// shells inherit the process working directory instead.
func New(sessionID string, cfg manager.Config, newBackend func(backend.Callbacks) backend.Backend, resolve SessionPathResolver) *Hub {
	h := &Hub{sessionID: sessionID}

	if resolve != nil {
		dir, err := resolve(sessionID)
		if err != nil {
			log.Printf("[hub] session %s: resolve path: %v", sessionID, err)
		} else {
			cfg.WorkDir = dir
		}
	}

	h.mgr = manager.NewManager(cfg, newBackend, manager.Callbacks{
		OnReady: func(id string) {
			h.sendToClient(channel.ReadyMessage{Event: channel.EventReady, TerminalID: id})
		},
		OnOutput: func(id string, data []byte) {
			h.sendToClient(channel.OutputMessage{
				Event:      channel.EventOutput,
				TerminalID: id,
				Data:       base64.StdEncoding.EncodeToString(data),
			})
		},
		OnExit: func(id string, code int, signal string) {
			h.sendToClient(channel.ExitMessage{
				Event:      channel.EventExit,
				TerminalID: id,
				Code:       code,
				Signal:     signal,
			})
		},
		OnError: func(id, code, message string) {
			h.sendToClient(channel.ErrorMessage{
				Event:      channel.EventError,
				TerminalID: id,
				Code:       code,
				Message:    message,
			})
		},
	})

	return h
}

// Manager exposes the underlying Terminal Manager, mainly for shutdown.
func (h *Hub) Manager() *manager.Manager {
	return h.mgr
}

// Router returns the HTTP routes the hub serves.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/terminal", h.TerminalWS)
	r.Get("/health", h.health)
	return r
}

func (h *Hub) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"session": h.sessionID,
	})
}

// TerminalWS accepts one WebSocket client and pumps channel messages into
// the Terminal Manager until the connection drops.
func (h *Hub) TerminalWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[hub] websocket accept: %v", err)
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	ws.SetReadLimit(protocol.MaxLineLength)

	conn := &clientConn{ws: ws, ctx: ctx}
	h.attachConn(conn)
	defer h.detachConn(conn)

	limiter := newTokenBucket(messageRateBurst, messageRateLimit)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		// Drop messages beyond the allowed rate.
		if !limiter.allow() {
			continue
		}

		msg, err := channel.DecodeClientMessage(data)
		if err != nil {
			h.sendToClient(channel.ErrorMessage{
				Event:   channel.EventError,
				Code:    protocol.CodeUnknown,
				Message: err.Error(),
			})
			continue
		}
		h.dispatch(msg)
	}
}

// dispatch applies one client message to the manager. Session mismatches are
// rejected uniformly with session_unavailable.
func (h *Hub) dispatch(msg channel.ClientMessage) {
	switch m := msg.(type) {
	case channel.CreateMessage:
		if !h.checkSession(m.SessionID, m.TerminalID) {
			return
		}
		h.mgr.Create(m.TerminalID, m.Cols, m.Rows, m.Shell, m.ShellOptions)

	case channel.AttachMessage:
		if !h.checkSession(m.SessionID, m.TerminalID) {
			return
		}
		replay, ok := h.mgr.Attach(m.TerminalID)
		if !ok {
			h.sendToClient(channel.ErrorMessage{
				Event:      channel.EventError,
				TerminalID: m.TerminalID,
				Code:       protocol.CodeAttachFailed,
				Message:    "terminal is not running",
			})
			return
		}
		h.sendToClient(channel.ReadyMessage{Event: channel.EventReady, TerminalID: m.TerminalID})
		if len(replay) > 0 {
			h.sendToClient(channel.OutputMessage{
				Event:      channel.EventOutput,
				TerminalID: m.TerminalID,
				Data:       base64.StdEncoding.EncodeToString(replay),
			})
		}

	case channel.WriteMessage:
		if !h.checkSession(m.SessionID, m.TerminalID) {
			return
		}
		if len(m.Data) > maxInputMessageSize {
			log.Printf("[hub] terminal %s: input message too large (%d bytes)", m.TerminalID, len(m.Data))
			return
		}
		h.mgr.Write(m.TerminalID, []byte(m.Data))

	case channel.ResizeMessage:
		if !h.checkSession(m.SessionID, m.TerminalID) {
			return
		}
		h.mgr.Resize(m.TerminalID, m.Cols, m.Rows)

	case channel.CloseMessage:
		if !h.checkSession(m.SessionID, m.TerminalID) {
			return
		}
		h.mgr.Close(m.TerminalID)
	}
}

func (h *Hub) checkSession(sessionID, terminalID string) bool {
	if sessionID == h.sessionID {
		return true
	}
	h.sendToClient(channel.ErrorMessage{
		Event:      channel.EventError,
		TerminalID: terminalID,
		Code:       protocol.CodeSessionUnavailable,
		Message:    "unknown session " + sessionID,
	})
	return false
}

// attachConn installs ws as the active client, superseding any previous one.
func (h *Hub) attachConn(c *clientConn) {
	h.mu.Lock()
	prev := h.conn
	h.conn = c
	h.mu.Unlock()

	if prev != nil {
		prev.ws.Close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}
}

// detachConn clears the active client if it is still c.
func (h *Hub) detachConn(c *clientConn) {
	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
	}
	h.mu.Unlock()
}

// sendToClient writes one message to the attached client, dropping it when
// no client is attached. The replay buffer covers the gap on the next attach.
func (h *Hub) sendToClient(msg channel.ServerMessage) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[hub] marshal channel message: %v", err)
		return
	}
	if err := conn.ws.Write(conn.ctx, websocket.MessageText, data); err != nil {
		log.Printf("[hub] write to client: %v", err)
	}
}
