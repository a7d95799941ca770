// Package channel defines the real-time terminal channel vocabulary spoken
// between the control process (hub side) and a remote client. Messages are
// JSON objects discriminated by an "event" field. Both ends share these
// shapes so the dispatch switch stays exhaustive in one place.
package channel

import (
	"encoding/json"
	"fmt"
)

// Client → hub event names.
const (
	EventCreate = "terminal:create"
	EventAttach = "terminal:attach"
	EventWrite  = "terminal:write"
	EventResize = "terminal:resize"
	EventClose  = "terminal:close"
)

// Hub → client event names.
const (
	EventReady  = "terminal:ready"
	EventOutput = "terminal:output"
	EventExit   = "terminal:exit"
	EventError  = "terminal:error"
)

// --- client → hub ---

// ClientMessage is the closed set of messages a remote client may send.
type ClientMessage interface {
	isClientMessage()
}

// CreateMessage spawns a new terminal in the session.
type CreateMessage struct {
	Event        string   `json:"event"`
	SessionID    string   `json:"sessionId"`
	TerminalID   string   `json:"terminalId"`
	Cols         int      `json:"cols"`
	Rows         int      `json:"rows"`
	Shell        string   `json:"shell,omitempty"`
	ShellOptions []string `json:"shellOptions,omitempty"`
}

// AttachMessage resumes an existing terminal after a reconnect.
type AttachMessage struct {
	Event      string `json:"event"`
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// WriteMessage sends keystrokes to a terminal.
type WriteMessage struct {
	Event      string `json:"event"`
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// ResizeMessage changes a terminal's geometry.
type ResizeMessage struct {
	Event      string `json:"event"`
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// CloseMessage tears down a terminal.
type CloseMessage struct {
	Event      string `json:"event"`
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

func (CreateMessage) isClientMessage() {}
func (AttachMessage) isClientMessage() {}
func (WriteMessage) isClientMessage()  {}
func (ResizeMessage) isClientMessage() {}
func (CloseMessage) isClientMessage()  {}

// --- hub → client ---

// ServerMessage is the closed set of messages the hub may send.
type ServerMessage interface {
	isServerMessage()
}

// ReadyMessage confirms a terminal is live and accepting input.
type ReadyMessage struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminalId"`
}

// OutputMessage carries base64-encoded terminal output.
type OutputMessage struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// ExitMessage reports the terminal's process exit.
type ExitMessage struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminalId"`
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
}

// ErrorMessage reports a failure with a stable code and raw message.
type ErrorMessage struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (ReadyMessage) isServerMessage()  {}
func (OutputMessage) isServerMessage() {}
func (ExitMessage) isServerMessage()   {}
func (ErrorMessage) isServerMessage()  {}

// DecodeClientMessage parses one client message, rejecting unknown or
// malformed shapes at the boundary.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var peek struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("malformed channel message: %w", err)
	}

	switch peek.Event {
	case EventCreate:
		var msg CreateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventAttach:
		var msg AttachMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventWrite:
		var msg WriteMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventResize:
		var msg ResizeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventClose:
		var msg CloseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown channel event %q", peek.Event)
	}
}

// DecodeServerMessage parses one hub message on the client side.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var peek struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("malformed channel message: %w", err)
	}

	switch peek.Event {
	case EventReady:
		var msg ReadyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventOutput:
		var msg OutputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventExit:
		var msg ExitMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	case EventError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("bad %s message: %w", peek.Event, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown channel event %q", peek.Event)
	}
}
