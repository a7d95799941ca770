// Package protocol defines the newline-delimited JSON protocol spoken between
// a control process and the terminal sidecar. Every line is a single JSON
// object carrying a "type" discriminator. Requests flow client→sidecar and
// events flow sidecar→client.
//
// The request set is a closed tagged union decoded once at the boundary by
// [DecodeRequest]; malformed or unknown shapes are rejected there rather than
// deep inside handling code. PTY output bytes are arbitrary binary and travel
// base64-encoded in the output event's data field. All other fields are UTF-8
// text.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version announced in the hello event. A client
// refuses to speak to a sidecar announcing a different version.
const Version = 1

// MaxLineLength is the hard cap on a single protocol line. Lines beyond it
// are a decode error, protecting both ends against unbounded buffering from
// a misbehaving peer.
const MaxLineLength = 2 * 1024 * 1024

// Request type discriminators.
const (
	TypeOpen     = "open"
	TypeWrite    = "write"
	TypeResize   = "resize"
	TypeClose    = "close"
	TypePing     = "ping"
	TypeShutdown = "shutdown"
)

// Event type discriminators.
const (
	TypeHello       = "hello"
	TypeReady       = "ready"
	TypeOutput      = "output"
	TypeExit        = "exit"
	TypeError       = "error"
	TypePong        = "pong"
	TypeShutdownAck = "shutdownAck"
)

// --- Requests (client → sidecar) ---

// Request is the closed set of messages a client may send to the sidecar.
type Request interface {
	isRequest()
}

// OpenRequest asks the sidecar to spawn a terminal under the given ID.
// The ID is chosen by the control process, never by the sidecar.
type OpenRequest struct {
	Type         string   `json:"type"`
	TerminalID   string   `json:"terminalId"`
	Shell        string   `json:"shell,omitempty"`
	ShellOptions []string `json:"shellOptions,omitempty"`
	Cols         int      `json:"cols"`
	Rows         int      `json:"rows"`
}

// WriteRequest sends input data to a terminal.
type WriteRequest struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// ResizeRequest changes a terminal's window size.
type ResizeRequest struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// CloseRequest closes a terminal. Closing an unknown ID is a silent no-op.
type CloseRequest struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

// PingRequest is a keepalive. It resets the sidecar's idle timer even when
// no terminals are open.
type PingRequest struct {
	Type string `json:"type"`
}

// ShutdownRequest asks the sidecar to close every terminal and exit cleanly.
type ShutdownRequest struct {
	Type string `json:"type"`
}

func (OpenRequest) isRequest()     {}
func (WriteRequest) isRequest()    {}
func (ResizeRequest) isRequest()   {}
func (CloseRequest) isRequest()    {}
func (PingRequest) isRequest()     {}
func (ShutdownRequest) isRequest() {}

// --- Events (sidecar → client) ---

// Event is the closed set of messages the sidecar may emit.
type Event interface {
	isEvent()
}

// HelloEvent is emitted exactly once, before any other event, announcing the
// protocol version and the sidecar's implementation version.
type HelloEvent struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
}

// ReadyEvent confirms a terminal spawned and is accepting input. Display is
// the resolved shell's display name (e.g. "bash", "PowerShell").
type ReadyEvent struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Display    string `json:"display"`
}

// OutputEvent carries PTY output. Data is base64-encoded raw bytes.
type OutputEvent struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// ExitEvent reports that a terminal's child process exited.
type ExitEvent struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
}

// ErrorEvent reports a failure scoped to one terminal, or to the whole
// connection when TerminalID is empty. Code is from the closed set in
// errors.go.
type ErrorEvent struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// PongEvent answers a ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ShutdownAckEvent confirms a shutdown request was honored. It is the last
// event the sidecar emits.
type ShutdownAckEvent struct {
	Type string `json:"type"`
}

func (HelloEvent) isEvent()       {}
func (ReadyEvent) isEvent()       {}
func (OutputEvent) isEvent()      {}
func (ExitEvent) isEvent()        {}
func (ErrorEvent) isEvent()       {}
func (PongEvent) isEvent()        {}
func (ShutdownAckEvent) isEvent() {}

// DecodeError describes a line the codec could not turn into a request.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "protocol: " + e.Reason
}

// DecodeRequest parses one protocol line into a typed request. The returned
// error is always a *DecodeError; the caller answers it with an error event
// and keeps reading.
func DecodeRequest(line []byte) (Request, error) {
	if len(line) > MaxLineLength {
		return nil, &DecodeError{Reason: fmt.Sprintf("line exceeds %d bytes", MaxLineLength)}
	}

	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON: " + err.Error()}
	}

	switch peek.Type {
	case TypeOpen:
		var req OpenRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &DecodeError{Reason: "bad open request: " + err.Error()}
		}
		return req, nil
	case TypeWrite:
		var req WriteRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &DecodeError{Reason: "bad write request: " + err.Error()}
		}
		return req, nil
	case TypeResize:
		var req ResizeRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &DecodeError{Reason: "bad resize request: " + err.Error()}
		}
		return req, nil
	case TypeClose:
		var req CloseRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &DecodeError{Reason: "bad close request: " + err.Error()}
		}
		return req, nil
	case TypePing:
		return PingRequest{Type: TypePing}, nil
	case TypeShutdown:
		return ShutdownRequest{Type: TypeShutdown}, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown request type %q", peek.Type)}
	}
}

// EncodeRequest marshals a request as one protocol line, newline included.
func EncodeRequest(req Request) ([]byte, error) {
	stamped, err := stampType(req)
	if err != nil {
		return nil, err
	}
	return append(stamped, '\n'), nil
}

// stampType marshals v and guarantees the "type" field is populated, deriving
// it from the concrete Go type when the caller left it empty.
func stampType(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case OpenRequest:
		m.Type = TypeOpen
		return json.Marshal(m)
	case WriteRequest:
		m.Type = TypeWrite
		return json.Marshal(m)
	case ResizeRequest:
		m.Type = TypeResize
		return json.Marshal(m)
	case CloseRequest:
		m.Type = TypeClose
		return json.Marshal(m)
	case PingRequest:
		m.Type = TypePing
		return json.Marshal(m)
	case ShutdownRequest:
		m.Type = TypeShutdown
		return json.Marshal(m)
	case HelloEvent:
		m.Type = TypeHello
		return json.Marshal(m)
	case ReadyEvent:
		m.Type = TypeReady
		return json.Marshal(m)
	case OutputEvent:
		m.Type = TypeOutput
		return json.Marshal(m)
	case ExitEvent:
		m.Type = TypeExit
		return json.Marshal(m)
	case ErrorEvent:
		m.Type = TypeError
		return json.Marshal(m)
	case PongEvent:
		m.Type = TypePong
		return json.Marshal(m)
	case ShutdownAckEvent:
		m.Type = TypeShutdownAck
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", v)
	}
}

// DecodeEvent parses one protocol line into a typed event. Used by the
// client end of the wire.
func DecodeEvent(line []byte) (Event, error) {
	if len(line) > MaxLineLength {
		return nil, &DecodeError{Reason: fmt.Sprintf("line exceeds %d bytes", MaxLineLength)}
	}

	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON: " + err.Error()}
	}

	switch peek.Type {
	case TypeHello:
		var ev HelloEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &DecodeError{Reason: "bad hello event: " + err.Error()}
		}
		return ev, nil
	case TypeReady:
		var ev ReadyEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &DecodeError{Reason: "bad ready event: " + err.Error()}
		}
		return ev, nil
	case TypeOutput:
		var ev OutputEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &DecodeError{Reason: "bad output event: " + err.Error()}
		}
		return ev, nil
	case TypeExit:
		var ev ExitEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &DecodeError{Reason: "bad exit event: " + err.Error()}
		}
		return ev, nil
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &DecodeError{Reason: "bad error event: " + err.Error()}
		}
		return ev, nil
	case TypePong:
		return PongEvent{Type: TypePong}, nil
	case TypeShutdownAck:
		return ShutdownAckEvent{Type: TypeShutdownAck}, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown event type %q", peek.Type)}
	}
}
