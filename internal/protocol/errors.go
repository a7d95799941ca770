package protocol

// Error codes emitted by the sidecar. This is a closed, versioned set: adding
// a code is a protocol change, and clients must render unrecognized codes via
// the raw-message fallback rather than failing.
const (
	CodeUnknown           = "unknown"
	CodeShellNotFound     = "shell_not_found"
	CodeConPTYUnavailable = "conpty_unavailable"
	CodeStartupFailed     = "startup_failed"
	CodeTerminalNotFound  = "terminal_not_found"
	CodeSpawnFailed       = "spawn_failed"
)

// Extended error codes visible to remote clients. They originate on the
// control-process side rather than inside the sidecar.
const (
	CodeTooManyTerminals      = "too_many_terminals"
	CodeIdleTimeout           = "idle_timeout"
	CodeCLIDisconnected       = "cli_disconnected"
	CodeSessionUnavailable    = "session_unavailable"
	CodeTerminalAlreadyExists = "terminal_already_exists"
	CodeAttachFailed          = "attach_failed"
	CodeRuntimeUnavailable    = "runtime_unavailable"
	CodeSidecarCrashed        = "sidecar_crashed"
	CodeSidecarTimeout        = "sidecar_timeout"
	CodeSidecarProtoMismatch  = "sidecar_protocol_mismatch"
	CodeSidecarNotFound       = "sidecar_not_found"
	CodeStreamClosed          = "stream_closed"
)

// errorCopy maps stable error codes to human-readable copy shown to users.
var errorCopy = map[string]string{
	CodeUnknown:           "The terminal backend reported an unknown error.",
	CodeShellNotFound:     "The requested shell was not found on this machine.",
	CodeConPTYUnavailable: "This version of Windows does not support ConPTY terminals.",
	CodeStartupFailed:     "The terminal failed to start.",
	CodeTerminalNotFound:  "This terminal is no longer running.",
	CodeSpawnFailed:       "The terminal process could not be spawned.",

	CodeTooManyTerminals:      "Too many terminals are open. Close one and try again.",
	CodeIdleTimeout:           "The terminal was closed after a period of inactivity.",
	CodeCLIDisconnected:       "The controlling process disconnected.",
	CodeSessionUnavailable:    "The session is not available.",
	CodeTerminalAlreadyExists: "A terminal with this ID already exists.",
	CodeAttachFailed:          "Could not reattach to the terminal.",
	CodeRuntimeUnavailable:    "The terminal runtime is not available on this machine.",
	CodeSidecarCrashed:        "The terminal helper process crashed.",
	CodeSidecarTimeout:        "The terminal helper process did not respond in time.",
	CodeSidecarProtoMismatch:  "The terminal helper process is running an incompatible version.",
	CodeSidecarNotFound:       "The terminal helper binary was not found.",
	CodeStreamClosed:          "The terminal stream was closed unexpectedly.",
}

// Humanize translates a stable error code into user-facing copy. Unrecognized
// codes fall back to the raw message so rendering never blocks on an unknown
// code; an empty raw message falls back to the code itself.
func Humanize(code, raw string) string {
	if copy, ok := errorCopy[code]; ok {
		return copy
	}
	if raw != "" {
		return raw
	}
	return code
}
