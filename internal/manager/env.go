package manager

import (
	"os"
	"strings"
)

// sensitiveEnvKeys is the fixed deny-list of environment variables stripped
// before spawning a shell. The control process carries credentials and
// internal endpoints in these keys; none of them may reach a user-controlled
// terminal.
var sensitiveEnvKeys = map[string]bool{
	"TERMLINK_API_KEY":       true,
	"TERMLINK_AUTH_TOKEN":    true,
	"TERMLINK_SESSION_TOKEN": true,
	"TERMLINK_REFRESH_TOKEN": true,
	"TERMLINK_HUB_URL":       true,
	"TERMLINK_INTERNAL_URL":  true,
}

// Snapshot captures the process environment once. The manager takes this
// snapshot at construction and never reads the environment again, so the
// filtering rule below is exhaustively testable against a fixed input.
func Snapshot() []string {
	env := os.Environ()
	out := make([]string, len(env))
	copy(out, env)
	return out
}

// FilterEnv returns env with every deny-listed key removed. Non-sensitive
// keys pass through unchanged, order preserved.
func FilterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if ok && sensitiveEnvKeys[key] {
			continue
		}
		out = append(out, entry)
	}
	return out
}
