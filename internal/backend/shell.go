package backend

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolvedShell is the outcome of shell lookup: the absolute path to execute
// and a short display name surfaced to the user in the ready event.
type ResolvedShell struct {
	Path    string
	Display string
}

// ResolveShell turns a requested shell (name or path, possibly empty) into a
// concrete executable. An empty request falls back to the platform default:
// SHELL from the supplied environment snapshot, then /bin/bash, then /bin/sh
// on POSIX; pwsh.exe then powershell.exe on Windows. The snapshot is the one
// the spawned terminal will receive, so resolution never consults the live
// process environment. A request that cannot be found yields an error the
// sidecar reports as shell_not_found.
func ResolveShell(requested string, env []string) (ResolvedShell, error) {
	if requested == "" {
		return defaultShell(env)
	}

	path, err := exec.LookPath(requested)
	if err != nil {
		return ResolvedShell{}, fmt.Errorf("shell %q not found: %w", requested, err)
	}
	return ResolvedShell{Path: path, Display: displayName(path)}, nil
}

func defaultShell(env []string) (ResolvedShell, error) {
	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = []string{"pwsh.exe", "powershell.exe"}
	} else {
		if sh := envValue(env, "SHELL"); sh != "" {
			candidates = append(candidates, sh)
		}
		candidates = append(candidates, "/bin/bash", "/bin/sh")
	}

	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return ResolvedShell{Path: path, Display: displayName(path)}, nil
		}
	}
	return ResolvedShell{}, fmt.Errorf("no usable shell found (tried %s)", strings.Join(candidates, ", "))
}

// envValue finds key in a KEY=value environment snapshot.
func envValue(env []string, key string) string {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return entry[len(prefix):]
		}
	}
	return ""
}

// displayName derives a human-friendly shell name from its path.
func displayName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".exe")
	switch name {
	case "pwsh", "powershell":
		return "PowerShell"
	case "cmd":
		return "Command Prompt"
	default:
		return name
	}
}
