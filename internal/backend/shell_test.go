package backend

import (
	"runtime"
	"testing"
)

func TestResolveShellMissing(t *testing.T) {
	_, err := ResolveShell("definitely-not-a-shell-xyz", nil)
	if err == nil {
		t.Fatal("expected error for a shell that does not exist")
	}
}

func TestResolveShellDefault(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX default chain")
	}
	shell, err := ResolveShell("", nil)
	if err != nil {
		t.Fatalf("default shell resolution failed: %v", err)
	}
	if shell.Path == "" || shell.Display == "" {
		t.Errorf("resolved shell incomplete: %+v", shell)
	}
}

func TestResolveShellDefaultUsesSnapshotNotProcessEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX default chain")
	}
	t.Setenv("SHELL", "/definitely/not/a/shell")

	shell, err := ResolveShell("", []string{"SHELL=/bin/sh"})
	if err != nil {
		t.Fatalf("resolve with snapshot SHELL: %v", err)
	}
	if shell.Path != "/bin/sh" {
		t.Errorf("path = %q, want the snapshot's /bin/sh", shell.Path)
	}

	// A snapshot without SHELL falls through to the platform chain; the
	// process environment is never consulted.
	shell, err = ResolveShell("", []string{"PATH=/usr/bin:/bin"})
	if err != nil {
		t.Fatalf("resolve without snapshot SHELL: %v", err)
	}
	if shell.Path == "/definitely/not/a/shell" {
		t.Error("default resolution must not read the process environment")
	}
}

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"/usr/bin/bash":                   "bash",
		"/usr/local/bin/zsh":              "zsh",
		`C:\Program Files\pwsh\pwsh.exe`:  "PowerShell",
		`C:\Windows\System32\cmd.exe`:     "Command Prompt",
		"powershell.exe":                  "PowerShell",
	}
	for path, want := range cases {
		if runtime.GOOS != "windows" && len(path) > 1 && path[1] == ':' {
			// filepath.Base does not split backslash paths on POSIX.
			continue
		}
		if got := displayName(path); got != want {
			t.Errorf("displayName(%q) = %q, want %q", path, got, want)
		}
	}
}
