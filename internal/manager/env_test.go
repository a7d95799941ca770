package manager

import (
	"strings"
	"testing"
)

func TestFilterEnvStripsSensitiveKeys(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"TERMLINK_API_KEY=sk-secret",
		"HOME=/home/user",
		"TERMLINK_AUTH_TOKEN=tok",
		"TERMLINK_SESSION_TOKEN=tok2",
		"TERMLINK_REFRESH_TOKEN=tok3",
		"TERMLINK_HUB_URL=https://internal",
		"TERMLINK_INTERNAL_URL=https://internal2",
		"MY_CUSTOM_VAR=keep-me",
	}

	got := FilterEnv(env)

	for _, entry := range got {
		key, _, _ := strings.Cut(entry, "=")
		if sensitiveEnvKeys[key] {
			t.Errorf("sensitive key %q leaked through the filter", key)
		}
	}
	want := []string{"PATH=/usr/bin", "HOME=/home/user", "MY_CUSTOM_VAR=keep-me"}
	if len(got) != len(want) {
		t.Fatalf("filtered env = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("filtered[%d] = %q, want %q (order must be preserved)", i, got[i], want[i])
		}
	}
}

func TestFilterEnvKeepsValuesContainingSensitiveNames(t *testing.T) {
	// Only the key matters; a value mentioning a deny-listed name passes.
	env := []string{"NOTES=set TERMLINK_API_KEY later"}
	got := FilterEnv(env)
	if len(got) != 1 || got[0] != env[0] {
		t.Errorf("filtered env = %v", got)
	}
}

func TestManagerSpawnsWithFilteredSnapshot(t *testing.T) {
	env := []string{"PATH=/usr/bin", "TERMLINK_API_KEY=sk-secret", "LANG=C"}
	be := newFakeBackend()
	m := NewManager(Config{Env: env}, be.factory, Callbacks{})

	m.Create("t1", 80, 24, "", nil)

	be.mu.Lock()
	spawned := be.started[0].Env
	be.mu.Unlock()
	for _, entry := range spawned {
		if strings.HasPrefix(entry, "TERMLINK_API_KEY=") {
			t.Fatal("sensitive key reached the spawned terminal")
		}
	}
	if len(spawned) != 2 {
		t.Errorf("spawn env = %v", spawned)
	}
}
