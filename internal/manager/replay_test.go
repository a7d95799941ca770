package manager

import (
	"bytes"
	"strings"
	"testing"
)

func TestReplayBufferTrimsFromFront(t *testing.T) {
	b := NewReplayBuffer(10)
	b.Write([]byte("0123456789"))
	b.Write([]byte("abc"))

	got := b.Snapshot()
	if string(got) != "3456789abc" {
		t.Errorf("snapshot = %q, want the newest 10 bytes", got)
	}
	if b.Len() != 10 {
		t.Errorf("Len() = %d", b.Len())
	}
}

func TestReplayBufferSnapshotIsACopy(t *testing.T) {
	b := NewReplayBuffer(64)
	b.Write([]byte("hello"))

	snap := b.Snapshot()
	snap[0] = 'X'
	if !bytes.Equal(b.Snapshot(), []byte("hello")) {
		t.Error("mutating a snapshot must not touch the buffer")
	}
}

func TestReplayBufferDefaultCap(t *testing.T) {
	b := NewReplayBuffer(0)
	chunk := []byte(strings.Repeat("x", 64*1024))
	for i := 0; i < 8; i++ {
		b.Write(chunk)
	}
	if b.Len() != defaultReplaySize {
		t.Errorf("Len() = %d, want %d", b.Len(), defaultReplaySize)
	}
}
