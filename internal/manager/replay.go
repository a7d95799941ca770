package manager

import "sync"

// defaultReplaySize is the default cap on buffered output per terminal (256 KB).
const defaultReplaySize = 256 * 1024

// ReplayBuffer is a thread-safe byte buffer holding recent terminal output so
// a reattaching client can be caught up. When the buffer exceeds maxLen,
// older data is trimmed from the front. Delivery is best-effort: output older
// than the cap is gone.
type ReplayBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewReplayBuffer creates a buffer capped at maxLen bytes. If maxLen <= 0,
// defaultReplaySize is used.
func NewReplayBuffer(maxLen int) *ReplayBuffer {
	if maxLen <= 0 {
		maxLen = defaultReplaySize
	}
	return &ReplayBuffer{maxLen: maxLen}
}

// Write appends data, trimming from the front past the cap.
func (b *ReplayBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.maxLen {
		b.data = b.data[len(b.data)-b.maxLen:]
	}
}

// Snapshot returns a copy of the current contents.
func (b *ReplayBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the current buffer length.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
