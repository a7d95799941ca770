package protocol

import (
	"io"
	"sync"
)

// LineWriter serializes events onto a single stream. It is shared by the
// control loop and every terminal's output pump, so the mutex guarantees
// concurrent emits never interleave partial lines.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineWriter wraps w for concurrent event emission.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Send encodes ev as one JSON line and writes it atomically with respect to
// other Send calls.
func (lw *LineWriter) Send(ev Event) error {
	line, err := stampType(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err = lw.w.Write(line)
	return err
}
