package protocol

import (
	"bufio"
	"errors"
	"io"
)

// ErrLineTooLong is returned by LineReader when a line exceeds MaxLineLength.
// The reader discards the remainder of the oversized line and stays usable,
// so one misbehaving request does not terminate the connection.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

// LineReader yields newline-terminated protocol lines with a hard length cap.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r with a buffer sized for typical protocol lines.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its trailing newline. It returns
// ErrLineTooLong for oversized lines (after skipping them) and io.EOF at end
// of stream. A final unterminated line is returned before EOF.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		line = append(line, chunk...)

		// The cap applies to the payload: a complete line's trailing newline
		// (and carriage return) does not count, so the boundary matches the
		// decoder's check on the stripped line.
		n := len(line)
		if err == nil {
			n--
			if n > 0 && line[n-1] == '\r' {
				n--
			}
		}
		if n > MaxLineLength {
			// Drain the rest of the oversized line so the stream stays
			// aligned on the next newline.
			for err == bufio.ErrBufferFull {
				_, err = lr.r.ReadSlice('\n')
			}
			return nil, ErrLineTooLong
		}

		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		// Strip the newline (and a preceding carriage return, if any).
		line = line[:len(line)-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		return line, nil
	}
}
