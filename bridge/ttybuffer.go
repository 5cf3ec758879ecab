package bridge

import (
	"bytes"
	"io"
)

// DefaultBufferSize is the TTYBuffer flush threshold in bytes.
const DefaultBufferSize = 2048

type flusher interface {
	Flush() error
}

// TTYBuffer buffers writes to dst the way a terminal-attached stdout does:
// complete lines are passed through as soon as they are written,
// a trailing partial line is held back until a later newline, an explicit Flush,
// or the buffer reaching its size threshold.
type TTYBuffer struct {
	dst       io.Writer
	threshold int
	buf       []byte

	// lastByte is the final byte passed to dst, or 0 if nothing has been.
	lastByte byte
}

func NewTTYBuffer(dst io.Writer, threshold int) *TTYBuffer {
	if threshold < 1 {
		threshold = DefaultBufferSize
	}
	return &TTYBuffer{dst: dst, threshold: threshold}
}

func (t *TTYBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.buf = append(t.buf, p...)
	if len(t.buf) >= t.threshold {
		return len(p), t.Flush()
	}

	nl := bytes.LastIndexByte(p, '\n')
	if nl < 0 {
		return len(p), nil
	}
	// position of that newline in the combined buffer
	end := nl - len(p) + len(t.buf) + 1
	if err := t.emit(t.buf[:end]); err != nil {
		return 0, err
	}
	t.buf = append(t.buf[:0], t.buf[end:]...)
	return len(p), t.flushDst()
}

func (t *TTYBuffer) WriteString(s string) (int, error) {
	return t.Write([]byte(s))
}

// Flush sends whatever is buffered, even a partial line, and flushes dst.
func (t *TTYBuffer) Flush() error {
	if len(t.buf) > 0 {
		if err := t.emit(t.buf); err != nil {
			return err
		}
		t.buf = t.buf[:0]
	}
	return t.flushDst()
}

func (t *TTYBuffer) Close() error {
	return t.Flush()
}

// Buffered returns the number of bytes held back.
func (t *TTYBuffer) Buffered() int {
	return len(t.buf)
}

// AtLineStart reports whether everything emitted so far ends in a newline and nothing is held back.
func (t *TTYBuffer) AtLineStart() bool {
	return len(t.buf) == 0 && (t.lastByte == 0 || t.lastByte == '\n')
}

func (t *TTYBuffer) emit(b []byte) error {
	_, err := t.dst.Write(b)
	if err != nil {
		return err
	}
	t.lastByte = b[len(b)-1]
	return nil
}

func (t *TTYBuffer) flushDst() error {
	if f, ok := t.dst.(flusher); ok {
		return f.Flush()
	}
	return nil
}
