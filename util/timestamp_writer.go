package util

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"
)

// TimestampWriter prefixes every complete line written to it with the current unix time in seconds,
// the same format moreutils' `ts %s` produces. Partial lines are buffered until a newline or Close.
type TimestampWriter struct {
	w   io.Writer
	now func() time.Time
	mu  sync.Mutex
	buf []byte
}

func NewTimestampWriter(w io.Writer) *TimestampWriter {
	return &TimestampWriter{w: w, now: time.Now}
}

func (t *TimestampWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	for {
		idx := bytes.IndexByte(t.buf, '\n')
		if idx < 0 {
			break
		}
		if err := t.writeLine(t.buf[:idx+1]); err != nil {
			return 0, err
		}
		t.buf = t.buf[idx+1:]
	}
	return len(p), nil
}

// Close flushes a trailing partial line. It does not close the underlying writer.
func (t *TimestampWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buf) == 0 {
		return nil
	}
	line := append(t.buf, '\n')
	t.buf = nil
	return t.writeLine(line)
}

func (t *TimestampWriter) writeLine(line []byte) error {
	prefix := strconv.FormatInt(t.now().Unix(), 10) + " "
	if _, err := io.WriteString(t.w, prefix); err != nil {
		return err
	}
	_, err := t.w.Write(line)
	return err
}
