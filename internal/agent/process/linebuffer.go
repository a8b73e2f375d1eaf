package process

import (
	"bytes"

	"github.com/kandev/conductor/internal/common/constants"
)

// LineBuffer reassembles newline-terminated lines from arbitrary read
// chunks. Bytes after the last newline are held until a later chunk
// completes them; a partial line is never returned from Feed.
type LineBuffer struct {
	buf []byte
	max int
}

// NewLineBuffer returns a buffer that holds at most max pending bytes.
// max <= 0 uses the default line limit.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = constants.MaxLineBytes
	}
	return &LineBuffer{max: max}
}

// Feed appends chunk and returns every line it completes, without the
// terminator. A trailing carriage return is dropped. A pending line that
// grows past the limit is returned as-is so the caller can log and skip it.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(b.buf[:i], []byte{'\r'})))
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) > b.max {
		lines = append(lines, string(b.buf))
		b.buf = nil
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Pending reports how many bytes are held waiting for a terminator.
func (b *LineBuffer) Pending() int { return len(b.buf) }

// Flush returns the unterminated remainder, if any, and empties the buffer.
// Call it once the stream has ended.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	s := string(b.buf)
	b.buf = nil
	return s, true
}
