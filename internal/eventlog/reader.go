package eventlog

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/kandev/conductor/internal/events"
)

const (
	maxLineBytes   = 10 * 1024 * 1024
	readBufferSize = 64 * 1024
	batchSize      = 512
)

// Cursor reads a log incrementally. It only consumes complete lines, so a
// line being written concurrently is picked up whole on a later read.
type Cursor struct {
	path    string
	offset  int64
	afterID int64
	// Skipped counts malformed lines passed over.
	Skipped int
}

// NewCursor returns a cursor yielding events with id greater than afterID.
func NewCursor(path string, afterID int64) *Cursor {
	return &Cursor{path: path, afterID: afterID}
}

// LastID is the id of the last event returned.
func (c *Cursor) LastID() int64 { return c.afterID }

// Next returns up to batchSize events appended since the previous call. A
// missing file yields no events and no error.
func (c *Cursor) Next() ([]events.Event, error) {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(f, readBufferSize)

	var out []events.Event
	for len(out) < batchSize {
		raw, n, err := readLine(r)
		switch {
		case errors.Is(err, io.EOF):
			if n > maxLineBytes {
				// An unterminated line this long will never parse; skip it.
				c.offset += n
				c.Skipped++
			}
			return out, nil
		case errors.Is(err, errLineTooLong):
			c.offset += n
			c.Skipped++
			continue
		case err != nil:
			return out, err
		}
		c.offset += n

		l, err := events.ParseLine(raw)
		if err != nil {
			c.Skipped++
			continue
		}
		if l.Event == nil || l.Event.ID <= c.afterID {
			continue
		}
		out = append(out, *l.Event)
		c.afterID = l.Event.ID
	}
	return out, nil
}

var errLineTooLong = errors.New("log line exceeds limit")

// readLine consumes one newline-terminated line and returns it without the
// newline, plus the number of bytes consumed. A line longer than maxLineBytes
// is consumed but not buffered and yields errLineTooLong. An unterminated tail
// yields io.EOF with the bytes it spans.
func readLine(r *bufio.Reader) ([]byte, int64, error) {
	var (
		line []byte
		n    int64
		over bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		n += int64(len(chunk))
		if !over {
			if len(line)+len(chunk) > maxLineBytes+1 {
				over = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, n, err
		}
		if over {
			return nil, n, errLineTooLong
		}
		return line[:len(line)-1], n, nil
	}
}

// ReadAll returns every event in the log with id greater than afterID.
func ReadAll(path string, afterID int64) ([]events.Event, error) {
	c := NewCursor(path, afterID)
	var all []events.Event
	for {
		batch, err := c.Next()
		if err != nil {
			return all, err
		}
		if len(batch) == 0 {
			return all, nil
		}
		all = append(all, batch...)
	}
}
