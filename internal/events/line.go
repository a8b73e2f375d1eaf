package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stream names a plain output line in a log.
type Stream string

// Output streams.
const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
	StreamUser   Stream = "user"
)

func (s Stream) valid() bool {
	switch s {
	case StreamStdout, StreamStderr, StreamSystem, StreamUser:
		return true
	}
	return false
}

// ErrMalformedLine is returned for lines that are neither events nor output.
var ErrMalformedLine = errors.New("malformed log line")

// Line is one parsed log line: either an Event or a plain output line.
type Line struct {
	Event   *Event
	Stream  Stream
	Content string
}

// Serialize frames e as "[<id>|<type>] <json>\n".
func Serialize(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 24)
	fmt.Fprintf(&buf, "[%d|%s] ", e.ID, e.Type())
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// SerializeOutput frames a plain process output line as "[<stream>] <content>\n".
// Backslashes and then newlines are escaped so the line stays single and
// ParseLine restores the exact content.
func SerializeOutput(stream Stream, content string) []byte {
	content = outputEscaper.Replace(content)
	return []byte("[" + string(stream) + "] " + content + "\n")
}

var outputEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

// unescapeOutput reverses SerializeOutput's escaping. Unknown escapes are
// kept as written.
func unescapeOutput(s []byte) string {
	if bytes.IndexByte(s, '\\') < 0 {
		return string(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Deserialize parses one framed event. It rejects plain output lines.
func Deserialize(line []byte) (Event, error) {
	l, err := ParseLine(line)
	if err != nil {
		return Event{}, err
	}
	if l.Event == nil {
		return Event{}, fmt.Errorf("%w: not an event", ErrMalformedLine)
	}
	return *l.Event, nil
}

// ParseLine parses one log line without its trailing newline (a trailing
// newline is tolerated). Empty and malformed lines return ErrMalformedLine.
func ParseLine(line []byte) (Line, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 3 || line[0] != '[' {
		return Line{}, ErrMalformedLine
	}
	end := bytes.Index(line, []byte("] "))
	if end < 0 {
		// "[stdout] " with empty content keeps its space; "[stdout]" alone is tolerated too.
		if line[len(line)-1] == ']' {
			end = len(line) - 1
		} else {
			return Line{}, ErrMalformedLine
		}
	}
	tag := line[1:end]
	rest := []byte{}
	if end+2 <= len(line) {
		rest = line[end+2:]
	}

	sep := bytes.IndexByte(tag, '|')
	if sep < 0 {
		s := Stream(tag)
		if !s.valid() {
			return Line{}, ErrMalformedLine
		}
		return Line{Stream: s, Content: unescapeOutput(rest)}, nil
	}

	id, err := strconv.ParseInt(string(tag[:sep]), 10, 64)
	if err != nil || id <= 0 {
		return Line{}, ErrMalformedLine
	}
	var e Event
	if err := json.Unmarshal(rest, &e); err != nil {
		return Line{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if e.ID != id || string(e.Type()) != string(tag[sep+1:]) {
		return Line{}, fmt.Errorf("%w: header does not match body", ErrMalformedLine)
	}
	return Line{Event: &e}, nil
}
