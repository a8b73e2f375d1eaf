// Package eventlog persists a session's canonical events to an append-only
// file and reads them back for catch-up and live tailing.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/kandev/conductor/internal/events"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Dir resolves per-session log paths under a root directory.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root, creating it if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory holding the logs.
func (d *Dir) Root() string { return d.root }

// SessionPath returns the log path for a session id.
func (d *Dir) SessionPath(sessionID string) string {
	return filepath.Join(d.root, unsafeName.ReplaceAllString(sessionID, "_")+".log")
}

// ExecutionPath returns the log path for an execution id.
func (d *Dir) ExecutionPath(executionID string) string {
	return filepath.Join(d.root, "executions", unsafeName.ReplaceAllString(executionID, "_")+".log")
}

// AnalysisPath returns the log path for an analysis of one agent tool.
func (d *Dir) AnalysisPath(agentID, tool string) string {
	name := unsafeName.ReplaceAllString(agentID, "_") + "-" + unsafeName.ReplaceAllString(tool, "_")
	return filepath.Join(d.root, "analysis", name+".log")
}

// Open opens the session's log for appending.
func (d *Dir) Open(sessionID string) (*Writer, error) {
	return OpenWriter(d.SessionPath(sessionID), sessionID)
}

// Writer appends events to one log file, assigning ids.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	sessionID string
	lastID    int64
}

// OpenWriter opens path for appending. Ids continue after the highest id
// already in the file, so a resumed session keeps a single increasing sequence.
func OpenWriter(path, sessionID string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	last, err := scanLastID(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Writer{f: f, path: path, sessionID: sessionID, lastID: last}, nil
}

func scanLastID(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var last int64
	r := bufio.NewReaderSize(f, readBufferSize)
	for {
		raw, _, err := readLine(r)
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if errors.Is(err, errLineTooLong) {
			continue
		}
		if err != nil {
			return 0, err
		}
		l, err := events.ParseLine(raw)
		if err == nil && l.Event != nil && l.Event.ID > last {
			last = l.Event.ID
		}
	}
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// LastID returns the id of the most recently appended event.
func (w *Writer) LastID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastID
}

// Append numbers e, stamps it if needed, writes it and returns the stored copy.
func (w *Writer) Append(e events.Event) (events.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return events.Event{}, os.ErrClosed
	}
	e.ID = w.lastID + 1
	if e.SessionID == "" {
		e.SessionID = w.sessionID
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	line, err := events.Serialize(e)
	if err != nil {
		return events.Event{}, err
	}
	if _, err := w.f.Write(line); err != nil {
		return events.Event{}, err
	}
	w.lastID = e.ID
	return e, nil
}

// AppendOutput writes a plain output line.
func (w *Writer) AppendOutput(stream events.Stream, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	_, err := w.f.Write(events.SerializeOutput(stream, content))
	return err
}

// Close closes the file. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
