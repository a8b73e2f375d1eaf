package eventlog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
)

// Tailer follows a log file. It wakes on filesystem write notifications, on
// explicit nudges and on a poll ticker, so it keeps working where file
// watching is unavailable or drops events.
type Tailer struct {
	cursor *Cursor
	path   string
	poll   time.Duration
	nudge  chan struct{}
	logger *logger.Logger
}

// NewTailer returns a tailer yielding events after afterID.
func NewTailer(path string, afterID int64, poll time.Duration, log *logger.Logger) *Tailer {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Tailer{
		cursor: NewCursor(path, afterID),
		path:   path,
		poll:   poll,
		nudge:  make(chan struct{}, 1),
		logger: log.WithFields(zap.String("component", "log_tailer"), zap.String("path", path)),
	}
}

// Nudge asks the tailer to re-read now. It never blocks.
func (t *Tailer) Nudge() {
	select {
	case t.nudge <- struct{}{}:
	default:
	}
}

// LastID is the id of the last event delivered.
func (t *Tailer) LastID() int64 { return t.cursor.LastID() }

// Run delivers events to out until ctx is done. The first read happens
// immediately, which yields the catch-up snapshot.
func (t *Tailer) Run(ctx context.Context, out chan<- events.Event) error {
	var fsEvents <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err != nil {
		t.logger.Debug("file watching unavailable, polling only", zap.Error(err))
	} else {
		defer func() { _ = w.Close() }()
		if err := w.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Debug("watch log dir failed, polling only", zap.Error(err))
		} else {
			fsEvents = w.Events
		}
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		if err := t.drain(ctx, out); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-t.nudge:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Name != t.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		}
	}
}

func (t *Tailer) drain(ctx context.Context, out chan<- events.Event) error {
	batch, err := t.cursor.Next()
	if err != nil {
		t.logger.Warn("read event log failed", zap.Error(err))
		return nil
	}
	for _, e := range batch {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
