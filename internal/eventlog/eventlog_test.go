package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
)

func TestWriterAssignsIncreasingIDs(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)

	w, err := dir.Open("sess/1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		e, err := w.Append(events.New("", events.Text{Text: "x"}))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.ID)
		assert.Equal(t, "sess/1", e.SessionID)
	}
	require.NoError(t, w.AppendOutput(events.StreamStderr, "noise"))
	require.NoError(t, w.Close())

	// Reopening continues the sequence.
	w, err = dir.Open("sess/1")
	require.NoError(t, err)
	e, err := w.Append(events.New("", events.Thinking{Text: "y"}))
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.ID)
	require.NoError(t, w.Close())

	assert.Equal(t, filepath.Join(dir.Root(), "sess_1.log"), w.Path())
}

func TestDirPaths(t *testing.T) {
	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir.Root(), "executions", "e_1.log"), dir.ExecutionPath("e/1"))
	assert.Equal(t, filepath.Join(dir.Root(), "analysis", "claude-my_tool.log"), dir.AnalysisPath("claude", "my tool"))
}

func TestReadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.log")
	w, err := OpenWriter(path, "s")
	require.NoError(t, err)
	_, err = w.Append(events.New("s", events.Text{Text: "one"}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage line\n\n[2|text] {broken json\n[stdout] plain output\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = OpenWriter(path, "s")
	require.NoError(t, err)
	_, err = w.Append(events.New("s", events.Text{Text: "three"}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := ReadAll(path, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	// Id 2 was never successfully written, so the sequence resumes after 1.
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, events.Text{Text: "three"}, got[1].Payload)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ID, got[i-1].ID)
	}

	after, err := ReadAll(path, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(2), after[0].ID)
}

func TestCursorWaitsForCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.log")
	line, err := events.Serialize(events.Event{ID: 1, SessionID: "s", TS: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Payload: events.Text{Text: "hi"}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, line[:10], 0o644))
	c := NewCursor(path, 0)
	got, err := c.Next()
	require.NoError(t, err)
	assert.Empty(t, got)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(line[10:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err = c.Next()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, 0, c.Skipped)
}

func writeEventLines(t *testing.T, f *os.File, from, to int64) {
	t.Helper()
	for id := from; id <= to; id++ {
		line, err := events.Serialize(events.Event{ID: id, SessionID: "s", TS: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Payload: events.Text{Text: "x"}})
		require.NoError(t, err)
		_, err = f.Write(line)
		require.NoError(t, err)
	}
}

func TestCursorReturnsBoundedBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeEventLines(t, f, 1, 2*batchSize+3)
	require.NoError(t, f.Close())

	c := NewCursor(path, 0)
	first, err := c.Next()
	require.NoError(t, err)
	require.Len(t, first, batchSize)
	assert.Equal(t, int64(batchSize), c.LastID())

	second, err := c.Next()
	require.NoError(t, err)
	require.Len(t, second, batchSize)
	assert.Equal(t, int64(batchSize+1), second[0].ID)

	rest, err := c.Next()
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, int64(2*batchSize+3), rest[2].ID)

	all, err := ReadAll(path, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2*batchSize+3)
}

func TestOversizedLineIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeEventLines(t, f, 1, 1)
	_, err = f.WriteString("[stdout] " + strings.Repeat("z", maxLineBytes+10) + "\n")
	require.NoError(t, err)
	writeEventLines(t, f, 2, 2)
	require.NoError(t, f.Close())

	// Reopening must survive the oversized line and continue the sequence.
	w, err := OpenWriter(path, "s")
	require.NoError(t, err)
	e, err := w.Append(events.New("s", events.Text{Text: "after"}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.ID)
	require.NoError(t, w.Close())

	c := NewCursor(path, 0)
	var ids []int64
	for {
		batch, err := c.Next()
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			ids = append(ids, ev.ID)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, 1, c.Skipped)
}

func TestTailerDeliversCatchUpThenLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.log")
	w, err := OpenWriter(path, "s")
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for _, text := range []string{"a", "b"} {
		_, err := w.Append(events.New("s", events.Text{Text: text}))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tailer := NewTailer(path, 1, 20*time.Millisecond, logger.NewNop())
	out := make(chan events.Event, 10)
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx, out) }()

	select {
	case e := <-out:
		assert.Equal(t, int64(2), e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up event not delivered")
	}

	_, err = w.Append(events.New("s", events.Text{Text: "c"}))
	require.NoError(t, err)
	tailer.Nudge()

	select {
	case e := <-out:
		assert.Equal(t, int64(3), e.ID)
		assert.Equal(t, events.Text{Text: "c"}, e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tailer did not stop")
	}
}
