package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createSession(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), &models.Session{
		ID:      id,
		AgentID: "claude",
		WorkDir: "/tmp",
		Status:  models.SessionIdle,
	}))
}

func TestClaimSessionRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	var wg sync.WaitGroup
	results := make([]*models.Session, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ClaimSession(ctx, "s-1", []string{"worker-a", "worker-b"}[i])
		}(i)
	}
	wg.Wait()

	claimed := 0
	for i := range results {
		if errs[i] == nil {
			claimed++
			require.NotNil(t, results[i])
			assert.Equal(t, models.SessionActive, results[i].Status)
			require.NotNil(t, results[i].WorkerID)
		} else {
			assert.ErrorIs(t, errs[i], store.ErrNotClaimed)
			assert.Nil(t, results[i])
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestClaimSessionSameWorkerIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	_, err := s.ClaimSession(ctx, "s-1", "worker-a")
	require.NoError(t, err)
	_, err = s.ClaimSession(ctx, "s-1", "worker-a")
	require.NoError(t, err)
}

func TestTransitionSessionIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	changed, err := s.TransitionSession(ctx, "s-1", []models.SessionStatus{models.SessionActive}, models.SessionAwaitingInput, "")
	require.NoError(t, err)
	assert.False(t, changed, "idle session must not jump to awaiting_input")

	_, err = s.ClaimSession(ctx, "s-1", "worker-a")
	require.NoError(t, err)

	changed, err = s.TransitionSession(ctx, "s-1", []models.SessionStatus{models.SessionActive}, models.SessionEnded, "done")
	require.NoError(t, err)
	assert.True(t, changed)

	sess, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, sess.Status)
	assert.Nil(t, sess.WorkerID)
	assert.NotNil(t, sess.EndedAt)
}

func TestReopenAndCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	_, err := s.ClaimSession(ctx, "s-1", "w")
	require.NoError(t, err)
	require.NoError(t, s.SetSessionRef(ctx, "s-1", "abc-1", "opus"))
	require.NoError(t, s.RecordTurn(ctx, "s-1", 0.25, 2))
	require.NoError(t, s.RecordTurn(ctx, "s-1", 0.5, 1))
	require.NoError(t, s.AddAllowedTool(ctx, "s-1", "Bash"))
	require.NoError(t, s.AddAllowedTool(ctx, "s-1", "Bash"))

	_, err = s.TransitionSession(ctx, "s-1", models.SessionSourcesFor(models.SessionEnded), models.SessionEnded, "")
	require.NoError(t, err)

	reopened, err := s.ReopenSession(ctx, "s-1", "continue please")
	require.NoError(t, err)
	assert.True(t, reopened)

	sess, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, sess.Status)
	require.NotNil(t, sess.SessionRef)
	assert.Equal(t, "abc-1", *sess.SessionRef)
	require.NotNil(t, sess.Model)
	assert.Equal(t, "opus", *sess.Model)
	assert.InDelta(t, 0.75, sess.TotalCostUSD, 1e-9)
	assert.Equal(t, 3, sess.TotalTurns)
	assert.Equal(t, "continue please", sess.InitialPrompt)
	assert.Equal(t, models.StringList{"Bash"}, sess.AllowedTools)
}

func TestGetMissingRows(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetExecution(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReapStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	createSession(t, s, "stale")
	createSession(t, s, "fresh")

	s.SetClock(func() time.Time { return base })
	_, err := s.ClaimSession(ctx, "stale", "w1")
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	_, err = s.ClaimSession(ctx, "fresh", "w2")
	require.NoError(t, err)

	ids, err := s.ReapStaleSessions(ctx, base.Add(5*time.Minute), "heartbeat lost")
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	stale, err := s.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.SessionTimedOut, stale.Status)
	assert.Equal(t, "heartbeat lost", stale.StatusMessage)

	fresh, err := s.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, fresh.Status)
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &models.Execution{ID: "e-1", AgentID: "codex"}))
	parent := "e-1"
	require.NoError(t, s.CreateExecution(ctx, &models.Execution{ID: "e-2", AgentID: "codex", ParentExecutionID: &parent, SpawnDepth: 1}))

	n, err := s.CountActiveExecutions(ctx, "codex")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := s.ClaimExecution(ctx, "e-1", "w")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, e.Status)

	_, err = s.ClaimExecution(ctx, "e-1", "w2")
	assert.ErrorIs(t, err, store.ErrNotClaimed)

	changed, err := s.TransitionExecution(ctx, "e-1", models.ExecutionSourcesFor(models.ExecutionDone), models.ExecutionDone, "")
	require.NoError(t, err)
	assert.True(t, changed)

	n, err = s.CountActiveExecutions(ctx, "codex")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	child, err := s.GetExecution(ctx, "e-2")
	require.NoError(t, err)
	require.NotNil(t, child.ParentExecutionID)
	assert.Equal(t, "e-1", *child.ParentExecutionID)
}

func TestJobQueueClaimOrderAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	require.NoError(t, s.EnqueueJob(ctx, &models.Job{ID: "j-1", Kind: models.JobSessionStart, Payload: []byte(`{"sessionId":"s-1"}`), MaxAttempts: 2}))
	require.NoError(t, s.EnqueueJob(ctx, &models.Job{ID: "j-2", Kind: models.JobAnalysis, Payload: []byte(`{}`), MaxAttempts: 2, RunAt: base.Add(time.Hour)}))

	job, err := s.ClaimNextJob(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j-1", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"sessionId":"s-1"}`, string(job.Payload))

	none, err := s.ClaimNextJob(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, none, "j-2 is not due yet")

	require.NoError(t, s.RetryJob(ctx, "j-1", base, "boom"))
	again, err := s.ClaimNextJob(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	require.NoError(t, s.FailJob(ctx, "j-1", "boom again"))
	failed, err := s.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "boom again", *failed.LastError)
}

func TestTouchSessionRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s-1")

	_, err := s.ClaimSession(ctx, "s-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, s.TouchSession(ctx, "s-1", "worker-a"))
	assert.ErrorIs(t, s.TouchSession(ctx, "s-1", "worker-b"), store.ErrNotClaimed)
}
