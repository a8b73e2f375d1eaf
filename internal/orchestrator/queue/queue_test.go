package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store/sqlite"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return New(st, "worker-1", opts, logger.NewNop()), st
}

// start runs q until the test ends and returns a stop function that waits
// for Run to return.
func start(t *testing.T, q *Queue) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("queue did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func jobStatus(t *testing.T, st *sqlite.Store, id string) func() models.JobStatus {
	return func() models.JobStatus {
		job, err := st.GetJob(context.Background(), id)
		if err != nil {
			t.Errorf("get job %s: %v", id, err)
			return ""
		}
		return job.Status
	}
}

func TestJobRunsOnce(t *testing.T) {
	q, st := newTestQueue(t, Options{Workers: 2, MaxAttempts: 2})
	got := make(chan models.SessionStartPayload, 1)
	q.Handle(models.JobSessionStart, Typed(func(_ context.Context, p models.SessionStartPayload) error {
		got <- p
		return nil
	}))
	start(t, q)

	job, err := q.Enqueue(context.Background(), models.JobSessionStart, models.SessionStartPayload{SessionID: "s-1"})
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "s-1", p.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	status := jobStatus(t, st, job.ID)
	require.Eventually(t, func() bool { return status() == models.JobDone }, 5*time.Second, 10*time.Millisecond)
}

func TestRetryBudget(t *testing.T) {
	q, st := newTestQueue(t, Options{Workers: 1, MaxAttempts: 2})
	var calls atomic.Int32
	q.Handle(models.JobAnalysis, func(context.Context, *models.Job) error {
		calls.Add(1)
		return errors.New("binary crashed")
	})
	start(t, q)

	job, err := q.Enqueue(context.Background(), models.JobAnalysis, models.AnalysisPayload{AgentID: "a"})
	require.NoError(t, err)

	status := jobStatus(t, st, job.ID)
	require.Eventually(t, func() bool { return status() == models.JobFailed }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "binary crashed", *stored.LastError)
}

func TestCallerErrorsAreNotRetried(t *testing.T) {
	q, st := newTestQueue(t, Options{Workers: 1, MaxAttempts: 3})
	var calls atomic.Int32
	q.Handle(models.JobSessionStart, func(context.Context, *models.Job) error {
		calls.Add(1)
		return apperrors.Conflict("session s-1 cannot be claimed")
	})
	start(t, q)

	job, err := q.Enqueue(context.Background(), models.JobSessionStart, models.SessionStartPayload{SessionID: "s-1"})
	require.NoError(t, err)

	status := jobStatus(t, st, job.ID)
	require.Eventually(t, func() bool { return status() == models.JobFailed }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestUnknownKindFails(t *testing.T) {
	q, st := newTestQueue(t, Options{Workers: 1, MaxAttempts: 2})
	start(t, q)

	job, err := q.Enqueue(context.Background(), models.JobExecutionRun, models.ExecutionRunPayload{ExecutionID: "e-1"})
	require.NoError(t, err)
	status := jobStatus(t, st, job.ID)
	require.Eventually(t, func() bool { return status() == models.JobFailed }, 5*time.Second, 10*time.Millisecond)
}

func TestPanicFailsJob(t *testing.T) {
	q, st := newTestQueue(t, Options{Workers: 1, MaxAttempts: 1})
	q.Handle(models.JobAnalysis, func(context.Context, *models.Job) error { panic("boom") })
	start(t, q)

	job, err := q.Enqueue(context.Background(), models.JobAnalysis, models.AnalysisPayload{})
	require.NoError(t, err)
	status := jobStatus(t, st, job.ID)
	require.Eventually(t, func() bool { return status() == models.JobFailed }, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsThenCancels(t *testing.T) {
	q, st := newTestQueue(t, Options{Workers: 1, MaxAttempts: 2, DrainTimeout: 50 * time.Millisecond})
	started := make(chan struct{})
	var cancelled atomic.Bool
	q.Handle(models.JobSessionStart, func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return nil
	})
	stop := start(t, q)

	job, err := q.Enqueue(context.Background(), models.JobSessionStart, models.SessionStartPayload{SessionID: "s-1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, stop())
	assert.True(t, cancelled.Load(), "running job is cancelled after the drain period")
	assert.Equal(t, models.JobDone, jobStatus(t, st, job.ID)())

	_, err = q.Enqueue(context.Background(), models.JobSessionStart, models.SessionStartPayload{SessionID: "s-2"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := Decode[models.SessionStartPayload](&models.Job{Kind: models.JobSessionStart, Payload: []byte(`{`)})
	assert.True(t, apperrors.IsValidation(err))
}

func TestTypedRejectsMalformedPayload(t *testing.T) {
	called := false
	h := Typed(func(context.Context, models.ExecutionRunPayload) error {
		called = true
		return nil
	})
	err := h(context.Background(), &models.Job{Kind: models.JobExecutionRun, Payload: []byte(`[]`)})
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, called)
}
