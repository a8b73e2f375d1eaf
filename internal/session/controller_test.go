package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store/sqlite"
)

const providerScripted = "scripted"

type fakeProc struct {
	done chan struct{}
	once sync.Once
	code atomic.Int64
}

func newFakeProc() *fakeProc {
	p := &fakeProc{done: make(chan struct{})}
	p.code.Store(-1)
	return p
}

func (p *fakeProc) PID() int                                       { return 4242 }
func (p *fakeProc) Kill(os.Signal) error                           { p.exit(-1); return nil }
func (p *fakeProc) Done() <-chan struct{}                          { return p.done }
func (p *fakeProc) ExitCode() int                                  { return int(p.code.Load()) }
func (p *fakeProc) Terminate(context.Context, time.Duration) error { p.exit(-1); return nil }

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code.Store(int64(code))
		close(p.done)
	})
}

type scriptedMapper struct{}

func (scriptedMapper) Map(msg adapter.Message) ([]events.Payload, error) {
	ps, _ := msg.Native.([]events.Payload)
	return ps, nil
}

// scriptedAdapter replays payloads as if an agent had produced them.
type scriptedAdapter struct {
	script   []events.Payload
	reply    []events.Payload
	exitCode *int
	spawnErr error

	messages chan adapter.Message
	signals  chan adapter.Signal
	proc     *fakeProc

	mu         sync.Mutex
	closed     bool
	resumedRef string
	prompts    chan string
	interrupts atomic.Int32
}

func newScripted(script ...events.Payload) *scriptedAdapter {
	return &scriptedAdapter{
		script:   script,
		messages: make(chan adapter.Message, 64),
		signals:  make(chan adapter.Signal, 8),
		prompts:  make(chan string, 8),
	}
}

func (a *scriptedAdapter) Provider() string { return providerScripted }

func (a *scriptedAdapter) Spawn(_ context.Context, prompt string, _ adapter.Options) (adapter.Process, error) {
	if a.spawnErr != nil {
		return nil, a.spawnErr
	}
	a.prompts <- prompt
	a.proc = newFakeProc()
	go a.run()
	return a.proc, nil
}

func (a *scriptedAdapter) Resume(ctx context.Context, ref, prompt string, opts adapter.Options) (adapter.Process, error) {
	a.mu.Lock()
	a.resumedRef = ref
	a.mu.Unlock()
	return a.Spawn(ctx, prompt, opts)
}

func (a *scriptedAdapter) run() {
	for _, p := range a.script {
		a.send(p)
	}
	if a.exitCode != nil {
		a.proc.exit(*a.exitCode)
	}
	<-a.proc.done
	a.mu.Lock()
	a.closed = true
	close(a.messages)
	a.mu.Unlock()
}

func (a *scriptedAdapter) send(p events.Payload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.messages <- adapter.Message{Provider: providerScripted, Type: string(p.EventType()), Native: []events.Payload{p}}
	}
}

func (a *scriptedAdapter) SendMessage(_ context.Context, text string, _ *adapter.Image) error {
	a.prompts <- text
	for _, p := range a.reply {
		a.send(p)
	}
	return nil
}

func (a *scriptedAdapter) Interrupt(context.Context) error {
	a.interrupts.Add(1)
	return nil
}

func (a *scriptedAdapter) IsAlive() bool                                   { return a.proc != nil }
func (a *scriptedAdapter) ExtractSessionID(adapter.Message) (string, bool) { return "", false }
func (a *scriptedAdapter) SetApprovalHandler(adapter.ApprovalHandler)      {}
func (a *scriptedAdapter) Messages() <-chan adapter.Message                { return a.messages }
func (a *scriptedAdapter) Signals() <-chan adapter.Signal                  { return a.signals }
func (a *scriptedAdapter) Mapper() adapter.Mapper                          { return scriptedMapper{} }

func (a *scriptedAdapter) ref() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumedRef
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (r *recordingJobs) Enqueue(_ context.Context, kind models.JobKind, payload any) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job := models.Job{ID: "job-" + string(rune('a'+len(r.jobs))), Kind: kind, Payload: data}
	r.jobs = append(r.jobs, job)
	return &job, nil
}

func (r *recordingJobs) last(t *testing.T) models.Job {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.jobs)
	return r.jobs[len(r.jobs)-1]
}

type harness struct {
	ctrl    *Controller
	store   *sqlite.Store
	bus     *bus.MemoryBus
	factory *adapter.Factory
	logs    *eventlog.Dir
	jobs    *recordingJobs
	next    *scriptedAdapter
	workDir string
}

func newHarness(t *testing.T, next *scriptedAdapter) *harness {
	t.Helper()
	log := logger.NewNop()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logs, err := eventlog.NewDir(filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)

	b := bus.NewMemoryBus(log)
	t.Cleanup(func() { _ = b.Close() })

	h := &harness{store: st, bus: b, logs: logs, jobs: &recordingJobs{}, next: next, workDir: t.TempDir()}
	cfg := &config.Config{Agents: map[string]config.AgentConfig{
		providerScripted: {Provider: providerScripted, Binary: providerScripted},
	}}
	f := adapter.NewFactory(cfg, log)
	f.Register(providerScripted, func(adapter.AgentSpec, time.Duration, *logger.Logger) adapter.Adapter {
		return h.next
	})

	h.factory = f
	h.ctrl = h.controller("worker-1")
	return h
}

// controller returns another controller on the same store and bus, as a
// second worker would have.
func (h *harness) controller(workerID string) *Controller {
	return NewController(h.store, h.bus, h.factory, h.logs, h.jobs, Options{
		WorkerID:       workerID,
		ChannelPrefix:  "test",
		Heartbeat:      20 * time.Millisecond,
		InterruptGrace: 10 * time.Millisecond,
		TerminateGrace: 10 * time.Millisecond,
	}, logger.NewNop())
}

func (h *harness) createSession(t *testing.T, s models.Session) {
	t.Helper()
	if s.AgentID == "" {
		s.AgentID = providerScripted
	}
	if s.WorkDir == "" {
		s.WorkDir = h.workDir
	}
	require.NoError(t, h.store.CreateSession(context.Background(), &s))
}

func (h *harness) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

// peek reads a session from inside Eventually conditions.
func (h *harness) peek(id string) models.Session {
	s, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		return models.Session{}
	}
	return *s
}

func (h *harness) run(id string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(context.Background(), models.SessionStartPayload{SessionID: id}) }()
	return done
}

func (h *harness) eventTypes(t *testing.T, id string) []events.Type {
	t.Helper()
	evs, err := eventlog.ReadAll(h.logs.SessionPath(id), 0)
	require.NoError(t, err)
	types := make([]events.Type, 0, len(evs))
	for _, e := range evs {
		types = append(types, e.Type())
	}
	return types
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session run did not return")
		return nil
	}
}

func TestSessionEndToEnd(t *testing.T) {
	a := newScripted(
		events.SessionInit{SessionRef: "abc-1", Model: "model-x"},
		events.Text{Text: "hello"},
		events.Result{Subtype: "success", CostUSD: 0.25, Turns: 1},
	)
	a.reply = []events.Payload{events.Result{Subtype: "success", CostUSD: 0.5, Turns: 1}}
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "fix the bug"})

	done := h.run("s-1")
	assert.Equal(t, "fix the bug", <-a.prompts)

	require.Eventually(t, func() bool {
		return h.peek("s-1").Status == models.SessionAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	s := h.session(t, "s-1")
	require.NotNil(t, s.SessionRef)
	assert.Equal(t, "abc-1", *s.SessionRef)
	require.NotNil(t, s.Model)
	assert.Equal(t, "model-x", *s.Model)
	assert.Equal(t, 1, s.TotalTurns)
	assert.InDelta(t, 0.25, s.TotalCostUSD, 1e-9)
	require.NotNil(t, s.WorkerID)
	assert.Equal(t, "worker-1", *s.WorkerID)
	assert.Equal(t, []string{"s-1"}, h.ctrl.Live())

	job, err := h.ctrl.SendMessage(context.Background(), "s-1", "and the tests", nil)
	require.NoError(t, err)
	assert.Nil(t, job, "a live session takes the hot path")
	assert.Equal(t, "and the tests", <-a.prompts)

	require.Eventually(t, func() bool {
		s := h.peek("s-1")
		return s.TotalTurns == 2 && s.Status == models.SessionAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.ctrl.Cancel(context.Background(), "s-1"))
	require.NoError(t, waitErr(t, done))

	s = h.session(t, "s-1")
	assert.Equal(t, models.SessionEnded, s.Status)
	assert.Equal(t, "cancelled", s.StatusMessage)
	assert.Nil(t, s.WorkerID)
	assert.EqualValues(t, 1, a.interrupts.Load())
	assert.Empty(t, h.ctrl.Live())

	assert.Equal(t, []events.Type{
		events.TypeSessionState,
		events.TypeUserMessage,
		events.TypeSessionInit,
		events.TypeText,
		events.TypeResult,
		events.TypeUserMessage,
		events.TypeResult,
		events.TypeSessionState,
	}, h.eventTypes(t, "s-1"))
}

func TestCleanExitReleasesSession(t *testing.T) {
	a := newScripted(events.Result{Subtype: "success", Turns: 1})
	zero := 0
	a.exitCode = &zero
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "go"})

	require.NoError(t, waitErr(t, h.run("s-1")))

	s := h.session(t, "s-1")
	assert.Equal(t, models.SessionIdle, s.Status)
	assert.Nil(t, s.WorkerID)
	assert.Equal(t, 1, s.TotalTurns)
}

func TestCrashLeavesRowForReaper(t *testing.T) {
	a := newScripted(events.Text{Text: "partial"})
	code := 3
	a.exitCode = &code
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "go"})

	require.NoError(t, waitErr(t, h.run("s-1")))

	s := h.session(t, "s-1")
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Contains(t, h.eventTypes(t, "s-1"), events.TypeSystemError)
}

func TestSpawnFailureLeavesSessionIdle(t *testing.T) {
	a := newScripted()
	a.spawnErr = errors.New("exec: not found")
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "go"})

	err := waitErr(t, h.run("s-1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	s := h.session(t, "s-1")
	assert.Equal(t, models.SessionIdle, s.Status)
	assert.Nil(t, s.WorkerID)
}

func TestLostClaimHasNoSideEffects(t *testing.T) {
	h := newHarness(t, newScripted())
	h.createSession(t, models.Session{ID: "s-1", Status: models.SessionEnded})

	err := waitErr(t, h.run("s-1"))
	assert.True(t, apperrors.IsConflict(err))
	_, statErr := os.Stat(h.logs.SessionPath("s-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkDirOutsideRootsIsRejected(t *testing.T) {
	h := newHarness(t, newScripted())
	h.ctrl.opts.AllowedRoots = []string{t.TempDir()}
	h.createSession(t, models.Session{ID: "s-1"})

	err := waitErr(t, h.run("s-1"))
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, models.SessionIdle, h.session(t, "s-1").Status)
}

func TestColdResume(t *testing.T) {
	a := newScripted(events.Result{Subtype: "success", Turns: 1})
	h := newHarness(t, a)
	ref := "abc-1"
	h.createSession(t, models.Session{ID: "s-1", Status: models.SessionEnded, SessionRef: &ref})

	job, err := h.ctrl.SendMessage(context.Background(), "s-1", "continue", nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobSessionStart, job.Kind)

	var p models.SessionStartPayload
	require.NoError(t, json.Unmarshal(h.jobs.last(t).Payload, &p))
	assert.Equal(t, models.SessionStartPayload{SessionID: "s-1", ResumeRef: "abc-1", ResumeText: "continue"}, p)
	assert.Equal(t, models.SessionIdle, h.session(t, "s-1").Status)

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(context.Background(), p) }()
	assert.Equal(t, "continue", <-a.prompts)
	assert.Equal(t, "abc-1", a.ref())

	require.Eventually(t, func() bool {
		return h.peek("s-1").Status == models.SessionAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.ctrl.Cancel(context.Background(), "s-1"))
	require.NoError(t, waitErr(t, done))
}

func TestEndedWithoutRefCannotResume(t *testing.T) {
	h := newHarness(t, newScripted())
	h.createSession(t, models.Session{ID: "s-1", Status: models.SessionEnded})

	_, err := h.ctrl.SendMessage(context.Background(), "s-1", "hello", nil)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCancelWithoutProcess(t *testing.T) {
	h := newHarness(t, newScripted())
	h.createSession(t, models.Session{ID: "s-1"})

	require.NoError(t, h.ctrl.Cancel(context.Background(), "s-1"))
	assert.Equal(t, models.SessionEnded, h.session(t, "s-1").Status)

	err := h.ctrl.Cancel(context.Background(), "s-1")
	assert.True(t, apperrors.IsConflict(err))

	err = h.ctrl.Cancel(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResolveApprovalValidatesDecision(t *testing.T) {
	h := newHarness(t, newScripted())
	h.createSession(t, models.Session{ID: "s-1"})

	err := h.ctrl.ResolveApproval(context.Background(), "s-1", "ap-1", "maybe")
	assert.True(t, apperrors.IsValidation(err))

	err = h.ctrl.ResolveApproval(context.Background(), "s-1", "ap-1", adapter.DecisionAllow)
	assert.True(t, apperrors.IsConflict(err), "idle session has no process to answer")
}

func TestMessageFromOtherWorkerReachesLiveSession(t *testing.T) {
	a := newScripted(events.Result{Subtype: "success", Turns: 1})
	a.reply = []events.Payload{events.Result{Subtype: "success", Turns: 1}}
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "start"})

	done := h.run("s-1")
	assert.Equal(t, "start", <-a.prompts)
	require.Eventually(t, func() bool {
		return h.peek("s-1").Status == models.SessionAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	other := h.controller("worker-2")
	assert.Empty(t, other.Live())

	job, err := other.SendMessage(context.Background(), "s-1", "from elsewhere", nil)
	require.NoError(t, err)
	assert.Nil(t, job, "a live session on another worker is reached over its control channel")

	select {
	case got := <-a.prompts:
		assert.Equal(t, "from elsewhere", got)
	case <-time.After(5 * time.Second):
		t.Fatal("relayed message never reached the agent")
	}
	require.Eventually(t, func() bool {
		s := h.peek("s-1")
		return s.TotalTurns == 2 && s.Status == models.SessionAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.jobs.jobs, "hot path enqueues nothing")

	require.NoError(t, other.Cancel(context.Background(), "s-1"))
	require.NoError(t, waitErr(t, done))
	s := h.session(t, "s-1")
	assert.Equal(t, models.SessionEnded, s.Status)
	assert.Equal(t, "cancelled", s.StatusMessage)
}

func TestIdleTimeoutStopsProcessAndIdlesSession(t *testing.T) {
	a := newScripted(events.Result{Subtype: "success", Turns: 1})
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "go", IdleTimeoutSec: 1})

	done := h.run("s-1")
	assert.Equal(t, "go", <-a.prompts)
	require.NoError(t, waitErr(t, done))

	s := h.session(t, "s-1")
	assert.Equal(t, models.SessionIdle, s.Status)
	assert.Equal(t, "idle timeout", s.StatusMessage)
	assert.Nil(t, s.WorkerID)
	assert.EqualValues(t, 0, a.interrupts.Load(), "idle stop terminates without a protocol interrupt")

	evs, err := eventlog.ReadAll(h.logs.SessionPath("s-1"), 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.SessionState{State: string(models.SessionIdle), Reason: "idle timeout"}, evs[len(evs)-1].Payload)
}

func TestLostOwnershipStopsProcess(t *testing.T) {
	a := newScripted(events.Result{Subtype: "success", Turns: 1})
	h := newHarness(t, a)
	h.createSession(t, models.Session{ID: "s-1", InitialPrompt: "go"})

	done := h.run("s-1")
	assert.Equal(t, "go", <-a.prompts)
	require.Eventually(t, func() bool {
		return h.peek("s-1").Status == models.SessionAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	// The reaper takes the row away; the next heartbeat touches nothing.
	reaped, err := h.store.ReapStaleSessions(context.Background(), time.Now().Add(time.Hour), "heartbeat stale")
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, reaped)

	require.NoError(t, waitErr(t, done))
	assert.Empty(t, h.ctrl.Live())

	s := h.session(t, "s-1")
	assert.Equal(t, models.SessionTimedOut, s.Status, "the new owner's state is left alone")
	assert.Equal(t, "heartbeat stale", s.StatusMessage)
	assert.Nil(t, s.WorkerID)
	assert.NotContains(t, h.eventTypes(t, "s-1")[2:], events.TypeSessionState)
}
