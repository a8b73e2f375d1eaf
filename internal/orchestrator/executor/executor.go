// Package executor runs one-shot executions and analysis jobs. Executions
// are admitted by the guards, queued as jobs and run to completion by
// whichever worker claims them.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/router"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/constants"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/guard"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store"
)

const tracerName = "conductor/executor"

// CancelledMessage is recorded on executions stopped by a cancel request.
const CancelledMessage = "cancelled"

// Enqueuer puts durable jobs on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload any) (*models.Job, error)
}

// Options tune an Executor. AnalysisTimeout bounds one analysis run.
type Options struct {
	WorkerID        string
	ChannelPrefix   string
	AllowedRoots    []string
	Shell           string
	Heartbeat       time.Duration
	InterruptGrace  time.Duration
	TerminateGrace  time.Duration
	AnalysisTimeout time.Duration
}

// OptionsFromConfig reads the executor settings from cfg.
func OptionsFromConfig(cfg *config.Config, workerID string) Options {
	return Options{
		WorkerID:        workerID,
		ChannelPrefix:   cfg.Bus.ChannelPrefix,
		AllowedRoots:    cfg.Process.AllowedRoots,
		Shell:           cfg.Process.Shell,
		Heartbeat:       cfg.Heartbeat.Interval(),
		InterruptGrace:  cfg.Process.InterruptGrace(),
		TerminateGrace:  cfg.Process.TerminateGrace(),
		AnalysisTimeout: constants.SpawnTimeout,
	}
}

// Request describes an execution to create.
type Request struct {
	AgentID           string `json:"agentId"`
	CapabilityID      string `json:"capabilityId"`
	TaskID            string `json:"taskId"`
	RequesterID       string `json:"requesterId"`
	ParentExecutionID string `json:"parentExecutionId"`
	Prompt            string `json:"prompt"`
	WorkDir           string `json:"workDir"`
	TimeoutSec        int    `json:"timeoutSec"`
}

// Executor creates executions and runs the ones this worker claims.
type Executor struct {
	store   store.ExecutionStore
	bus     bus.Bus
	factory *adapter.Factory
	guard   *guard.Guard
	logs    *eventlog.Dir
	jobs    Enqueuer
	opts    Options
	logger  *logger.Logger

	mu      sync.Mutex
	running map[string]*execution
}

// NewExecutor wires an executor. g and jobs may be nil on a worker that only
// runs claimed executions.
func NewExecutor(st store.ExecutionStore, b bus.Bus, f *adapter.Factory, g *guard.Guard, logs *eventlog.Dir, jobs Enqueuer, opts Options, log *logger.Logger) *Executor {
	return &Executor{
		store:   st,
		bus:     b,
		factory: f,
		guard:   g,
		logs:    logs,
		jobs:    jobs,
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "executor"), zap.String("worker_id", opts.WorkerID)),
		running: make(map[string]*execution),
	}
}

// Submit admits req through the guards, stores a queued execution and
// enqueues the job that runs it.
func (e *Executor) Submit(ctx context.Context, req Request) (*models.Execution, error) {
	switch {
	case strings.TrimSpace(req.AgentID) == "":
		return nil, apperrors.Validation("agentId is required")
	case strings.TrimSpace(req.Prompt) == "":
		return nil, apperrors.Validation("prompt is required")
	case req.TimeoutSec < 0:
		return nil, apperrors.Validation("timeoutSec must not be negative")
	case e.jobs == nil || e.guard == nil:
		return nil, apperrors.Internal("submit execution", errors.New("executor does not accept requests"))
	}
	if _, err := e.factory.Spec(req.AgentID); err != nil {
		return nil, err
	}
	if err := guard.CheckWorkDir(req.WorkDir, e.opts.AllowedRoots); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	exec := &models.Execution{
		ID:           id,
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		CapabilityID: req.CapabilityID,
		RequesterID:  req.RequesterID,
		Status:       models.ExecutionQueued,
		Prompt:       req.Prompt,
		WorkDir:      req.WorkDir,
		TimeoutSec:   req.TimeoutSec,
		LogFilePath:  e.logs.ExecutionPath(id),
	}
	if req.ParentExecutionID != "" {
		parent := req.ParentExecutionID
		exec.ParentExecutionID = &parent
	}
	depth, err := e.guard.Admit(ctx, guard.Request{
		RequesterID:       req.RequesterID,
		AgentID:           req.AgentID,
		ParentExecutionID: req.ParentExecutionID,
	}, func(depth int) error {
		exec.SpawnDepth = depth
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return apperrors.Internal("create execution", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := e.logger.WithExecutionID(id).WithAgentID(req.AgentID)
	if _, err := e.jobs.Enqueue(ctx, models.JobExecutionRun, models.ExecutionRunPayload{ExecutionID: id}); err != nil {
		log.Error("failed to enqueue execution", zap.Error(err))
		settle := context.WithoutCancel(ctx)
		if _, terr := e.store.TransitionExecution(settle, id, []models.ExecutionStatus{models.ExecutionQueued}, models.ExecutionError, "enqueue failed: "+err.Error()); terr != nil {
			log.Error("failed to fail execution", zap.Error(terr))
		}
		return nil, apperrors.Internal("enqueue execution", err)
	}
	log.Info("execution queued", zap.Int("spawn_depth", depth))
	return exec, nil
}

// Get returns the execution row.
func (e *Executor) Get(ctx context.Context, id string) (*models.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperrors.NotFound("execution", id)
	case err != nil:
		return nil, apperrors.Internal("get execution", err)
	}
	return exec, nil
}

// Cancel stops an execution. A queued one fails at once; a running one is
// interrupted by its owner, locally or over the bus.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	exec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	switch exec.Status {
	case models.ExecutionQueued:
		ok, err := e.store.TransitionExecution(ctx, id, []models.ExecutionStatus{models.ExecutionQueued}, models.ExecutionError, CancelledMessage)
		if err != nil {
			return apperrors.Internal("cancel execution", err)
		}
		if ok {
			e.logger.WithExecutionID(id).Info("queued execution cancelled")
			return nil
		}
		// Claimed in the meantime; the owner handles it.
		return e.relayCancel(ctx, id)
	case models.ExecutionRunning:
		return e.relayCancel(ctx, id)
	case models.ExecutionCancelling:
		return nil
	default:
		return apperrors.Conflict("execution %s is already %s", id, exec.Status)
	}
}

func (e *Executor) relayCancel(ctx context.Context, id string) error {
	if x := e.lookup(id); x != nil {
		x.requestCancel()
		return nil
	}
	msg := bus.ControlMessage{Type: bus.TypeCancel}
	if err := e.bus.Publish(ctx, bus.ExecutionControlChannel(e.opts.ChannelPrefix, id), msg); err != nil {
		return apperrors.Internal("relay cancel", err)
	}
	return nil
}

// Run claims the execution and drives its agent until the process is gone.
// The row records how it ended; only a timeout is returned as an error.
func (e *Executor) Run(ctx context.Context, p models.ExecutionRunPayload) (err error) {
	ctx, span := tracing.Start(ctx, tracerName, "execution.run", "execution.id", p.ExecutionID)
	defer func() { tracing.End(span, err) }()

	x, err := e.launch(ctx, p.ExecutionID)
	if err != nil {
		return err
	}
	return e.loop(ctx, x)
}

func (e *Executor) launch(ctx context.Context, id string) (*execution, error) {
	log := e.logger.WithExecutionID(id)

	exec, err := e.store.ClaimExecution(ctx, id, e.opts.WorkerID)
	switch {
	case errors.Is(err, store.ErrNotClaimed):
		return nil, apperrors.Conflict("execution %s cannot be claimed", id).WithCause(err)
	case errors.Is(err, store.ErrNotFound):
		return nil, apperrors.NotFound("execution", id)
	case err != nil:
		return nil, apperrors.Internal("claim execution", err)
	}
	log = log.WithAgentID(exec.AgentID)
	log.Info("execution claimed")

	ad, err := e.factory.New(exec.AgentID)
	if err != nil {
		e.fail(ctx, id, err)
		return nil, err
	}
	if err := guard.CheckWorkDir(exec.WorkDir, e.opts.AllowedRoots); err != nil {
		e.fail(ctx, id, err)
		return nil, err
	}

	path := exec.LogFilePath
	if path == "" {
		path = e.logs.ExecutionPath(id)
	}
	w, err := eventlog.OpenWriter(path, id)
	if err != nil {
		e.fail(ctx, id, err)
		return nil, apperrors.Internal("open execution log", err)
	}
	em := logEmitter{writer: w}
	ad.SetApprovalHandler(denyApprovals{logger: log})
	rt := router.New(router.Config{
		SessionID: id,
		Mapper:    ad.Mapper(),
		Emitter:   em,
		Sessions:  discardSession{},
	}, log)

	opts := adapter.Options{SessionID: id, WorkDir: exec.WorkDir}
	if exec.ParentExecutionID != nil {
		if parent := e.lookup(*exec.ParentExecutionID); parent != nil {
			opts.Parent = parent.proc.PID()
		}
	}
	proc, err := ad.Spawn(ctx, exec.Prompt, opts)
	if err != nil {
		_, _ = em.Emit(ctx, events.SystemError{Message: "agent failed to start", Detail: map[string]any{"error": err.Error()}})
		_ = w.Close()
		e.fail(ctx, id, err)
		if apperrors.IsValidation(err) || apperrors.IsConflict(err) {
			return nil, err
		}
		return nil, apperrors.Validation("agent %s failed to start: %v", exec.AgentID, err).WithCause(err)
	}
	log.Info("agent process started", zap.Int("pid", proc.PID()))
	_, _ = em.Emit(ctx, events.SessionState{State: string(models.ExecutionRunning)})
	_, _ = em.Emit(ctx, events.UserMessage{Text: exec.Prompt})

	x := &execution{
		id:        id,
		adapter:   ad,
		proc:      proc,
		router:    rt,
		emitter:   em,
		writer:    w,
		logger:    log,
		timeout:   time.Duration(exec.TimeoutSec) * time.Second,
		cancelled: make(chan struct{}),
	}
	unsub, err := e.bus.Subscribe(ctx, bus.ExecutionControlChannel(e.opts.ChannelPrefix, id), x.controlHandler())
	if err != nil {
		log.Warn("control channel unavailable, only local cancels reach this execution", zap.Error(err))
	} else {
		x.unsub = unsub
	}

	e.mu.Lock()
	e.running[id] = x
	e.mu.Unlock()
	return x, nil
}

// fail moves a claimed execution that never started to error.
func (e *Executor) fail(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.store.TransitionExecution(ctx, id, []models.ExecutionStatus{models.ExecutionRunning}, models.ExecutionError, cause.Error()); err != nil {
		e.logger.WithExecutionID(id).Error("failed to fail execution", zap.Error(err))
	}
}

func (e *Executor) loop(parent context.Context, x *execution) error {
	shutdown := parent.Done()
	ctx := context.WithoutCancel(parent)

	heartbeat := time.NewTicker(e.opts.Heartbeat)
	defer heartbeat.Stop()

	var deadline <-chan time.Time
	if x.timeout > 0 {
		t := time.NewTimer(x.timeout)
		defer t.Stop()
		deadline = t.C
	}

	messages := x.adapter.Messages()
	cancelled := x.cancelled
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return e.finish(ctx, x)
			}
			for _, ev := range x.router.Route(ctx, msg) {
				if res, ok := ev.Payload.(events.Result); ok && x.result == nil {
					x.result = &res
					x.halt(stopFinished, false, e.opts.InterruptGrace, e.opts.TerminateGrace)
				}
			}

		case <-x.adapter.Signals():

		case <-cancelled:
			cancelled = nil
			if _, err := e.store.TransitionExecution(ctx, x.id, []models.ExecutionStatus{models.ExecutionRunning}, models.ExecutionCancelling, CancelledMessage); err != nil {
				x.logger.Warn("failed to mark execution cancelling", zap.Error(err))
			}
			x.halt(stopCancelled, true, e.opts.InterruptGrace, e.opts.TerminateGrace)

		case <-heartbeat.C:
			err := e.store.TouchExecution(ctx, x.id, e.opts.WorkerID)
			if errors.Is(err, store.ErrNotClaimed) {
				x.logger.Warn("execution ownership lost, stopping agent")
				x.halt(stopLost, false, e.opts.InterruptGrace, e.opts.TerminateGrace)
			} else if err != nil {
				x.logger.Warn("heartbeat failed", zap.Error(err))
			}

		case <-deadline:
			deadline = nil
			x.logger.Warn("execution timed out", zap.Duration("timeout", x.timeout))
			x.halt(stopTimedOut, true, e.opts.InterruptGrace, e.opts.TerminateGrace)

		case <-shutdown:
			shutdown = nil
			x.halt(stopShutdown, true, e.opts.InterruptGrace, e.opts.TerminateGrace)
		}
	}
}

// finish settles the row once the agent's output has closed.
func (e *Executor) finish(ctx context.Context, x *execution) error {
	if x.unsub != nil {
		if err := x.unsub(); err != nil {
			x.logger.Debug("control unsubscribe failed", zap.Error(err))
		}
	}
	e.mu.Lock()
	delete(e.running, x.id)
	e.mu.Unlock()

	x.router.CloseInFlight(ctx)
	<-x.proc.Done()
	code := x.proc.ExitCode()

	var to models.ExecutionStatus
	var reason string
	switch x.stop {
	case stopCancelled:
		to, reason = models.ExecutionError, CancelledMessage
	case stopTimedOut:
		to, reason = models.ExecutionTimedOut, fmt.Sprintf("timed out after %s", x.timeout)
	case stopShutdown:
		to, reason = models.ExecutionError, "worker shutdown"
	case stopLost:
		// The reaper owns the row now.
	case stopFinished:
		to = models.ExecutionDone
		if x.result.IsError {
			to, reason = models.ExecutionError, x.result.Text
		}
	default:
		if code == 0 {
			to = models.ExecutionDone
		} else {
			to, reason = models.ExecutionError, fmt.Sprintf("exit status %d", code)
		}
	}

	if to != "" {
		ok, err := e.store.TransitionExecution(ctx, x.id, models.ExecutionSourcesFor(to), to, reason)
		switch {
		case err != nil:
			x.logger.Error("failed to settle execution", zap.Error(err))
		case ok:
			_, _ = x.emitter.Emit(ctx, events.SessionState{State: string(to), Reason: reason})
		}
	}
	if err := x.writer.Close(); err != nil {
		x.logger.Warn("failed to close execution log", zap.Error(err))
	}
	x.logger.Info("execution finished", zap.Int("exit_code", code), zap.String("status", string(to)))

	if x.stop == stopTimedOut {
		return apperrors.Timeout("execution %s exceeded %s", x.id, x.timeout)
	}
	return nil
}

func (e *Executor) lookup(id string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

// Running lists the ids of executions running on this worker.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (x *execution) controlHandler() bus.Handler {
	return func(_ context.Context, payload []byte) {
		var cm bus.ControlMessage
		if err := json.Unmarshal(payload, &cm); err != nil {
			x.logger.Warn("malformed control message", zap.Error(err))
			return
		}
		if cm.Type != bus.TypeCancel {
			x.logger.Warn("unsupported execution control message", zap.String("type", cm.Type))
			return
		}
		x.requestCancel()
	}
}
