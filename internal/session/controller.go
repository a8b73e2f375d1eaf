// Package session owns the agent process behind a conversational session:
// it claims the row, drives the adapter, routes its output into the session
// log and answers control messages until the process goes away.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/approval"
	"github.com/kandev/conductor/internal/agent/router"
	"github.com/kandev/conductor/internal/common/config"
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

const tracerName = "conductor/session"

var liveStatuses = []models.SessionStatus{models.SessionActive, models.SessionAwaitingInput}

// Enqueuer puts durable jobs on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload any) (*models.Job, error)
}

// Options tune a Controller.
type Options struct {
	WorkerID       string
	ChannelPrefix  string
	AllowedRoots   []string
	Heartbeat      time.Duration
	InterruptGrace time.Duration
	TerminateGrace time.Duration
}

// OptionsFromConfig reads the controller settings from cfg.
func OptionsFromConfig(cfg *config.Config, workerID string) Options {
	return Options{
		WorkerID:       workerID,
		ChannelPrefix:  cfg.Bus.ChannelPrefix,
		AllowedRoots:   cfg.Process.AllowedRoots,
		Heartbeat:      cfg.Heartbeat.Interval(),
		InterruptGrace: cfg.Process.InterruptGrace(),
		TerminateGrace: cfg.Process.TerminateGrace(),
	}
}

// Controller runs claimed sessions on this worker and accepts requests for
// any session, relaying them over the bus when another worker owns it.
type Controller struct {
	store   store.SessionStore
	bus     bus.Bus
	factory *adapter.Factory
	logs    *eventlog.Dir
	jobs    Enqueuer
	opts    Options
	logger  *logger.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

// NewController wires a controller. jobs may be nil on a worker that never
// accepts requests.
func NewController(st store.SessionStore, b bus.Bus, f *adapter.Factory, logs *eventlog.Dir, jobs Enqueuer, opts Options, log *logger.Logger) *Controller {
	return &Controller{
		store:   st,
		bus:     b,
		factory: f,
		logs:    logs,
		jobs:    jobs,
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "session_controller"), zap.String("worker_id", opts.WorkerID)),
		live:    make(map[string]*liveSession),
	}
}

// Run claims the session, starts or resumes its agent and blocks until the
// process is gone. A claim lost to another worker returns a Conflict
// without side effects.
func (c *Controller) Run(ctx context.Context, p models.SessionStartPayload) (err error) {
	ctx, span := tracing.Start(ctx, tracerName, "session.run", "session.id", p.SessionID)
	defer func() { tracing.End(span, err) }()

	ls, err := c.launch(ctx, p)
	if err != nil {
		return err
	}
	c.loop(ctx, ls)
	return nil
}

func (c *Controller) launch(ctx context.Context, p models.SessionStartPayload) (*liveSession, error) {
	log := c.logger.WithSessionID(p.SessionID)

	sess, err := c.store.ClaimSession(ctx, p.SessionID, c.opts.WorkerID)
	switch {
	case errors.Is(err, store.ErrNotClaimed):
		return nil, apperrors.Conflict("session %s cannot be claimed", p.SessionID).WithCause(err)
	case errors.Is(err, store.ErrNotFound):
		return nil, apperrors.NotFound("session", p.SessionID)
	case err != nil:
		return nil, apperrors.Internal("claim session", err)
	}
	log = log.WithAgentID(sess.AgentID)
	log.Info("session claimed")

	ad, err := c.factory.New(sess.AgentID)
	if err != nil {
		c.release(ctx, sess.ID, err)
		return nil, err
	}
	if err := guard.CheckWorkDir(sess.WorkDir, c.opts.AllowedRoots); err != nil {
		c.release(ctx, sess.ID, err)
		return nil, err
	}

	w, err := c.logs.Open(sess.ID)
	if err != nil {
		c.release(ctx, sess.ID, err)
		return nil, apperrors.Internal("open session log", err)
	}
	em := newLogEmitter(w, c.bus, bus.SessionChannel(c.opts.ChannelPrefix, sess.ID), log)
	approvals := approval.NewHandler(sess.ID, sess.AllowedTools, c.store, log)
	ad.SetApprovalHandler(approvals)
	rt := router.New(router.Config{
		SessionID: sess.ID,
		Mapper:    ad.Mapper(),
		Approvals: approvals,
		Emitter:   em,
		Sessions:  c.store,
	}, log)

	prompt := p.ResumeText
	if prompt == "" {
		prompt = sess.InitialPrompt
	}
	ref := p.ResumeRef
	if ref == "" && sess.SessionRef != nil {
		ref = *sess.SessionRef
	}
	opts := adapter.Options{
		SessionID:      sess.ID,
		WorkDir:        sess.WorkDir,
		PermissionMode: sess.PermissionMode,
		AllowedTools:   sess.AllowedTools,
	}

	var proc adapter.Process
	if ref != "" {
		log.Info("resuming agent", zap.String("session_ref", ref))
		proc, err = ad.Resume(ctx, ref, prompt, opts)
	} else {
		log.Info("spawning agent")
		proc, err = ad.Spawn(ctx, prompt, opts)
	}
	if err != nil {
		_, _ = em.Emit(ctx, events.SystemError{Message: "agent failed to start", Detail: map[string]any{"error": err.Error()}})
		_ = w.Close()
		c.release(ctx, sess.ID, err)
		if apperrors.IsValidation(err) || apperrors.IsConflict(err) {
			return nil, err
		}
		return nil, apperrors.Validation("agent %s failed to start: %v", sess.AgentID, err).WithCause(err)
	}
	log.Info("agent process started", zap.Int("pid", proc.PID()))

	ls := &liveSession{
		id:        sess.ID,
		adapter:   ad,
		proc:      proc,
		router:    rt,
		approvals: approvals,
		emitter:   em,
		writer:    w,
		logger:    log,
		inbox:     make(chan bus.ControlMessage, inboxSize),
		done:      make(chan struct{}),
		idleAfter: time.Duration(sess.IdleTimeoutSec) * time.Second,
	}
	_, _ = em.Emit(ctx, events.SessionState{State: string(models.SessionActive)})
	if prompt != "" {
		_, _ = em.Emit(ctx, events.UserMessage{Text: prompt})
	}

	unsub, err := c.bus.Subscribe(ctx, bus.ControlChannel(c.opts.ChannelPrefix, sess.ID), c.controlHandler(ls))
	if err != nil {
		log.Warn("control channel unavailable, only local requests reach this session", zap.Error(err))
	} else {
		ls.unsub = unsub
	}

	c.mu.Lock()
	c.live[sess.ID] = ls
	c.mu.Unlock()
	return ls, nil
}

// release hands a claimed session back after a failed start.
func (c *Controller) release(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.store.TransitionSession(ctx, id, []models.SessionStatus{models.SessionActive}, models.SessionIdle, cause.Error()); err != nil {
		c.logger.WithSessionID(id).Error("failed to release session", zap.Error(err))
	}
}

func (c *Controller) controlHandler(ls *liveSession) bus.Handler {
	return func(_ context.Context, payload []byte) {
		var cm bus.ControlMessage
		if err := json.Unmarshal(payload, &cm); err != nil {
			ls.logger.Warn("malformed control message", zap.Error(err))
			return
		}
		if !ls.offer(cm) {
			ls.logger.Warn("control message dropped", zap.String("type", cm.Type))
		}
	}
}

// loop services one live session until its output closes. Cancelling ctx
// shuts the process down; the bookkeeping after that runs detached.
func (c *Controller) loop(parent context.Context, ls *liveSession) {
	shutdown := parent.Done()
	ctx := context.WithoutCancel(parent)

	heartbeat := time.NewTicker(c.opts.Heartbeat)
	defer heartbeat.Stop()

	messages := ls.adapter.Messages()
	signals := ls.adapter.Signals()
	team := ls.router.Team().Updates()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				c.finish(ctx, ls)
				return
			}
			for _, ev := range ls.router.Route(ctx, msg) {
				if ev.Type() == events.TypeResult {
					ls.armIdle()
				}
			}

		case sig := <-signals:
			c.signal(ctx, ls, sig)

		case p := <-ls.approvals.Requests():
			c.announceApproval(ctx, ls, p)

		case u := <-team:
			_, _ = ls.emitter.Emit(ctx, events.SystemInfo{Message: "team", Detail: map[string]any{
				"toolId": u.Member.ToolID,
				"tool":   u.Member.Tool,
				"joined": u.Joined,
				"status": u.Status,
			}})

		case cm := <-ls.inbox:
			c.handleControl(ctx, ls, cm)

		case <-heartbeat.C:
			err := c.store.TouchSession(ctx, ls.id, c.opts.WorkerID)
			if errors.Is(err, store.ErrNotClaimed) {
				ls.logger.Warn("session ownership lost, stopping agent")
				ls.halt(stopLost, false, c.opts.InterruptGrace, c.opts.TerminateGrace)
			} else if err != nil {
				ls.logger.Warn("heartbeat failed", zap.Error(err))
			}

		case <-ls.idleC():
			ls.logger.Info("idle timeout reached")
			ls.halt(stopIdle, false, c.opts.InterruptGrace, c.opts.TerminateGrace)

		case <-shutdown:
			shutdown = nil
			ls.halt(stopShutdown, true, c.opts.InterruptGrace, c.opts.TerminateGrace)
		}
	}
}

func (c *Controller) signal(ctx context.Context, ls *liveSession, sig adapter.Signal) {
	switch sig.Kind {
	case adapter.SignalThinking:
		ls.emitter.publish(ctx, bus.ThinkingMessage{Type: bus.TypeThinking, Thinking: sig.Thinking})
	case adapter.SignalSessionRef:
		ls.logger.Debug("agent reported session ref", zap.String("session_ref", sig.SessionRef))
	}
}

func (c *Controller) announceApproval(ctx context.Context, ls *liveSession, p approval.Pending) {
	_, _ = ls.emitter.Emit(ctx, events.SystemInfo{Message: bus.TypeApprovalRequest, Detail: map[string]any{
		"approvalId":    p.ID,
		"toolCallId":    p.ToolCallID,
		"toolName":      p.ToolName,
		"toolInput":     p.Input,
		"awaitingHuman": p.AwaitingHuman,
	}})
	ls.emitter.publish(ctx, bus.ApprovalRequest{
		Type:       bus.TypeApprovalRequest,
		ApprovalID: p.ID,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		ToolInput:  p.Input,
		Human:      p.AwaitingHuman,
	})
}

func (c *Controller) handleControl(ctx context.Context, ls *liveSession, cm bus.ControlMessage) {
	switch cm.Type {
	case bus.TypeMessage:
		if ls.stop != stopNone {
			ls.logger.Warn("message for a stopping session dropped")
			return
		}
		ls.disarmIdle()
		if _, err := c.store.TransitionSession(ctx, ls.id, []models.SessionStatus{models.SessionAwaitingInput}, models.SessionActive, ""); err != nil {
			ls.logger.Warn("failed to mark session active", zap.Error(err))
		}
		_, _ = ls.emitter.Emit(ctx, events.UserMessage{Text: cm.Text, HasImage: cm.Image != nil})
		var img *adapter.Image
		if cm.Image != nil {
			img = &adapter.Image{MediaType: cm.Image.MediaType, Data: cm.Image.Data}
		}
		// Some adapters wait for an RPC reply that arrives on the output
		// stream this goroutine drains.
		go func() {
			if err := ls.adapter.SendMessage(ctx, cm.Text, img); err != nil {
				ls.logger.Warn("message not delivered", zap.Error(err))
				_, _ = ls.emitter.Emit(ctx, events.SystemError{Message: "message not delivered", Detail: map[string]any{"error": err.Error()}})
			}
		}()

	case bus.TypeCancel:
		ls.halt(stopCancelled, true, c.opts.InterruptGrace, c.opts.TerminateGrace)

	case bus.TypeApproval:
		if err := ls.approvals.Resolve(ctx, cm.ApprovalID, adapter.Decision(cm.Decision)); err != nil {
			ls.logger.Warn("approval not resolved", zap.String("approval_id", cm.ApprovalID), zap.Error(err))
		}

	default:
		ls.logger.Warn("unknown control message", zap.String("type", cm.Type))
	}
}

// finish settles the row once the process output has closed.
func (c *Controller) finish(ctx context.Context, ls *liveSession) {
	close(ls.done)
	ls.disarmIdle()
	if ls.unsub != nil {
		if err := ls.unsub(); err != nil {
			ls.logger.Debug("control unsubscribe failed", zap.Error(err))
		}
	}
	c.mu.Lock()
	delete(c.live, ls.id)
	c.mu.Unlock()

	ls.router.CloseInFlight(ctx)
	ls.approvals.DenyAll(ctx)

	<-ls.proc.Done()
	code := ls.proc.ExitCode()

	var to models.SessionStatus
	var reason string
	switch ls.stop {
	case stopCancelled:
		to, reason = models.SessionEnded, "cancelled"
	case stopShutdown:
		to, reason = models.SessionEnded, "worker shutdown"
	case stopIdle:
		to, reason = models.SessionIdle, "idle timeout"
	case stopLost:
		// The reaper or another worker owns the row now.
	default:
		if code == 0 {
			to, reason = models.SessionIdle, "agent exited"
		} else {
			_, _ = ls.emitter.Emit(ctx, events.SystemError{
				Message: "agent process exited",
				Detail:  map[string]any{"exitCode": code},
			})
		}
	}

	if to != "" {
		ok, err := c.store.TransitionSession(ctx, ls.id, liveStatuses, to, reason)
		switch {
		case err != nil:
			ls.logger.Error("failed to settle session", zap.Error(err))
		case ok:
			_, _ = ls.emitter.Emit(ctx, events.SessionState{State: string(to), Reason: reason})
			ls.emitter.publish(ctx, bus.StatusMessage{Type: bus.TypeStatus, Status: string(to), Message: reason, ExitCode: &code})
		}
	}
	if err := ls.writer.Close(); err != nil {
		ls.logger.Warn("failed to close session log", zap.Error(err))
	}
	ls.logger.Info("session process finished", zap.Int("exit_code", code), zap.String("status", string(to)))
}

func (c *Controller) lookup(id string) *liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[id]
}

// Live lists the ids of sessions running on this worker.
func (c *Controller) Live() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	return ids
}
