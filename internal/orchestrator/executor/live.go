package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/router"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/models"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopFinished
	stopCancelled
	stopTimedOut
	stopShutdown
	stopLost
)

// execution is the in-memory half of a claimed execution. Fields below
// cancelled are owned by the loop goroutine.
type execution struct {
	id      string
	adapter adapter.Adapter
	proc    adapter.Process
	router  *router.Router
	emitter logEmitter
	writer  *eventlog.Writer
	logger  *logger.Logger
	timeout time.Duration

	cancelOnce sync.Once
	cancelled  chan struct{}

	unsub  func() error
	result *events.Result
	stop   stopReason
}

func (x *execution) requestCancel() {
	x.cancelOnce.Do(func() { close(x.cancelled) })
}

// halt records why the execution is stopping and shuts the process down in
// the background. The first reason wins.
func (x *execution) halt(reason stopReason, interrupt bool, interruptGrace, terminateGrace time.Duration) {
	if x.stop != stopNone {
		return
	}
	x.stop = reason
	x.logger.Info("stopping agent process", zap.Int("reason", int(reason)), zap.Bool("interrupt", interrupt))
	go x.shutdown(interrupt, interruptGrace, terminateGrace)
}

func (x *execution) shutdown(interrupt bool, interruptGrace, terminateGrace time.Duration) {
	ctx := context.Background()
	if interrupt {
		x.router.SetInterrupting(true)
		ictx, cancel := context.WithTimeout(ctx, interruptGrace)
		if err := x.adapter.Interrupt(ictx); err != nil {
			x.logger.Debug("interrupt failed", zap.Error(err))
		}
		cancel()
		select {
		case <-x.proc.Done():
			return
		case <-time.After(interruptGrace):
		}
	}
	if err := x.proc.Terminate(ctx, terminateGrace); err != nil {
		x.logger.Warn("failed to terminate agent process", zap.Error(err))
	}
}

// logEmitter writes execution events to the execution log only; nothing
// subscribes to an execution's output.
type logEmitter struct {
	writer *eventlog.Writer
}

var _ router.Emitter = logEmitter{}

func (e logEmitter) Emit(_ context.Context, p events.Payload) (events.Event, error) {
	return e.writer.Append(events.Event{Payload: p})
}

func (e logEmitter) Output(_ context.Context, stream events.Stream, line string) error {
	return e.writer.AppendOutput(stream, strings.TrimRight(line, "\r\n"))
}

// denyApprovals refuses every tool approval. Executions have no human on
// the other end.
type denyApprovals struct {
	logger *logger.Logger
}

func (d denyApprovals) HandleApproval(ctx context.Context, req adapter.ApprovalRequest) {
	d.logger.Info("denying tool approval", zap.String("tool", req.ToolName), zap.String("tool_call_id", req.ToolCallID))
	go func() {
		if err := req.Continue(context.WithoutCancel(ctx), adapter.DecisionDeny); err != nil {
			d.logger.Debug("deny not delivered", zap.Error(err))
		}
	}()
}

// discardSession absorbs the session-row side effects the router applies.
type discardSession struct{}

func (discardSession) SetSessionRef(context.Context, string, string, string) error { return nil }
func (discardSession) RecordTurn(context.Context, string, float64, int) error      { return nil }
func (discardSession) TransitionSession(context.Context, string, []models.SessionStatus, models.SessionStatus, string) (bool, error) {
	return false, nil
}
