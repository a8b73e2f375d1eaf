package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/approval"
	"github.com/kandev/conductor/internal/agent/router"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events/bus"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopIdle
	stopShutdown
	stopLost
)

const inboxSize = 16

// liveSession is the in-memory half of a claimed session. Fields below
// the inbox are owned by the loop goroutine.
type liveSession struct {
	id        string
	adapter   adapter.Adapter
	proc      adapter.Process
	router    *router.Router
	approvals *approval.Handler
	emitter   *logEmitter
	writer    *eventlog.Writer
	logger    *logger.Logger

	inbox chan bus.ControlMessage
	done  chan struct{}
	unsub bus.Unsubscribe

	idleAfter time.Duration
	idle      *time.Timer
	stop      stopReason
}

// offer queues cm without blocking. It reports false if the inbox is full
// or the session is winding down.
func (ls *liveSession) offer(cm bus.ControlMessage) bool {
	select {
	case <-ls.done:
		return false
	default:
	}
	select {
	case ls.inbox <- cm:
		return true
	default:
		return false
	}
}

// deliver queues cm, waiting for room.
func (ls *liveSession) deliver(ctx context.Context, cm bus.ControlMessage) bool {
	select {
	case ls.inbox <- cm:
		return true
	case <-ls.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (ls *liveSession) armIdle() {
	if ls.idleAfter <= 0 || ls.stop != stopNone {
		return
	}
	if ls.idle == nil {
		ls.idle = time.NewTimer(ls.idleAfter)
		return
	}
	ls.idle.Reset(ls.idleAfter)
}

func (ls *liveSession) disarmIdle() {
	if ls.idle != nil {
		ls.idle.Stop()
	}
}

func (ls *liveSession) idleC() <-chan time.Time {
	if ls.idle == nil {
		return nil
	}
	return ls.idle.C
}

// halt records why the session is stopping and shuts the process down in
// the background. The first reason wins.
func (ls *liveSession) halt(reason stopReason, interrupt bool, interruptGrace, terminateGrace time.Duration) {
	if ls.stop != stopNone {
		return
	}
	ls.stop = reason
	ls.disarmIdle()
	ls.logger.Info("stopping agent process", zap.Int("reason", int(reason)), zap.Bool("interrupt", interrupt))
	go ls.shutdown(interrupt, interruptGrace, terminateGrace)
}

// shutdown interrupts the agent at the protocol level when asked, gives it
// interruptGrace to wind down, then terminates the process group.
func (ls *liveSession) shutdown(interrupt bool, interruptGrace, terminateGrace time.Duration) {
	ctx := context.Background()
	if interrupt {
		ls.router.SetInterrupting(true)
		ictx, cancel := context.WithTimeout(ctx, interruptGrace)
		if err := ls.adapter.Interrupt(ictx); err != nil {
			ls.logger.Debug("interrupt failed", zap.Error(err))
		}
		cancel()
		select {
		case <-ls.proc.Done():
			return
		case <-time.After(interruptGrace):
		}
	}
	if err := ls.proc.Terminate(ctx, terminateGrace); err != nil {
		ls.logger.Warn("failed to terminate agent process", zap.Error(err))
	}
}
