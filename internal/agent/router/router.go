// Package router turns adapter messages into the canonical event stream of
// one session and applies the session-level side effects of each event.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/approval"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/models"
)

// Emitter persists an event to the session log and announces it.
type Emitter interface {
	Emit(ctx context.Context, p events.Payload) (events.Event, error)
	Output(ctx context.Context, stream events.Stream, line string) error
}

// SessionUpdater is the slice of the session store the router writes to.
type SessionUpdater interface {
	SetSessionRef(ctx context.Context, id, ref, model string) error
	RecordTurn(ctx context.Context, id string, costUSD float64, turns int) error
	TransitionSession(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, message string) (bool, error)
}

// InFlightTool is a tool call that started and has not ended.
type InFlightTool struct {
	ID   string
	Name string
}

// Router maps and routes the messages of one session.
type Router struct {
	sessionID string
	mapper    adapter.Mapper
	approvals *approval.Handler
	emitter   Emitter
	sessions  SessionUpdater
	team      *TeamTracker
	logger    *logger.Logger

	interrupting atomic.Bool

	mu         sync.Mutex
	inFlight   map[string]string // tool id -> name
	names      map[string]string // every tool id seen -> name
	suppressed map[string]bool
}

// Config wires a Router.
type Config struct {
	SessionID string
	Mapper    adapter.Mapper
	Approvals *approval.Handler
	Emitter   Emitter
	Sessions  SessionUpdater
	Team      *TeamTracker
}

func New(cfg Config, log *logger.Logger) *Router {
	team := cfg.Team
	if team == nil {
		team = NewTeamTracker()
	}
	return &Router{
		sessionID:  cfg.SessionID,
		mapper:     cfg.Mapper,
		approvals:  cfg.Approvals,
		emitter:    cfg.Emitter,
		sessions:   cfg.Sessions,
		team:       team,
		logger:     log.WithFields(zap.String("component", "router")).WithSessionID(cfg.SessionID),
		inFlight:   make(map[string]string),
		names:      make(map[string]string),
		suppressed: make(map[string]bool),
	}
}

// Team returns the session's sub-agent tracker.
func (r *Router) Team() *TeamTracker { return r.team }

// SetInterrupting marks an interrupt in progress; results received meanwhile
// do not move the session to awaiting_input.
func (r *Router) SetInterrupting(v bool) { r.interrupting.Store(v) }

// Route handles one adapter message and returns the events it persisted.
// Mapping failures are logged and skipped.
func (r *Router) Route(ctx context.Context, msg adapter.Message) []events.Event {
	if msg.Type == "stderr" {
		if err := r.emitter.Output(ctx, events.StreamStderr, msg.Line); err != nil {
			r.logger.Warn("failed to write stderr line", zap.Error(err))
		}
		return nil
	}
	if msg.Err != nil {
		r.logger.Warn("skipping malformed agent output", zap.Error(msg.Err))
		return nil
	}

	// Interactive tools the agent answered itself belong to their card.
	if len(msg.ToolResults) > 0 && r.approvals != nil {
		for _, id := range r.approvals.CheckForHumanResponseBlocks(msg.ToolResults, r.toolName) {
			r.mu.Lock()
			r.suppressed[id] = true
			r.mu.Unlock()
		}
	}

	payloads, err := r.mapper.Map(msg)
	if errors.Is(err, adapter.ErrUnmapped) {
		payloads, err = adapter.DefaultMapper{}.Map(msg)
	}
	if err != nil {
		r.logger.Warn("failed to map agent message", zap.String("type", msg.Type), zap.Error(err))
		return nil
	}

	var out []events.Event
	for _, p := range payloads {
		if r.suppress(p) {
			continue
		}
		ev, err := r.emitter.Emit(ctx, p)
		if err != nil {
			r.logger.Error("failed to persist event", zap.String("type", string(p.EventType())), zap.Error(err))
			continue
		}
		out = append(out, ev)
		r.apply(ctx, p)
	}
	return out
}

func (r *Router) toolName(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[id]
}

func (r *Router) suppress(p events.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := p.(type) {
	case events.ToolStart:
		r.names[e.ToolID] = e.Name
		if approval.AlwaysGated(e.Name) {
			r.suppressed[e.ToolID] = true
			return true
		}
	case events.ToolEnd:
		if r.suppressed[e.ToolID] {
			delete(r.suppressed, e.ToolID)
			delete(r.names, e.ToolID)
			return true
		}
		if e.IsError && r.approvals != nil && r.approvals.AwaitingHuman(e.ToolID) {
			return true
		}
	}
	return false
}

// apply updates tool tracking and the session row for a persisted event.
func (r *Router) apply(ctx context.Context, p events.Payload) {
	switch e := p.(type) {
	case events.ToolStart:
		r.mu.Lock()
		r.inFlight[e.ToolID] = e.Name
		r.mu.Unlock()
		if IsTeamTool(e.Name) {
			r.team.start(e.ToolID, e.Name, e.Input)
		}
	case events.ToolEnd:
		r.mu.Lock()
		delete(r.inFlight, e.ToolID)
		delete(r.names, e.ToolID)
		r.mu.Unlock()
		r.team.end(e.ToolID, e.Status)
	case events.SessionInit:
		if e.SessionRef == "" {
			return
		}
		if err := r.sessions.SetSessionRef(ctx, r.sessionID, e.SessionRef, e.Model); err != nil {
			r.logger.Error("failed to persist session ref", zap.Error(err))
		}
	case events.Result:
		if err := r.sessions.RecordTurn(ctx, r.sessionID, e.CostUSD, e.Turns); err != nil {
			r.logger.Error("failed to record turn", zap.Error(err))
		}
		if r.interrupting.Load() {
			return
		}
		ok, err := r.sessions.TransitionSession(ctx, r.sessionID,
			[]models.SessionStatus{models.SessionActive}, models.SessionAwaitingInput, "")
		if err != nil {
			r.logger.Error("failed to mark session awaiting input", zap.Error(err))
		} else if !ok {
			r.logger.Debug("session not active at turn end")
		}
	}
}

// InFlight lists started tools that have not ended, in id order.
func (r *Router) InFlight() []InFlightTool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InFlightTool, 0, len(r.inFlight))
	for id, name := range r.inFlight {
		out = append(out, InFlightTool{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseInFlight ends every open tool card with status cancelled.
func (r *Router) CloseInFlight(ctx context.Context) {
	for _, t := range r.InFlight() {
		end := events.ToolEnd{ToolID: t.ID, Name: t.Name, Status: events.ToolCancelled}
		if _, err := r.emitter.Emit(ctx, end); err != nil {
			r.logger.Warn("failed to close tool", zap.String("tool_id", t.ID), zap.Error(err))
			continue
		}
		r.apply(ctx, end)
	}
}
