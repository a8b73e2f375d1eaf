// Package approval tracks tool calls waiting for human sign-off and turns a
// decision into the owning adapter's continuation.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/pkg/claudecode"
)

// alwaysGated tools render as approval cards whatever their risk.
var alwaysGated = map[string]bool{
	claudecode.ToolAskUserQuestion: true,
	claudecode.ToolExitPlanMode:    true,
}

// maxResolved bounds how many settled approval ids are remembered for
// idempotent re-resolution.
const maxResolved = 256

// AlwaysGated reports whether tool must always surface as an approval card.
func AlwaysGated(tool string) bool { return alwaysGated[tool] }

// ToolAllower persists allow-session decisions.
type ToolAllower interface {
	AddAllowedTool(ctx context.Context, sessionID, tool string) error
}

// Pending is an approval card waiting for a decision.
type Pending struct {
	ID            string         `json:"approvalId"`
	ToolCallID    string         `json:"toolCallId"`
	ToolName      string         `json:"toolName"`
	Input         map[string]any `json:"toolInput,omitempty"`
	AwaitingHuman bool           `json:"awaitingHuman,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`

	cont func(ctx context.Context, d adapter.Decision) error
}

// Handler implements adapter.ApprovalHandler for one session.
type Handler struct {
	sessionID string
	allower   ToolAllower
	logger    *logger.Logger

	mu       sync.Mutex
	pending  map[string]*Pending // by approval id
	byCall   map[string]string   // tool call id -> approval id
	resolved map[string]struct{}
	settled  []string // resolved ids, oldest first
	awaiting map[string]bool // tool call ids answered by a human card
	allowed  map[string]bool

	requests chan Pending
}

var _ adapter.ApprovalHandler = (*Handler)(nil)

// NewHandler returns a handler for sessionID. Tools in allowed are approved
// without asking unless they are always gated.
func NewHandler(sessionID string, allowed []string, allower ToolAllower, log *logger.Logger) *Handler {
	h := &Handler{
		sessionID: sessionID,
		allower:   allower,
		logger:    log.WithFields(zap.String("component", "approval")).WithSessionID(sessionID),
		pending:   make(map[string]*Pending),
		byCall:    make(map[string]string),
		resolved:  make(map[string]struct{}),
		awaiting:  make(map[string]bool),
		allowed:   make(map[string]bool, len(allowed)),
		requests:  make(chan Pending, 32),
	}
	for _, t := range allowed {
		h.allowed[t] = true
	}
	return h
}

// Requests delivers each new approval card. Cards that do not fit are still
// resolvable; Pending lists them.
func (h *Handler) Requests() <-chan Pending { return h.requests }

// HandleApproval registers req and returns without waiting for a decision.
func (h *Handler) HandleApproval(ctx context.Context, req adapter.ApprovalRequest) {
	h.mu.Lock()
	if h.allowed[req.ToolName] && !AlwaysGated(req.ToolName) {
		h.mu.Unlock()
		h.logger.Debug("auto-allowing tool", zap.String("tool", req.ToolName))
		if err := req.Continue(ctx, adapter.DecisionAllow); err != nil {
			h.logger.Warn("auto-allow failed", zap.String("tool", req.ToolName), zap.Error(err))
		}
		return
	}

	p := &Pending{
		ID:            uuid.New().String(),
		ToolCallID:    req.ToolCallID,
		ToolName:      req.ToolName,
		Input:         req.Input,
		AwaitingHuman: h.awaiting[req.ToolCallID],
		CreatedAt:     time.Now().UTC(),
		cont:          req.Continue,
	}
	h.pending[p.ID] = p
	if req.ToolCallID != "" {
		h.byCall[req.ToolCallID] = p.ID
	}
	card := *p
	h.mu.Unlock()

	h.logger.Info("approval requested", zap.String("approval_id", p.ID), zap.String("tool", p.ToolName))
	select {
	case h.requests <- card:
	default:
		h.logger.Warn("approval request channel full", zap.String("approval_id", p.ID))
	}
}

// CheckForHumanResponseBlocks marks error-flagged results of interactive
// tools as awaiting a human answer rather than failed. It returns the tool
// call ids it marked.
func (h *Handler) CheckForHumanResponseBlocks(results []adapter.ToolResult, toolName func(id string) string) []string {
	var marked []string
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range results {
		if !r.IsError || r.ToolID == "" {
			continue
		}
		_, isPending := h.byCall[r.ToolID]
		if !isPending && !AlwaysGated(toolName(r.ToolID)) {
			continue
		}
		h.awaiting[r.ToolID] = true
		if id, ok := h.byCall[r.ToolID]; ok {
			h.pending[id].AwaitingHuman = true
		}
		marked = append(marked, r.ToolID)
	}
	return marked
}

// AwaitingHuman reports whether the tool call's failure belongs to a card.
func (h *Handler) AwaitingHuman(toolCallID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awaiting[toolCallID]
}

// Resolve applies d to the approval. Resolving a recently resolved approval
// is a no-op; one that has aged out of the settled set is not found.
func (h *Handler) Resolve(ctx context.Context, approvalID string, d adapter.Decision) error {
	if !d.Valid() {
		return apperrors.Validation("unknown decision %q", d)
	}

	h.mu.Lock()
	if _, done := h.resolved[approvalID]; done {
		h.mu.Unlock()
		return nil
	}
	p, ok := h.pending[approvalID]
	if !ok {
		h.mu.Unlock()
		return apperrors.NotFound("approval", approvalID)
	}
	delete(h.pending, approvalID)
	delete(h.byCall, p.ToolCallID)
	h.markResolved(approvalID)
	if d == adapter.DecisionAllowSession {
		h.allowed[p.ToolName] = true
	}
	h.mu.Unlock()

	if d == adapter.DecisionAllowSession && h.allower != nil {
		if err := h.allower.AddAllowedTool(ctx, h.sessionID, p.ToolName); err != nil {
			h.logger.Warn("failed to persist allowed tool", zap.String("tool", p.ToolName), zap.Error(err))
		}
	}

	h.logger.Info("approval resolved", zap.String("approval_id", approvalID), zap.String("decision", string(d)))
	if p.cont == nil {
		return nil
	}
	return p.cont(ctx, d)
}

// markResolved remembers id, forgetting the oldest settled id past
// maxResolved. Callers hold h.mu.
func (h *Handler) markResolved(id string) {
	h.resolved[id] = struct{}{}
	h.settled = append(h.settled, id)
	if len(h.settled) > maxResolved {
		delete(h.resolved, h.settled[0])
		h.settled = h.settled[1:]
	}
}

// List returns the pending approvals, oldest first.
func (h *Handler) List() []Pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Pending, 0, len(h.pending))
	for _, p := range h.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DenyAll refuses every pending approval, used when the session stops.
func (h *Handler) DenyAll(ctx context.Context) {
	for _, p := range h.List() {
		if err := h.Resolve(ctx, p.ID, adapter.DecisionDeny); err != nil {
			h.logger.Debug("deny on teardown failed", zap.String("approval_id", p.ID), zap.Error(err))
		}
	}
}
