package approval

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent/adapter"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
)

type fakeAllower struct {
	mu    sync.Mutex
	tools []string
}

func (f *fakeAllower) AddAllowedTool(_ context.Context, _ string, tool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, tool)
	return nil
}

type decisions struct {
	mu  sync.Mutex
	got []adapter.Decision
}

func (d *decisions) cont(_ context.Context, dec adapter.Decision) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, dec)
	return nil
}

func request(tool, callID string, d *decisions) adapter.ApprovalRequest {
	return adapter.ApprovalRequest{ToolCallID: callID, ToolName: tool, Input: map[string]any{"k": "v"}, Continue: d.cont}
}

func TestResolveIsIdempotent(t *testing.T) {
	h := NewHandler("s1", nil, nil, logger.NewNop())
	d := &decisions{}
	h.HandleApproval(context.Background(), request("Bash", "t1", d))

	card := <-h.Requests()
	assert.Equal(t, "Bash", card.ToolName)
	assert.Equal(t, "t1", card.ToolCallID)
	require.Len(t, h.List(), 1)

	require.NoError(t, h.Resolve(context.Background(), card.ID, adapter.DecisionAllow))
	require.NoError(t, h.Resolve(context.Background(), card.ID, adapter.DecisionDeny))
	assert.Equal(t, []adapter.Decision{adapter.DecisionAllow}, d.got)
	assert.Empty(t, h.List())
}

func TestSettledApprovalsAreBounded(t *testing.T) {
	h := NewHandler("s1", nil, nil, logger.NewNop())
	d := &decisions{}
	ctx := context.Background()

	var ids []string
	for i := 0; i < maxResolved+10; i++ {
		h.HandleApproval(ctx, request("Bash", fmt.Sprintf("t%d", i), d))
		pending := h.List()
		require.Len(t, pending, 1)
		require.NoError(t, h.Resolve(ctx, pending[0].ID, adapter.DecisionAllow))
		ids = append(ids, pending[0].ID)
	}

	h.mu.Lock()
	assert.Len(t, h.resolved, maxResolved)
	assert.Len(t, h.settled, maxResolved)
	h.mu.Unlock()

	assert.NoError(t, h.Resolve(ctx, ids[len(ids)-1], adapter.DecisionDeny))
	assert.True(t, apperrors.IsNotFound(h.Resolve(ctx, ids[0], adapter.DecisionDeny)))
	assert.Len(t, d.got, maxResolved+10)
}

func TestResolveErrors(t *testing.T) {
	h := NewHandler("s1", nil, nil, logger.NewNop())
	err := h.Resolve(context.Background(), "missing", adapter.DecisionAllow)
	assert.True(t, apperrors.IsNotFound(err))

	err = h.Resolve(context.Background(), "missing", adapter.Decision("later"))
	assert.True(t, apperrors.IsValidation(err))
}

func TestAllowSessionRemembersTool(t *testing.T) {
	allower := &fakeAllower{}
	h := NewHandler("s1", nil, allower, logger.NewNop())
	d := &decisions{}

	h.HandleApproval(context.Background(), request("Edit", "t1", d))
	card := <-h.Requests()
	require.NoError(t, h.Resolve(context.Background(), card.ID, adapter.DecisionAllowSession))
	assert.Equal(t, []string{"Edit"}, allower.tools)

	h.HandleApproval(context.Background(), request("Edit", "t2", d))
	assert.Empty(t, h.List())
	assert.Equal(t, []adapter.Decision{adapter.DecisionAllowSession, adapter.DecisionAllow}, d.got)
}

func TestAllowedToolsSkipCardsExceptGated(t *testing.T) {
	h := NewHandler("s1", []string{"Read", "AskUserQuestion"}, nil, logger.NewNop())
	d := &decisions{}

	h.HandleApproval(context.Background(), request("Read", "t1", d))
	assert.Equal(t, []adapter.Decision{adapter.DecisionAllow}, d.got)

	h.HandleApproval(context.Background(), request("AskUserQuestion", "t2", d))
	require.Len(t, h.List(), 1)
	assert.True(t, AlwaysGated("AskUserQuestion"))
	assert.True(t, AlwaysGated("ExitPlanMode"))
	assert.False(t, AlwaysGated("Bash"))
}

func TestCheckForHumanResponseBlocks(t *testing.T) {
	h := NewHandler("s1", nil, nil, logger.NewNop())
	d := &decisions{}
	h.HandleApproval(context.Background(), request("Bash", "pending-call", d))

	names := map[string]string{"ask": "AskUserQuestion", "plain": "Bash", "pending-call": "Bash"}
	marked := h.CheckForHumanResponseBlocks([]adapter.ToolResult{
		{ToolID: "ask", IsError: true},
		{ToolID: "plain", IsError: true},
		{ToolID: "pending-call", IsError: true},
		{ToolID: "ok", IsError: false},
	}, func(id string) string { return names[id] })

	assert.ElementsMatch(t, []string{"ask", "pending-call"}, marked)
	assert.True(t, h.AwaitingHuman("ask"))
	assert.False(t, h.AwaitingHuman("plain"))
	require.Len(t, h.List(), 1)
	assert.True(t, h.List()[0].AwaitingHuman)
}

func TestDenyAll(t *testing.T) {
	h := NewHandler("s1", nil, nil, logger.NewNop())
	d := &decisions{}
	h.HandleApproval(context.Background(), request("Bash", "t1", d))
	h.HandleApproval(context.Background(), request("Write", "t2", d))

	h.DenyAll(context.Background())
	assert.Empty(t, h.List())
	assert.Equal(t, []adapter.Decision{adapter.DecisionDeny, adapter.DecisionDeny}, d.got)
}
