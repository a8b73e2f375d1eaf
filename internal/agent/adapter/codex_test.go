package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
)

const codexStream = `{"method":"turn/started","params":{"threadId":"th","turn":{"id":"turn-1","status":"inProgress"}}}
{"method":"item/started","params":{"threadId":"th","turnId":"turn-1","item":{"id":"i1","type":"reasoning"}}}
{"method":"item/completed","params":{"threadId":"th","turnId":"turn-1","item":{"id":"i1","type":"reasoning","summary":"pondering"}}}
{"method":"item/agentMessage/delta","params":{"threadId":"th","turnId":"turn-1","itemId":"i2","delta":"Hel"}}
{"method":"item/completed","params":{"threadId":"th","turnId":"turn-1","item":{"id":"i2","type":"agentMessage","text":"Hello"}}}
{"method":"item/started","params":{"threadId":"th","turnId":"turn-1","item":{"id":"c1","type":"commandExecution","command":"ls","cwd":"/w"}}}
{"method":"item/completed","params":{"threadId":"th","turnId":"turn-1","item":{"id":"c1","type":"commandExecution","command":"ls","aggregatedOutput":"a.txt","exitCode":1,"status":"completed"}}}
{"method":"thread/tokenUsage/updated","params":{"threadId":"th","turnId":"turn-1","tokenUsage":{"last":{"inputTokens":10,"outputTokens":4}}}}
{"method":"turn/completed","params":{"threadId":"th","turn":{"id":"turn-1","status":"completed"}}}
`

func newCodex() *CodexAdapter {
	return NewCodexAdapter(AgentSpec{ID: "codex", Provider: ProviderCodex, Binary: "codex"}, 0, logger.NewNop())
}

func TestCodexNotificationMapping(t *testing.T) {
	a := newCodex()
	a.handleChunk(process.Chunk{Stream: process.Stdout, Data: []byte(codexStream)})

	msgs := drainMessages(a.base)
	require.Len(t, msgs, 9)
	got := mapAll(t, a.Mapper(), msgs)

	require.Len(t, got, 5)
	assert.Equal(t, events.Thinking{Text: "pondering"}, got[0])
	assert.Equal(t, events.Text{Text: "Hello"}, got[1])
	assert.Equal(t, events.ToolStart{ToolID: "c1", Name: "Bash", Input: map[string]any{"command": "ls", "cwd": "/w"}}, got[2])
	assert.Equal(t, events.ToolEnd{ToolID: "c1", Name: "Bash", Output: "a.txt", IsError: true, Status: events.ToolFailed}, got[3])
	assert.Equal(t, events.Result{Subtype: "success", Turns: 1, InputTokens: 10, OutputTokens: 4}, got[4])

	sigs := drainSignals(a.base)
	assert.Contains(t, sigs, Signal{Kind: SignalThinking, Thinking: true})
	assert.Equal(t, Signal{Kind: SignalThinking, Thinking: false}, sigs[len(sigs)-1])
}

func TestCodexFailedTurn(t *testing.T) {
	m := NewCodexMapper()
	a := newCodex()
	a.handleChunk(process.Chunk{Stream: process.Stdout, Data: []byte(
		`{"method":"turn/completed","params":{"threadId":"th","turn":{"id":"t","status":"failed","error":{"code":1,"message":"quota"}}}}` + "\n" +
			`{"method":"error","params":{"message":"boom"}}` + "\n")})
	got := mapAll(t, m, drainMessages(a.base))
	require.Len(t, got, 2)
	assert.Equal(t, events.Result{Subtype: "error", IsError: true, Text: "quota", Turns: 1}, got[0])
	assert.Equal(t, events.SystemError{Message: "boom"}, got[1])
}

func TestCodexApprovalRequest(t *testing.T) {
	a := newCodex()
	h := &recordingApprovals{}
	a.SetApprovalHandler(h)
	a.handleChunk(process.Chunk{Stream: process.Stdout, Data: []byte(
		`{"id":7,"method":"item/commandExecution/requestApproval","params":{"threadId":"th","turnId":"t","itemId":"c9","command":"rm x","cwd":"/w"}}` + "\n")})

	require.Len(t, h.reqs, 1)
	assert.Equal(t, "c9", h.reqs[0].ToolCallID)
	assert.Equal(t, "Bash", h.reqs[0].ToolName)
	assert.Equal(t, "rm x", h.reqs[0].Input["command"])
	assert.Error(t, h.reqs[0].Continue(context.Background(), DecisionDeny))
	assert.Empty(t, drainMessages(a.base))
}

func TestCodexInterruptWithoutTurnIsNoop(t *testing.T) {
	a := newCodex()
	assert.NoError(t, a.Interrupt(context.Background()))
	assert.Error(t, a.SendMessage(context.Background(), "hi", nil))
}
