package adapter

import (
	"encoding/json"
	"errors"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
)

func acpUpdate(update string) string {
	return `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":` + update + `}}` + "\n"
}

func TestACPUpdatesAreJoinedAndMapped(t *testing.T) {
	a := NewACPAdapter(AgentSpec{ID: "gemini", Provider: ProviderACP, Binary: "gemini"}, 0, logger.NewNop())
	stream := acpUpdate(`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"let me "}}`) +
		acpUpdate(`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"think"}}`) +
		acpUpdate(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hel"}}`) +
		acpUpdate(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"lo"}}`) +
		acpUpdate(`{"sessionUpdate":"tool_call","toolCallId":"tc1","title":"Read file","kind":"read","status":"pending","rawInput":{"path":"/w/a"}}`) +
		acpUpdate(`{"sessionUpdate":"tool_call_update","toolCallId":"tc1","status":"completed","rawOutput":"contents"}`)
	a.handleChunk(process.Chunk{Stream: process.Stdout, Data: []byte(stream)})

	msgs := drainMessages(a.base)
	require.Len(t, msgs, 6)
	msgs = append(msgs, Message{Type: TypeACPPromptResult, Native: &acpPromptResult{StopReason: "end_turn"}})

	got := mapAll(t, a.Mapper(), msgs)
	require.Len(t, got, 5)
	assert.Equal(t, events.Thinking{Text: "let me think"}, got[0])
	assert.Equal(t, events.Text{Text: "Hello"}, got[1])
	assert.Equal(t, events.ToolStart{ToolID: "tc1", Name: "Read file", Input: map[string]any{"path": "/w/a"}}, got[2])
	assert.Equal(t, events.ToolEnd{ToolID: "tc1", Name: "Read file", Output: "contents", Status: events.ToolCompleted}, got[3])
	assert.Equal(t, events.Result{Subtype: "end_turn", Turns: 1}, got[4])
}

func TestACPPromptErrorMapsToFailedResult(t *testing.T) {
	m := NewACPMapper()
	got, err := m.Map(Message{Type: TypeACPPromptResult, Native: &acpPromptResult{Err: errors.New("agent crashed")}})
	require.NoError(t, err)
	assert.Equal(t, []events.Payload{events.Result{Subtype: "error", IsError: true, Text: "agent crashed", Turns: 1}}, got)

	_, err = m.Map(Message{Type: "other"})
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestSelectPermission(t *testing.T) {
	var options []acp.PermissionOption
	require.NoError(t, json.Unmarshal([]byte(`[
		{"optionId":"once","name":"Allow","kind":"allow_once"},
		{"optionId":"always","name":"Always","kind":"allow_always"},
		{"optionId":"no","name":"Reject","kind":"reject_once"}
	]`), &options))

	pick := func(d Decision) string {
		resp := selectPermission(options, d)
		if resp.Outcome.Selected == nil {
			return ""
		}
		return string(resp.Outcome.Selected.OptionId)
	}
	assert.Equal(t, "once", pick(DecisionAllow))
	assert.Equal(t, "always", pick(DecisionAllowSession))
	assert.Equal(t, "no", pick(DecisionDeny))

	resp := selectPermission(options[:2], DecisionDeny)
	assert.Nil(t, resp.Outcome.Selected)
	assert.NotNil(t, resp.Outcome.Cancelled)
}

func TestToolInput(t *testing.T) {
	assert.Nil(t, toolInput(nil))
	assert.Equal(t, map[string]any{"a": 1}, toolInput(map[string]any{"a": 1}))
	assert.Equal(t, map[string]any{"raw": "ls"}, toolInput("ls"))
}
