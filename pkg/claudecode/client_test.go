package claudecode

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
)

type lineRecorder struct {
	mu     sync.Mutex
	lines  []string
	onLine func(string)
}

func (r *lineRecorder) Write(p []byte) (int, error) {
	line := strings.TrimSuffix(string(p), "\n")
	r.mu.Lock()
	r.lines = append(r.lines, line)
	cb := r.onLine
	r.mu.Unlock()
	if cb != nil {
		go cb(line)
	}
	return len(p), nil
}

func (r *lineRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines[len(r.lines)-1]
}

func TestDecodeMessages(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"system","subtype":"init","session_id":"abc-1","model":"opus","tools":["Bash"],"cwd":"/w"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-1", msg.SessionID)
	assert.Equal(t, "opus", msg.Model)

	msg, err = Decode([]byte(`{"type":"user","message":{"role":"user","content":"plain"}}`))
	require.NoError(t, err)
	require.Len(t, msg.Message.Content, 1)
	assert.Equal(t, "plain", msg.Message.Content[0].Text)

	msg, err = Decode([]byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","is_error":true,"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`))
	require.NoError(t, err)
	block := msg.Message.Content[0]
	assert.True(t, block.IsError)
	assert.Equal(t, "a\nb", block.ResultContent())

	msg, err = Decode([]byte(`{"type":"result","subtype":"success","result":"done","total_cost_usd":0.5,"num_turns":2}`))
	require.NoError(t, err)
	assert.Equal(t, "done", msg.ResultText())
	assert.Equal(t, 0.5, msg.Cost())

	_, err = Decode([]byte(`{"no":"type"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestInterruptWaitsForAcknowledgement(t *testing.T) {
	rec := &lineRecorder{}
	c := NewClient(rec, logger.NewNop())
	rec.onLine = func(line string) {
		var req SDKControlRequest
		if json.Unmarshal([]byte(line), &req) != nil || req.Type != MessageTypeControlRequest {
			return
		}
		resp := &CLIMessage{Type: MessageTypeControlResponse, Response: &IncomingControlResponse{Subtype: "success", RequestID: req.RequestID}}
		c.Route(resp)
	}

	require.NoError(t, c.Interrupt(context.Background(), 2*time.Second))
	assert.Contains(t, rec.last(), `"subtype":"interrupt"`)
}

func TestInterruptTimesOut(t *testing.T) {
	c := NewClient(&lineRecorder{}, logger.NewNop())
	err := c.Interrupt(context.Background(), 20*time.Millisecond)
	assert.ErrorContains(t, err, "timed out")
}

func TestRouteIgnoresOtherMessages(t *testing.T) {
	c := NewClient(&lineRecorder{}, logger.NewNop())
	assert.False(t, c.Route(&CLIMessage{Type: MessageTypeAssistant}))
	assert.True(t, c.Route(&CLIMessage{Type: MessageTypeControlResponse, Response: &IncomingControlResponse{RequestID: "unknown"}}))
}

func TestPermissionResponses(t *testing.T) {
	rec := &lineRecorder{}
	c := NewClient(rec, logger.NewNop())

	require.NoError(t, c.Allow("r1", nil))
	var allow ControlResponseMessage
	require.NoError(t, json.Unmarshal([]byte(rec.last()), &allow))
	assert.Equal(t, "r1", allow.Response.RequestID)
	assert.Equal(t, BehaviorAllow, allow.Response.Response.Behavior)

	require.NoError(t, c.Deny("r2", "no"))
	var deny ControlResponseMessage
	require.NoError(t, json.Unmarshal([]byte(rec.last()), &deny))
	assert.Equal(t, BehaviorDeny, deny.Response.Response.Behavior)
	assert.Equal(t, "no", deny.Response.Response.Message)

	require.NoError(t, c.SendUserMessage("hi", "image/png", "AAAA"))
	var user UserMessage
	require.NoError(t, json.Unmarshal([]byte(rec.last()), &user))
	require.Len(t, user.Message.Content, 2)
	assert.Equal(t, BlockImage, user.Message.Content[0].Type)
	assert.Equal(t, "hi", user.Message.Content[1].Text)
}
