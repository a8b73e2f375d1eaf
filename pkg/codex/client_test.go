package codex

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
)

func TestDecodeClassifiesFrames(t *testing.T) {
	f, err := Decode([]byte(`{"id":3,"result":{"thread":{"id":"th"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, f.Kind)

	f, err = Decode([]byte(`{"id":9,"method":"item/commandExecution/requestApproval","params":{"itemId":"i1","command":"ls"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, f.Kind)
	assert.Equal(t, NotifyItemCmdExecRequestApproval, f.Method)

	f, err = Decode([]byte(`{"method":"turn/completed","params":{}}`))
	require.NoError(t, err)
	assert.Equal(t, KindNotification, f.Kind)

	_, err = Decode([]byte(`{}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`nope`))
	assert.Error(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	c := NewClient(pw, logger.NewNop())

	go func() {
		dec := json.NewDecoder(pr)
		for {
			var req Request
			if dec.Decode(&req) != nil {
				return
			}
			switch req.Method {
			case MethodThreadStart:
				c.Deliver(&Response{ID: req.ID, Result: json.RawMessage(`{"thread":{"id":"th-1"}}`)})
			default:
				c.Deliver(&Response{ID: req.ID, Error: &Error{Code: MethodNotFound, Message: "nope"}})
			}
		}
	}()

	var res ThreadResult
	require.NoError(t, c.Call(context.Background(), MethodThreadStart, ThreadStartParams{Cwd: "/w"}, &res))
	assert.Equal(t, "th-1", res.Thread.ID)

	err := c.Call(context.Background(), "bogus", nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, MethodNotFound, rpcErr.Code)

	_ = pw.Close()
}

func TestCallAbortsOnClose(t *testing.T) {
	c := NewClient(io.Discard, logger.NewNop())
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Close()
	}()
	err := c.Call(context.Background(), MethodTurnStart, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFlexibleContent(t *testing.T) {
	var item Item
	require.NoError(t, json.Unmarshal([]byte(`{"id":"r","type":"reasoning","summary":"plain","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`), &item))
	assert.Equal(t, "plain", item.Summary.Text())
	assert.Equal(t, "ab", item.Content.Text())
}
