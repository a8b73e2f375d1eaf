//go:build unix

package adapter

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
)

// replayingAgent answers initialize, then replays history for session/load as
// session/update notifications before sending the load response.
const replayingAgent = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/^{"jsonrpc":"2.0","id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1,"agentCapabilities":{"loadSession":true}}}\n' "$id" ;;
    *'"method":"session/load"'*)
      i=0
      while [ "$i" -lt "$REPLAY" ]; do
        printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s-prev","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"m%d "}}}}\n' "$i"
        i=$((i+1))
      done
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id" ;;
  esac
done
`

func TestACPResumeSurvivesLongHistoryReplay(t *testing.T) {
	const replay = 400
	require.Greater(t, replay, messageBuffer)

	a := NewACPAdapter(AgentSpec{
		ID:       "fake-acp",
		Provider: ProviderACP,
		Binary:   "sh",
		Args:     []string{"-c", replayingAgent},
		Env:      []string{"REPLAY=" + strconv.Itoa(replay)},
	}, 100*time.Millisecond, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	p, err := a.Resume(ctx, "s-prev", "", Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = p.Terminate(context.Background(), 100*time.Millisecond) }()

	updates, ready := 0, false
	timeout := time.After(10 * time.Second)
	for !ready {
		select {
		case m, ok := <-a.Messages():
			require.True(t, ok, "messages closed before the session was ready")
			switch m.Type {
			case TypeACPUpdate:
				updates++
			case TypeSessionReady:
				ready = true
			}
		case <-timeout:
			t.Fatalf("got %d updates and no ready message", updates)
		}
	}
	assert.Equal(t, replay, updates)

	a.stateMu.Lock()
	assert.Equal(t, "s-prev", a.sessionID)
	a.stateMu.Unlock()
}
