//go:build unix

package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
)

func collect(t *testing.T, a Adapter) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-a.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatal("adapter did not finish")
		}
	}
}

func TestTemplateAdapterRunsCommand(t *testing.T) {
	a := NewTemplateAdapter(AgentSpec{
		ID:       "echo",
		Provider: ProviderTemplate,
		Command:  `read line; echo "stdin:$line"; echo "env:$CONDUCTOR_PROMPT"; exit 4`,
	}, time.Second, logger.NewNop())

	p, err := a.Spawn(context.Background(), "hello", Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	got := mapAll(t, a.Mapper(), collect(t, a))
	require.Len(t, got, 3)
	assert.Equal(t, events.Text{Text: "stdin:hello"}, got[0])
	assert.Equal(t, events.Text{Text: "env:hello"}, got[1])
	res := got[2].(events.Result)
	assert.True(t, res.IsError)
	assert.Equal(t, "exit status 4", res.Text)
	assert.False(t, a.IsAlive())
	assert.Error(t, a.SendMessage(context.Background(), "again", nil))
}

func TestTemplateAdapterRequiresCommand(t *testing.T) {
	a := NewTemplateAdapter(AgentSpec{ID: "empty", Provider: ProviderTemplate}, 0, logger.NewNop())
	_, err := a.Spawn(context.Background(), "x", Options{})
	assert.Error(t, err)
}

func TestSpawnTwiceConflicts(t *testing.T) {
	a := NewTemplateAdapter(AgentSpec{ID: "sleep", Provider: ProviderTemplate, Command: "sleep 5"}, 0, logger.NewNop())
	p, err := a.Spawn(context.Background(), "", Options{})
	require.NoError(t, err)
	defer func() { _ = p.Terminate(context.Background(), 100*time.Millisecond) }()

	_, err = a.Spawn(context.Background(), "", Options{})
	assert.Error(t, err)
}
