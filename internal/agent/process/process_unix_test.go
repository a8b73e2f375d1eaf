//go:build unix

package process

import (
	"context"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
)

func drain(p *ManagedProcess) (stdout, stderr string) {
	var out, errOut strings.Builder
	for c := range p.Output() {
		if c.Stream == Stdout {
			out.Write(c.Data)
		} else {
			errOut.Write(c.Data)
		}
	}
	return out.String(), errOut.String()
}

func waitDone(t *testing.T, p *ManagedProcess) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStartCapturesOutputAndExitCode(t *testing.T) {
	p, err := Start(Spec{Name: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}}, logger.NewNop())
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	stdout, stderr := drain(p)
	waitDone(t, p)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
	assert.Equal(t, 3, p.ExitCode())
	assert.NoError(t, p.Err())
	assert.False(t, p.Alive())

	// Already dead: no error.
	assert.NoError(t, p.Kill(syscall.SIGTERM))
	assert.NoError(t, p.Terminate(context.Background(), time.Second))
}

func TestStdinReachesChild(t *testing.T) {
	p, err := Start(Spec{Name: "sh", Args: []string{"-c", "read line; echo got:$line"}}, logger.NewNop())
	require.NoError(t, err)

	_, err = p.Write([]byte("ping\n"))
	require.NoError(t, err)
	stdout, _ := drain(p)
	waitDone(t, p)
	assert.Equal(t, "got:ping\n", stdout)
}

func TestTerminateGraceful(t *testing.T) {
	p, err := Start(Spec{Name: "sh", Args: []string{"-c", "sleep 30"}}, logger.NewNop())
	require.NoError(t, err)
	go drain(p)

	start := time.Now()
	require.NoError(t, p.Terminate(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, p.Alive())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// The shell and its sleep child both ignore SIGTERM.
	p, err := Start(Spec{Name: "sh", Args: []string{"-c", `trap "" TERM; sleep 30 & wait`}}, logger.NewNop())
	require.NoError(t, err)
	go drain(p)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(context.Background(), 200*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.False(t, p.Alive())
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	_, err := Start(Spec{}, logger.NewNop())
	assert.Error(t, err)
}
