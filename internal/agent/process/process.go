// Package process runs agent binaries as detached process groups and exposes
// them through ManagedProcess, which never hands out the raw *os.Process.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
)

// Stream names the pipe a chunk was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

const readChunkSize = 32 * 1024

// Chunk is one raw read from a child pipe. Chunks carry no line boundaries;
// feed them through a LineBuffer.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Spec describes a child to start.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the parent's environment.
	Env []string
	// Parent is the pid of the managed process that requested this child,
	// 0 for top-level agents. It links the child into the kill registry.
	Parent int
}

// ManagedProcess is a running child in its own process group.
type ManagedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pid    int
	logger *logger.Logger

	output  chan Chunk
	done    chan struct{}
	discard chan struct{}

	stdinMu  sync.Mutex
	discOnce sync.Once

	exitCode int
	exitErr  error
}

// Start launches spec as the leader of a new process group.
func Start(spec Spec, log *logger.Logger) (*ManagedProcess, error) {
	if spec.Name == "" {
		return nil, errors.New("no command configured")
	}
	// exec.Command rather than CommandContext: a request context must not
	// own the child's lifetime.
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	p := &ManagedProcess{
		cmd:      cmd,
		stdin:    stdin,
		pid:      cmd.Process.Pid,
		output:   make(chan Chunk, 64),
		done:     make(chan struct{}),
		discard:  make(chan struct{}),
		exitCode: -1,
	}
	p.logger = log.WithFields(zap.String("component", "process"), zap.Int("pid", p.pid))
	children.Add(spec.Parent, cmd.Process)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.read(stdout, Stdout, &readers)
	go p.read(stderr, Stderr, &readers)
	go func() {
		readers.Wait()
		close(p.output)
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.exitErr = err
		}
		children.Remove(p.pid)
		p.logger.Debug("process exited", zap.Int("exit_code", p.exitCode))
		close(p.done)
	}()

	p.logger.Info("process started", zap.String("command", spec.Name), zap.String("dir", spec.Dir))
	return p, nil
}

func (p *ManagedProcess) read(r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.output <- Chunk{Stream: stream, Data: data}:
			case <-p.discard:
			}
		}
		if err != nil {
			return
		}
	}
}

// PID returns the process (and process group) id.
func (p *ManagedProcess) PID() int { return p.pid }

// Output delivers raw chunks from stdout and stderr in read order per pipe.
// It is closed once both pipes reach EOF.
func (p *ManagedProcess) Output() <-chan Chunk { return p.output }

// Done is closed after the process has been reaped.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// ExitCode is -1 until Done is closed, and for signal deaths.
func (p *ManagedProcess) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Err reports a wait failure other than a non-zero exit.
func (p *ManagedProcess) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Alive reports whether the process has not yet been reaped.
func (p *ManagedProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Write sends bytes to the child's stdin.
func (p *ManagedProcess) Write(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.Write(b)
}

// CloseStdin signals end of input to the child.
func (p *ManagedProcess) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.Close()
}

// Discard stops delivery on Output so an abandoned process cannot block its
// readers.
func (p *ManagedProcess) Discard() {
	p.discOnce.Do(func() { close(p.discard) })
}

// Kill sends sig to the whole process group. Signalling a process that is
// already gone is not an error.
func (p *ManagedProcess) Kill(sig os.Signal) error {
	if !p.Alive() {
		return nil
	}
	if err := signalGroup(p.pid, sig); err != nil && !processGone(err) {
		return fmt.Errorf("signal %v to group %d: %w", sig, p.pid, err)
	}
	return nil
}

// Terminate asks the group to exit, waits up to grace, then force-kills it.
// It returns once the process has been reaped or ctx ends.
func (p *ManagedProcess) Terminate(ctx context.Context, grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if err := p.Kill(terminateSignal); err != nil {
		p.logger.Warn("graceful terminate failed", zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	p.logger.Warn("process ignored terminate, killing", zap.Duration("grace", grace))
	if err := p.Kill(os.Kill); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
