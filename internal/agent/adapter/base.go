package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
)

const (
	messageBuffer = 256
	signalBuffer  = 32
)

// AgentSpec is the resolved configuration of one agent.
type AgentSpec struct {
	ID       string
	Provider string
	Binary   string
	Args     []string
	Command  string
	Model    string
	Env      []string
}

// base carries the process plumbing every adapter shares: one managed
// process, line reassembly for both pipes, and the outbound channels.
type base struct {
	provider string
	spec     AgentSpec
	logger   *logger.Logger
	grace    time.Duration

	mu        sync.Mutex
	proc      *process.ManagedProcess
	approvals ApprovalHandler

	messages  chan Message
	signals   chan Signal
	stdoutBuf *process.LineBuffer
	stderrBuf *process.LineBuffer
	onLine    func(line string)
	onFinish  func(p *process.ManagedProcess)

	// outMu guards the overflow queue behind messages. emit never blocks, so
	// the pump keeps reading protocol responses while nobody consumes
	// Messages, as during a handshake that replays history.
	outMu      sync.Mutex
	outbox     []Message
	forwarding bool
	closing    bool
	closed     bool
}

func newBase(provider string, spec AgentSpec, grace time.Duration, log *logger.Logger) *base {
	return &base{
		provider:  provider,
		spec:      spec,
		grace:     grace,
		logger:    log.WithFields(zap.String("adapter", provider), zap.String("agent_id", spec.ID)),
		messages:  make(chan Message, messageBuffer),
		signals:   make(chan Signal, signalBuffer),
		stdoutBuf: process.NewLineBuffer(0),
		stderrBuf: process.NewLineBuffer(0),
	}
}

func (b *base) Provider() string         { return b.provider }
func (b *base) Messages() <-chan Message { return b.messages }
func (b *base) Signals() <-chan Signal   { return b.signals }

func (b *base) SetApprovalHandler(h ApprovalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approvals = h
}

func (b *base) approvalHandler() ApprovalHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.approvals
}

func (b *base) IsAlive() bool {
	b.mu.Lock()
	p := b.proc
	b.mu.Unlock()
	return p != nil && p.Alive()
}

func (b *base) process() *process.ManagedProcess {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc
}

// start launches the agent binary and begins pumping its output.
func (b *base) start(args []string, opts Options) (*process.ManagedProcess, error) {
	b.mu.Lock()
	if b.proc != nil {
		b.mu.Unlock()
		return nil, apperrors.Conflict("adapter already owns process %d", b.proc.PID())
	}
	b.mu.Unlock()

	if b.spec.Binary == "" {
		return nil, apperrors.Validation("agent %s has no binary configured", b.spec.ID)
	}
	env := append([]string{}, b.spec.Env...)
	env = append(env, opts.Env...)

	p, err := process.Start(process.Spec{
		Name:   b.spec.Binary,
		Args:   args,
		Dir:    opts.WorkDir,
		Env:    env,
		Parent: opts.Parent,
	}, b.logger)
	if err != nil {
		return nil, apperrors.Validation("cannot start %s: %v", b.spec.Binary, err).WithCause(err)
	}

	b.mu.Lock()
	b.proc = p
	b.mu.Unlock()

	go b.pump(p)
	return p, nil
}

func (b *base) pump(p *process.ManagedProcess) {
	for c := range p.Output() {
		b.handleChunk(c)
	}
	if rest, ok := b.stdoutBuf.Flush(); ok {
		b.dispatchLine(rest)
	}
	if rest, ok := b.stderrBuf.Flush(); ok {
		b.emitStderr(rest)
	}
	if b.onFinish != nil {
		b.onFinish(p)
	}
	b.closeMessages()
}

// closeMessages closes Messages once every queued message is delivered.
func (b *base) closeMessages() {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	b.closing = true
	if !b.forwarding {
		b.closeLocked()
	}
}

func (b *base) closeLocked() {
	if !b.closed {
		b.closed = true
		close(b.messages)
	}
}

// handleChunk feeds one raw read through the line buffers. Only complete
// lines reach the protocol decoder.
func (b *base) handleChunk(c process.Chunk) {
	if c.Stream == process.Stderr {
		for _, line := range b.stderrBuf.Feed(c.Data) {
			b.emitStderr(line)
		}
		return
	}
	for _, line := range b.stdoutBuf.Feed(c.Data) {
		b.dispatchLine(line)
	}
}

func (b *base) dispatchLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	b.onLine(line)
}

func (b *base) emitStderr(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	b.emit(Message{Provider: b.provider, Type: "stderr", Stream: process.Stderr, Line: line})
}

func (b *base) emit(m Message) {
	if m.Provider == "" {
		m.Provider = b.provider
	}
	if m.Stream == "" {
		m.Stream = process.Stdout
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	// Late emitters (a prompt call returning after exit) are dropped.
	if b.closing {
		return
	}
	if !b.forwarding {
		select {
		case b.messages <- m:
			return
		default:
		}
		b.forwarding = true
		go b.forward()
	}
	b.outbox = append(b.outbox, m)
}

// forward moves queued messages into the channel in order. It exits when the
// queue is empty and closes Messages if the process has finished meanwhile.
func (b *base) forward() {
	for {
		b.outMu.Lock()
		if len(b.outbox) == 0 {
			b.forwarding = false
			b.outbox = nil
			if b.closing {
				b.closeLocked()
			}
			b.outMu.Unlock()
			return
		}
		m := b.outbox[0]
		b.outbox[0] = Message{}
		b.outbox = b.outbox[1:]
		b.outMu.Unlock()

		b.messages <- m
	}
}

func (b *base) emitDecodeError(line string, err error) {
	b.logger.Warn("malformed agent output line", zap.Error(err))
	b.emit(Message{Type: "malformed", Line: line, Err: err})
}

func (b *base) signal(s Signal) {
	select {
	case b.signals <- s:
	default:
		b.logger.Warn("signal channel full, dropping signal", zap.Int("kind", int(s.Kind)))
	}
}

func (b *base) write(data []byte) error {
	p := b.process()
	if p == nil || !p.Alive() {
		return apperrors.Conflict("agent process is not running")
	}
	if _, err := p.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// stdinWriter forwards protocol writes to whichever process the adapter
// currently owns.
type stdinWriter struct{ b *base }

func (w stdinWriter) Write(p []byte) (int, error) {
	if err := w.b.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// stop terminates the process group, honoring the grace period.
func (b *base) stop(ctx context.Context, grace time.Duration) error {
	p := b.process()
	if p == nil {
		return nil
	}
	return p.Terminate(ctx, grace)
}
