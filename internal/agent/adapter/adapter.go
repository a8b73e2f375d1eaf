// Package adapter translates each supported agent binary's wire protocol into
// a common capability surface. An Adapter drives exactly one process; a new
// process (spawn or resume) needs a new Adapter from the Factory.
package adapter

import (
	"context"
	"os"
	"time"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/events"
)

// Provider names accepted in agent configuration.
const (
	ProviderClaudeCode = "claude-code"
	ProviderCodex      = "codex"
	ProviderACP        = "acp"
	ProviderTemplate   = "template"
)

// Options parameterize a spawn or resume.
type Options struct {
	SessionID      string
	WorkDir        string
	Model          string
	PermissionMode string
	AllowedTools   []string
	Env            []string
	// Parent is the pid of the managed process on whose behalf this one runs.
	Parent int
}

// Image is an inline attachment for SendMessage.
type Image struct {
	MediaType string
	Data      string // base64
}

// Process is the handle a spawn returns. It never exposes the OS process.
type Process interface {
	PID() int
	Kill(sig os.Signal) error
	Done() <-chan struct{}
	ExitCode() int
	Terminate(ctx context.Context, grace time.Duration) error
}

var _ Process = (*process.ManagedProcess)(nil)

// ToolResult is a tool outcome embedded in a provider message.
type ToolResult struct {
	ToolID  string
	IsError bool
	Content string
}

// Message is one complete protocol message, or one stderr line, read from
// the agent. Err is set when a stdout line could not be decoded.
type Message struct {
	Provider string
	Type     string
	Native   any
	Line     string
	Stream   process.Stream
	Err      error
	// ToolResults lists tool results carried by this message, used to spot
	// interactive tools the agent answered itself.
	ToolResults []ToolResult
}

// SignalKind distinguishes adapter state notifications.
type SignalKind int

const (
	SignalThinking SignalKind = iota + 1
	SignalSessionRef
)

// Signal reports a state change outside the canonical event stream.
type Signal struct {
	Kind       SignalKind
	Thinking   bool
	SessionRef string
}

// Decision is a human answer to an approval request.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionDeny         Decision = "deny"
	DecisionAllowSession Decision = "allow-session"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAllowSession:
		return true
	}
	return false
}

// ApprovalRequest is a tool call waiting for sign-off. Continue delivers
// the decision to the agent in its own protocol; it is called at most once.
type ApprovalRequest struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any
	Continue   func(ctx context.Context, d Decision) error
}

// ApprovalHandler receives approval requests. HandleApproval must not block
// on the human; it registers the request and returns.
type ApprovalHandler interface {
	HandleApproval(ctx context.Context, req ApprovalRequest)
}

// Mapper turns one Message into canonical event payloads.
type Mapper interface {
	Map(msg Message) ([]events.Payload, error)
}

// Adapter is the per-provider capability surface.
type Adapter interface {
	Provider() string
	Spawn(ctx context.Context, prompt string, opts Options) (Process, error)
	Resume(ctx context.Context, ref, prompt string, opts Options) (Process, error)
	SendMessage(ctx context.Context, text string, image *Image) error
	Interrupt(ctx context.Context) error
	IsAlive() bool
	ExtractSessionID(msg Message) (string, bool)
	SetApprovalHandler(h ApprovalHandler)
	// Messages is closed after the process's output ends.
	Messages() <-chan Message
	Signals() <-chan Signal
	Mapper() Mapper
}
