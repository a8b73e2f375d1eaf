package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/pkg/claudecode"
)

// ClaudeCodeAdapter drives the Claude Code CLI in stream-json mode. Tool
// permission prompts arrive as can_use_tool control requests on stdout.
type ClaudeCodeAdapter struct {
	*base
	client *claudecode.Client
	mapper *ClaudeCodeMapper
}

// NewClaudeCodeAdapter returns an adapter for one CLI process.
func NewClaudeCodeAdapter(spec AgentSpec, interruptGrace time.Duration, log *logger.Logger) *ClaudeCodeAdapter {
	a := &ClaudeCodeAdapter{
		base:   newBase(ProviderClaudeCode, spec, interruptGrace, log),
		mapper: NewClaudeCodeMapper(),
	}
	a.client = claudecode.NewClient(stdinWriter{a.base}, a.logger)
	a.onLine = a.handleLine
	return a
}

func (a *ClaudeCodeAdapter) Mapper() Mapper { return a.mapper }

func (a *ClaudeCodeAdapter) args(opts Options, resumeRef string) []string {
	args := append([]string{}, a.spec.Args...)
	args = append(args,
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	)
	model := opts.Model
	if model == "" {
		model = a.spec.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if resumeRef != "" {
		args = append(args, "--resume", resumeRef)
	}
	return args
}

func (a *ClaudeCodeAdapter) Spawn(ctx context.Context, prompt string, opts Options) (Process, error) {
	return a.launch(prompt, opts, "")
}

func (a *ClaudeCodeAdapter) Resume(ctx context.Context, ref, prompt string, opts Options) (Process, error) {
	if ref == "" {
		return nil, apperrors.Validation("resume requires a session reference")
	}
	return a.launch(prompt, opts, ref)
}

func (a *ClaudeCodeAdapter) launch(prompt string, opts Options, ref string) (Process, error) {
	p, err := a.start(a.args(opts, ref), opts)
	if err != nil {
		return nil, err
	}
	if prompt != "" {
		if err := a.client.SendUserMessage(prompt, "", ""); err != nil {
			_ = p.Terminate(context.Background(), a.grace)
			return nil, err
		}
	}
	return p, nil
}

func (a *ClaudeCodeAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	if !a.IsAlive() {
		return apperrors.Conflict("agent process is not running")
	}
	if image != nil {
		return a.client.SendUserMessage(text, image.MediaType, image.Data)
	}
	return a.client.SendUserMessage(text, "", "")
}

// Interrupt asks the CLI to abandon the current turn. The CLI answers with
// a result message, which ends the turn normally.
func (a *ClaudeCodeAdapter) Interrupt(ctx context.Context) error {
	if !a.IsAlive() {
		return nil
	}
	return a.client.Interrupt(ctx, a.grace)
}

func (a *ClaudeCodeAdapter) ExtractSessionID(msg Message) (string, bool) {
	m, ok := msg.Native.(*claudecode.CLIMessage)
	if !ok || m.SessionID == "" {
		return "", false
	}
	if m.Type == claudecode.MessageTypeSystem || m.Type == claudecode.MessageTypeResult {
		return m.SessionID, true
	}
	return "", false
}

func (a *ClaudeCodeAdapter) handleLine(line string) {
	msg, err := claudecode.Decode([]byte(line))
	if err != nil {
		a.emitDecodeError(line, err)
		return
	}
	if a.client.Route(msg) {
		return
	}

	switch msg.Type {
	case claudecode.MessageTypeControlRequest:
		a.handleControlRequest(msg)
		return
	case claudecode.MessageTypeStreamEvent:
		a.trackThinking(msg.Event)
		return
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SystemSubtypeInit && msg.SessionID != "" {
			a.signal(Signal{Kind: SignalSessionRef, SessionRef: msg.SessionID})
		}
	case claudecode.MessageTypeAssistant:
		a.signal(Signal{Kind: SignalThinking, Thinking: hasThinking(msg)})
	case claudecode.MessageTypeResult:
		a.signal(Signal{Kind: SignalThinking, Thinking: false})
	}

	a.emit(Message{
		Type:        msg.Type,
		Native:      msg,
		Line:        line,
		ToolResults: claudeToolResults(msg),
	})
}

func (a *ClaudeCodeAdapter) handleControlRequest(msg *claudecode.CLIMessage) {
	req := msg.Request
	if req == nil || req.Subtype != claudecode.SubtypeCanUseTool {
		a.logger.Debug("ignoring control request", zap.String("request_id", msg.RequestID))
		return
	}
	requestID := msg.RequestID
	client := a.client
	approval := ApprovalRequest{
		ToolCallID: req.ToolUseID,
		ToolName:   req.ToolName,
		Input:      req.Input,
		Continue: func(_ context.Context, d Decision) error {
			if d == DecisionDeny {
				return client.Deny(requestID, "The user denied this tool call.")
			}
			return client.Allow(requestID, req.Input)
		},
	}

	h := a.approvalHandler()
	if h == nil {
		a.logger.Warn("no approval handler, denying tool", zap.String("tool", req.ToolName))
		if err := approval.Continue(context.Background(), DecisionDeny); err != nil {
			a.logger.Warn("failed to deny tool", zap.Error(err))
		}
		return
	}
	h.HandleApproval(context.Background(), approval)
}

func (a *ClaudeCodeAdapter) trackThinking(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var ev claudecode.StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == claudecode.BlockThinking {
			a.signal(Signal{Kind: SignalThinking, Thinking: true})
		}
	case "message_stop":
		a.signal(Signal{Kind: SignalThinking, Thinking: false})
	}
}

func hasThinking(msg *claudecode.CLIMessage) bool {
	if msg.Message == nil {
		return false
	}
	for _, b := range msg.Message.Content {
		if b.Type == claudecode.BlockThinking {
			return true
		}
	}
	return false
}

func claudeToolResults(msg *claudecode.CLIMessage) []ToolResult {
	if msg.Type != claudecode.MessageTypeUser || msg.Message == nil {
		return nil
	}
	var out []ToolResult
	for _, b := range msg.Message.Content {
		if b.Type == claudecode.BlockToolResult {
			out = append(out, ToolResult{ToolID: b.ToolUseID, IsError: b.IsError, Content: b.ResultContent()})
		}
	}
	return out
}
