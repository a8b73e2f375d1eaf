package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/pkg/codex"
)

const codexHandshakeTimeout = 30 * time.Second

// CodexAdapter drives `codex app-server` over its JSON-RPC dialect.
// Approvals arrive as server requests that block until answered.
type CodexAdapter struct {
	*base
	client *codex.Client
	mapper *CodexMapper

	stateMu  sync.Mutex
	threadID string
	turnID   string
}

// NewCodexAdapter returns an adapter for one app-server process.
func NewCodexAdapter(spec AgentSpec, interruptGrace time.Duration, log *logger.Logger) *CodexAdapter {
	a := &CodexAdapter{
		base:   newBase(ProviderCodex, spec, interruptGrace, log),
		mapper: NewCodexMapper(),
	}
	a.client = codex.NewClient(stdinWriter{a.base}, a.logger)
	a.onLine = a.handleLine
	a.onFinish = func(*process.ManagedProcess) { a.client.Close() }
	return a
}

func (a *CodexAdapter) Mapper() Mapper { return a.mapper }

func (a *CodexAdapter) args() []string {
	if len(a.spec.Args) > 0 {
		return append([]string{}, a.spec.Args...)
	}
	return []string{"app-server"}
}

func (a *CodexAdapter) Spawn(ctx context.Context, prompt string, opts Options) (Process, error) {
	return a.launch(ctx, prompt, opts, "")
}

func (a *CodexAdapter) Resume(ctx context.Context, ref, prompt string, opts Options) (Process, error) {
	if ref == "" {
		return nil, apperrors.Validation("resume requires a thread id")
	}
	return a.launch(ctx, prompt, opts, ref)
}

func (a *CodexAdapter) launch(ctx context.Context, prompt string, opts Options, ref string) (Process, error) {
	p, err := a.start(a.args(), opts)
	if err != nil {
		return nil, err
	}
	if err := a.handshake(ctx, opts, ref); err != nil {
		_ = p.Terminate(context.Background(), a.grace)
		return nil, err
	}
	if prompt != "" {
		if err := a.SendMessage(ctx, prompt, nil); err != nil {
			_ = p.Terminate(context.Background(), a.grace)
			return nil, err
		}
	}
	return p, nil
}

func (a *CodexAdapter) handshake(ctx context.Context, opts Options, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, codexHandshakeTimeout)
	defer cancel()

	if err := a.client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "conductor", Version: "1.0.0"},
	}, nil); err != nil {
		return fmt.Errorf("codex initialize: %w", err)
	}
	if err := a.client.Notify(codex.MethodInitialized, nil); err != nil {
		return err
	}

	approval := "on-request"
	if opts.PermissionMode == "bypassPermissions" {
		approval = "never"
	}
	var res codex.ThreadResult
	var err error
	if ref != "" {
		err = a.client.Call(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{
			ThreadID: ref, Cwd: opts.WorkDir, ApprovalPolicy: approval,
		}, &res)
	} else {
		model := opts.Model
		if model == "" {
			model = a.spec.Model
		}
		err = a.client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
			Model: model, Cwd: opts.WorkDir, ApprovalPolicy: approval, Sandbox: "workspace-write",
		}, &res)
	}
	if err != nil {
		return fmt.Errorf("codex thread: %w", err)
	}
	if res.Thread == nil || res.Thread.ID == "" {
		return apperrors.Validation("codex returned no thread id")
	}

	a.stateMu.Lock()
	a.threadID = res.Thread.ID
	a.stateMu.Unlock()

	a.signal(Signal{Kind: SignalSessionRef, SessionRef: res.Thread.ID})
	a.emit(Message{Type: TypeSessionReady, Native: &sessionReady{Ref: res.Thread.ID, Model: res.Model, Cwd: opts.WorkDir}})
	return nil
}

func (a *CodexAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	a.stateMu.Lock()
	threadID := a.threadID
	a.stateMu.Unlock()
	if threadID == "" || !a.IsAlive() {
		return apperrors.Conflict("agent process is not running")
	}
	input := []codex.UserInput{{Type: "text", Text: text}}
	if image != nil {
		input = append(input, codex.UserInput{Type: "image", URL: "data:" + image.MediaType + ";base64," + image.Data})
	}
	var res codex.TurnStartResult
	if err := a.client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{ThreadID: threadID, Input: input}, &res); err != nil {
		return fmt.Errorf("codex turn/start: %w", err)
	}
	if res.Turn != nil {
		a.setTurn(res.Turn.ID)
	}
	return nil
}

// Interrupt aborts the running turn, if any.
func (a *CodexAdapter) Interrupt(ctx context.Context) error {
	a.stateMu.Lock()
	threadID, turnID := a.threadID, a.turnID
	a.stateMu.Unlock()
	if turnID == "" || !a.IsAlive() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.grace)
	defer cancel()
	return a.client.Call(ctx, codex.MethodTurnInterrupt, codex.TurnInterruptParams{ThreadID: threadID, TurnID: turnID}, nil)
}

func (a *CodexAdapter) ExtractSessionID(msg Message) (string, bool) {
	return readyRef(msg)
}

func (a *CodexAdapter) setTurn(id string) {
	a.stateMu.Lock()
	a.turnID = id
	a.stateMu.Unlock()
}

func (a *CodexAdapter) handleLine(line string) {
	frame, err := codex.Decode([]byte(line))
	if err != nil {
		a.emitDecodeError(line, err)
		return
	}
	switch frame.Kind {
	case codex.KindResponse:
		a.client.Deliver(frame.Response)
	case codex.KindRequest:
		a.handleRequest(frame)
	case codex.KindNotification:
		a.handleNotification(frame, line)
	}
}

func (a *CodexAdapter) handleNotification(frame *codex.Frame, line string) {
	switch frame.Method {
	case codex.NotifyTurnStarted:
		var p codex.TurnParams
		if json.Unmarshal(frame.Params, &p) == nil && p.Turn != nil {
			a.setTurn(p.Turn.ID)
		}
	case codex.NotifyTurnCompleted:
		a.setTurn("")
		a.signal(Signal{Kind: SignalThinking, Thinking: false})
	case codex.NotifyItemStarted, codex.NotifyItemCompleted:
		var p codex.ItemParams
		if json.Unmarshal(frame.Params, &p) == nil && p.Item != nil && p.Item.Type == codex.ItemReasoning {
			a.signal(Signal{Kind: SignalThinking, Thinking: frame.Method == codex.NotifyItemStarted})
		}
	}
	a.emit(Message{Type: frame.Method, Native: frame, Line: line})
}

func (a *CodexAdapter) handleRequest(frame *codex.Frame) {
	switch frame.Method {
	case codex.NotifyItemCmdExecRequestApproval, codex.NotifyItemFileChangeRequestApproval:
	default:
		if err := a.client.RespondError(frame.ID, codex.MethodNotFound, "method not supported"); err != nil {
			a.logger.Warn("failed to reject request", zap.Error(err))
		}
		return
	}

	var p codex.ApprovalParams
	if err := json.Unmarshal(frame.Params, &p); err != nil {
		a.logger.Warn("bad approval params", zap.Error(err))
		_ = a.client.RespondError(frame.ID, codex.InternalError, "bad params")
		return
	}
	toolName := "Bash"
	input := map[string]any{"command": p.Command, "cwd": p.Cwd}
	if frame.Method == codex.NotifyItemFileChangeRequestApproval {
		toolName = "Edit"
		input = map[string]any{"reason": p.Reason}
	}

	id := frame.ID
	client := a.client
	req := ApprovalRequest{
		ToolCallID: p.ItemID,
		ToolName:   toolName,
		Input:      input,
		Continue: func(_ context.Context, d Decision) error {
			decision := codex.DecisionAccept
			switch d {
			case DecisionDeny:
				decision = codex.DecisionDecline
			case DecisionAllowSession:
				decision = codex.DecisionAcceptForSession
			}
			return client.Respond(id, codex.ApprovalResponse{Decision: decision})
		},
	}

	h := a.approvalHandler()
	if h == nil {
		_ = req.Continue(context.Background(), DecisionDeny)
		return
	}
	h.HandleApproval(context.Background(), req)
}
