package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
)

// Message types produced by the ACP adapter.
const (
	TypeACPUpdate       = "session/update"
	TypeACPPromptResult = "session/prompt-result"
)

const acpHandshakeTimeout = 30 * time.Second

// ACPAdapter drives any agent speaking the Agent Client Protocol.
type ACPAdapter struct {
	*base
	mapper *ACPMapper
	client *acpClient

	stateMu   sync.Mutex
	conn      *acp.ClientSideConnection
	sdkIn     *io.PipeWriter
	sessionID string
	prompt    *acpPrompt
}

type acpPrompt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type acpPromptResult struct {
	StopReason string
	Err        error
}

// NewACPAdapter returns an adapter for one ACP agent process.
func NewACPAdapter(spec AgentSpec, interruptGrace time.Duration, log *logger.Logger) *ACPAdapter {
	a := &ACPAdapter{
		base:   newBase(ProviderACP, spec, interruptGrace, log),
		mapper: NewACPMapper(),
	}
	a.client = &acpClient{logger: a.logger, permission: a.requestPermission}
	a.onLine = a.handleLine
	a.onFinish = func(*process.ManagedProcess) {
		a.stateMu.Lock()
		w := a.sdkIn
		a.stateMu.Unlock()
		if w != nil {
			_ = w.Close()
		}
	}
	return a
}

func (a *ACPAdapter) Mapper() Mapper { return a.mapper }

func (a *ACPAdapter) Spawn(ctx context.Context, prompt string, opts Options) (Process, error) {
	return a.launch(ctx, prompt, opts, "")
}

func (a *ACPAdapter) Resume(ctx context.Context, ref, prompt string, opts Options) (Process, error) {
	if ref == "" {
		return nil, apperrors.Validation("resume requires a session id")
	}
	return a.launch(ctx, prompt, opts, ref)
}

func (a *ACPAdapter) launch(ctx context.Context, prompt string, opts Options, ref string) (Process, error) {
	a.client.workDir = opts.WorkDir

	pr, pw := io.Pipe()
	a.stateMu.Lock()
	a.sdkIn = pw
	a.stateMu.Unlock()

	p, err := a.start(append([]string{}, a.spec.Args...), opts)
	if err != nil {
		_ = pw.Close()
		return nil, err
	}

	conn := acp.NewClientSideConnection(a.client, stdinWriter{a.base}, pr)
	conn.SetLogger(slog.Default().With("component", "acp-conn", "agent", a.spec.ID))
	a.stateMu.Lock()
	a.conn = conn
	a.stateMu.Unlock()

	if err := a.handshake(ctx, conn, opts, ref); err != nil {
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

func (a *ACPAdapter) handshake(ctx context.Context, conn *acp.ClientSideConnection, opts Options, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, acpHandshakeTimeout)
	defer cancel()

	hello, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "conductor", Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("acp initialize: %w", err)
	}
	if hello.AgentInfo != nil {
		a.logger.Info("acp agent connected",
			zap.String("agent_name", hello.AgentInfo.Name),
			zap.String("agent_version", hello.AgentInfo.Version),
			zap.Bool("load_session", hello.AgentCapabilities.LoadSession))
	}

	sessionID := ref
	if ref != "" {
		if !hello.AgentCapabilities.LoadSession {
			return apperrors.Validation("agent %s cannot load sessions", a.spec.ID)
		}
		if _, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(ref),
			Cwd:        opts.WorkDir,
			McpServers: []acp.McpServer{},
		}); err != nil {
			return fmt.Errorf("acp load session: %w", err)
		}
	} else {
		resp, err := conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        opts.WorkDir,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			return fmt.Errorf("acp new session: %w", err)
		}
		sessionID = string(resp.SessionId)
	}

	a.stateMu.Lock()
	a.sessionID = sessionID
	a.stateMu.Unlock()

	a.signal(Signal{Kind: SignalSessionRef, SessionRef: sessionID})
	a.emit(Message{Type: TypeSessionReady, Native: &sessionReady{Ref: sessionID, Model: a.spec.Model, Cwd: opts.WorkDir}})
	return nil
}

// SendMessage starts a prompt turn. The turn's outcome arrives later as a
// prompt-result message.
func (a *ACPAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.conn == nil || a.sessionID == "" || !a.IsAlive() {
		return apperrors.Conflict("agent process is not running")
	}
	if a.prompt != nil {
		return apperrors.Conflict("agent is already working on a prompt")
	}

	blocks := []acp.ContentBlock{acp.TextBlock(text)}
	if image != nil {
		blocks = append(blocks, acp.ImageBlock(image.Data, image.MediaType))
	}

	pctx, cancel := context.WithCancel(context.Background())
	pr := &acpPrompt{cancel: cancel, done: make(chan struct{})}
	a.prompt = pr
	conn, sessionID := a.conn, a.sessionID

	a.signal(Signal{Kind: SignalThinking, Thinking: true})
	go func() {
		defer close(pr.done)
		defer cancel()
		resp, err := conn.Prompt(pctx, acp.PromptRequest{SessionId: acp.SessionId(sessionID), Prompt: blocks})

		a.stateMu.Lock()
		a.prompt = nil
		a.stateMu.Unlock()

		res := &acpPromptResult{Err: err}
		if err == nil {
			res.StopReason = string(resp.StopReason)
		} else if pctx.Err() != nil {
			res.StopReason = "cancelled"
			res.Err = nil
		}
		a.signal(Signal{Kind: SignalThinking, Thinking: false})
		a.emit(Message{Type: TypeACPPromptResult, Native: res})
	}()
	return nil
}

// Interrupt sends session/cancel and gives the agent the grace period to
// finish the turn before abandoning the prompt call.
func (a *ACPAdapter) Interrupt(ctx context.Context) error {
	a.stateMu.Lock()
	conn, sessionID, pr := a.conn, a.sessionID, a.prompt
	a.stateMu.Unlock()
	if pr == nil || conn == nil {
		return nil
	}
	if err := conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)}); err != nil {
		a.logger.Warn("acp cancel failed", zap.Error(err))
	}
	t := time.NewTimer(a.grace)
	defer t.Stop()
	select {
	case <-pr.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	pr.cancel()
	return nil
}

func (a *ACPAdapter) ExtractSessionID(msg Message) (string, bool) {
	return readyRef(msg)
}

type acpFrame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// handleLine decodes session/update notifications on the pump goroutine so
// updates keep their wire order. Everything else goes to the SDK.
func (a *ACPAdapter) handleLine(line string) {
	var f acpFrame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		a.emitDecodeError(line, err)
		return
	}
	if f.Method == "session/update" && len(f.ID) == 0 {
		var n acp.SessionNotification
		if err := json.Unmarshal(f.Params, &n); err != nil {
			a.emitDecodeError(line, err)
			return
		}
		a.handleUpdate(&n, line)
		return
	}

	a.stateMu.Lock()
	w := a.sdkIn
	a.stateMu.Unlock()
	if w == nil {
		return
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		a.logger.Warn("acp connection closed, dropping frame", zap.Error(err))
	}
}

func (a *ACPAdapter) handleUpdate(n *acp.SessionNotification, line string) {
	u := n.Update
	switch {
	case u.AgentThoughtChunk != nil:
		a.signal(Signal{Kind: SignalThinking, Thinking: true})
	case u.AgentMessageChunk != nil:
		a.signal(Signal{Kind: SignalThinking, Thinking: false})
	}
	a.emit(Message{Type: TypeACPUpdate, Native: n, Line: line})
}

func (a *ACPAdapter) requestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	if title == "" && p.ToolCall.Kind != nil {
		title = string(*p.ToolCall.Kind)
	}

	h := a.approvalHandler()
	if h == nil {
		return selectPermission(p.Options, DecisionDeny), nil
	}

	decided := make(chan Decision, 1)
	h.HandleApproval(ctx, ApprovalRequest{
		ToolCallID: string(p.ToolCall.ToolCallId),
		ToolName:   title,
		Input:      toolInput(p.ToolCall.RawInput),
		Continue: func(_ context.Context, d Decision) error {
			select {
			case decided <- d:
			default:
			}
			return nil
		},
	})

	select {
	case d := <-decided:
		return selectPermission(p.Options, d), nil
	case <-ctx.Done():
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
}

// selectPermission picks the option matching d. An allow with no matching
// option falls back to the first allow-like option; a deny with no reject
// option cancels.
func selectPermission(options []acp.PermissionOption, d Decision) acp.RequestPermissionResponse {
	once, always := string(acp.PermissionOptionKindAllowOnce), string(acp.PermissionOptionKindAllowAlways)
	var want []string
	switch d {
	case DecisionAllowSession:
		want = []string{always, once}
	case DecisionAllow:
		want = []string{once, always}
	}
	for _, k := range want {
		for _, o := range options {
			if string(o.Kind) == k {
				return selected(o)
			}
		}
	}
	if d == DecisionDeny {
		for _, o := range options {
			if strings.HasPrefix(string(o.Kind), "reject") {
				return selected(o)
			}
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

func selected(o acp.PermissionOption) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Selected: &acp.RequestPermissionOutcomeSelected{OptionId: o.OptionId}},
	}
}

func toolInput(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case json.RawMessage:
		var m map[string]any
		if json.Unmarshal(v, &m) == nil {
			return m
		}
		return map[string]any{"raw": string(v)}
	default:
		return map[string]any{"raw": v}
	}
}
