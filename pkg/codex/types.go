// Package codex holds the wire types and request writer for the Codex
// app-server protocol: JSON-RPC 2.0 framing over stdio without the
// "jsonrpc":"2.0" member.
package codex

import "encoding/json"

// Request is a call in either direction.
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification carries no id and expects no answer.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Standard error codes.
const (
	MethodNotFound = -32601
	InternalError  = -32603
)

// Client to server methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Server to client notifications and requests.
const (
	NotifyThreadStarted                 = "thread/started"
	NotifyTurnStarted                   = "turn/started"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyItemStarted                   = "item/started"
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemReasoningTextDelta        = "item/reasoning/textDelta"
	NotifyItemReasoningSummaryDelta     = "item/reasoning/summaryTextDelta"
	NotifyItemCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	NotifyItemFileChangeRequestApproval = "item/fileChange/requestApproval"
	NotifyThreadTokenUsageUpdated       = "thread/tokenUsage/updated"
	NotifyError                         = "error"
)

// Item types.
const (
	ItemAgentMessage     = "agentMessage"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemMcpToolCall      = "mcpToolCall"
	ItemUserMessage      = "userMessage"
)

// Approval decisions.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

// InitializeParams opens the connection.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies this client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// Thread is a Codex conversation.
type Thread struct {
	ID string `json:"id"`
}

// ThreadResult answers thread/start and thread/resume.
type ThreadResult struct {
	Thread *Thread `json:"thread"`
	Model  string  `json:"model,omitempty"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // text, image
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one model turn.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // inProgress, completed, failed, interrupted
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult answers turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Item is a unit of turn output.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	Text string `json:"text,omitempty"`

	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	Changes []FileChange `json:"changes,omitempty"`

	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ContentPart is a typed text fragment.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent decodes from either a string or a []ContentPart.
type FlexibleContent []ContentPart

func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// Text joins every part.
func (fc FlexibleContent) Text() string {
	out := ""
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// FileChange is one file touched by a fileChange item.
type FileChange struct {
	Path string `json:"path"`
	Kind struct {
		Type string `json:"type"`
	} `json:"kind"`
	Diff string `json:"diff,omitempty"`
}

// ItemParams for item/started and item/completed.
type ItemParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// DeltaParams for the streaming delta notifications.
type DeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ThreadStartedParams for thread/started.
type ThreadStartedParams struct {
	Thread *Thread `json:"thread"`
}

// TurnParams for turn/started and turn/completed.
type TurnParams struct {
	ThreadID string `json:"threadId"`
	Turn     *Turn  `json:"turn"`
}

// ApprovalParams for the command and file change approval requests.
type ApprovalParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalResponse answers an approval request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// TokenUsage counts tokens for a turn.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// TokenUsageParams for thread/tokenUsage/updated.
type TokenUsageParams struct {
	ThreadID   string `json:"threadId"`
	TurnID     string `json:"turnId"`
	TokenUsage *struct {
		Last  *TokenUsage `json:"last,omitempty"`
		Total *TokenUsage `json:"total,omitempty"`
	} `json:"tokenUsage"`
}

// ErrorParams for the error notification.
type ErrorParams struct {
	Message string `json:"message"`
}
