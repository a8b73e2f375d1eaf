// Package claudecode holds the wire types and a stdin writer for the Claude
// Code CLI stream-json protocol: newline-delimited JSON on stdout, user
// messages and control responses on stdin.
package claudecode

import "encoding/json"

// Message types on the CLI's stdout.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
	MessageTypeStreamEvent     = "stream_event"
)

// System message subtypes.
const (
	SystemSubtypeInit = "init"
)

// Control request subtypes.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Tools the CLI exposes that matter to orchestration.
const (
	ToolTask            = "Task"
	ToolAgent           = "Agent"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// CLIMessage is one line of CLI output. Type selects which fields are set.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response
	Response *IncomingControlResponse `json:"response,omitempty"`

	// system init
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`

	// assistant and user
	Message *AssistantMessage `json:"message,omitempty"`

	// result; Result is a string on success and may be absent on error
	Result       json.RawMessage `json:"result,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// stream_event
	Event json.RawMessage `json:"event,omitempty"`
}

// Cost returns the reported cost, preferring the newer total field.
func (m *CLIMessage) Cost() float64 {
	if m.TotalCostUSD != 0 {
		return m.TotalCostUSD
	}
	return m.CostUSD
}

// ResultText returns the result payload when it is a string.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage is the model turn wrapped by assistant and user lines.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// UnmarshalJSON accepts content given as a bare string.
func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	type alias AssistantMessage
	var raw struct {
		alias
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = AssistantMessage(raw.alias)
	m.Content = nil
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = []ContentBlock{{Type: BlockText, Text: s}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result; Content is a string or an array of text blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultContent flattens a tool_result's content to text.
func (b ContentBlock) ResultContent() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err != nil {
		return string(b.Content)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Usage is token accounting.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ControlRequest is a request from the CLI, chiefly can_use_tool.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// IncomingControlResponse answers a control request this side sent.
type IncomingControlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type     string          `json:"type"`
	Response ControlResponse `json:"response"`
}

// ControlResponse carries the request id inside the response body.
type ControlResponse struct {
	Subtype   string            `json:"subtype"` // success or error
	RequestID string            `json:"request_id"`
	Response  *PermissionResult `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PermissionResult answers can_use_tool.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody selects the operation.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// UserMessage feeds a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds content blocks so images can ride along with text.
type UserMessageBody struct {
	Role    string             `json:"role"`
	Content []UserContentBlock `json:"content"`
}

// UserContentBlock is a text or base64 image block.
type UserContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an inline image.
type ImageSource struct {
	Type      string `json:"type"` // base64
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// StreamEvent is a partial-message event emitted with --include-partial-messages.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}
