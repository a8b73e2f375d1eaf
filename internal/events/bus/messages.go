package bus

import "encoding/json"

// Message types carried on control and session channels. Canonical events
// travel with their own event type tag.
const (
	TypeCancel          = "cancel"
	TypeMessage         = "message"
	TypeApproval        = "approval"
	TypeRef             = "ref"
	TypeStatus          = "status"
	TypeApprovalRequest = "approval-request"
	TypeThinking        = "thinking"
	TypeAnalysisDone    = "analysis.completed"
)

// Envelope decodes only the discriminator of a payload.
type Envelope struct {
	Type string `json:"type"`
}

// Image is an optional attachment on a message.
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// ControlMessage is an inbound instruction for the process owning a session.
type ControlMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Image      *Image `json:"image,omitempty"`
	ApprovalID string `json:"approvalId,omitempty"`
	Decision   string `json:"decision,omitempty"`
}

// RefStub replaces a payload too large for the bus.
type RefStub struct {
	Type         string `json:"type"`
	OriginalType string `json:"originalType"`
}

// StatusMessage announces a session status change.
type StatusMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// ApprovalRequest announces a pending approval card.
type ApprovalRequest struct {
	Type       string         `json:"type"`
	ApprovalID string         `json:"approvalId"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	Human      bool           `json:"awaitingHuman,omitempty"`
}

// ThinkingMessage reports whether the agent is mid-turn.
type ThinkingMessage struct {
	Type     string `json:"type"`
	Thinking bool   `json:"thinking"`
}

// AnalysisCompleted reports a finished analysis job.
type AnalysisCompleted struct {
	Type     string `json:"type"`
	AgentID  string `json:"agentId"`
	ToolName string `json:"toolName"`
	LogPath  string `json:"logPath"`
	ExitCode int    `json:"exitCode"`
	Lines    int    `json:"lines"`
}

// TypeOf returns the discriminator of a raw payload, or "" if unreadable.
func TypeOf(payload []byte) string {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Type
}
