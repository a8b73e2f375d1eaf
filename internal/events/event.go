// Package events defines the canonical, provider-independent event union every
// adapter's output is translated into, and its durable log-line framing.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags the variant of an Event.
type Type string

// Event variants.
const (
	TypeText         Type = "text"
	TypeThinking     Type = "thinking"
	TypeToolStart    Type = "tool-start"
	TypeToolEnd      Type = "tool-end"
	TypeResult       Type = "result"
	TypeSessionInit  Type = "session-init"
	TypeSessionState Type = "session-state"
	TypeUserMessage  Type = "user-message"
	TypeSystemInfo   Type = "system-info"
	TypeSystemError  Type = "system-error"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() Type
}

// Event is one immutable entry of a session's stream. ID is assigned by the
// log writer and increases strictly within a session.
type Event struct {
	ID        int64
	SessionID string
	TS        time.Time
	Payload   Payload
}

// Type returns the variant tag, or "" for an empty event.
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// New builds an unnumbered event stamped now.
func New(sessionID string, p Payload) Event {
	return Event{SessionID: sessionID, TS: time.Now().UTC(), Payload: p}
}

// Text is assistant prose.
type Text struct {
	Text string `json:"text"`
}

// Thinking is reasoning text the agent chose to expose.
type Thinking struct {
	Text string `json:"text"`
}

// ToolStart marks the agent invoking a tool.
type ToolStart struct {
	ToolID string         `json:"toolId"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
}

// Tool end statuses.
const (
	ToolCompleted = "completed"
	ToolFailed    = "failed"
	ToolCancelled = "cancelled"
)

// ToolEnd closes the ToolStart with the same ToolID.
type ToolEnd struct {
	ToolID  string `json:"toolId"`
	Name    string `json:"name,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
	Status  string `json:"status"`
}

// Result ends a turn with its cost and usage.
type Result struct {
	Subtype      string  `json:"subtype,omitempty"`
	Text         string  `json:"text,omitempty"`
	IsError      bool    `json:"isError,omitempty"`
	CostUSD      float64 `json:"costUsd"`
	DurationMS   int64   `json:"durationMs"`
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
}

// SessionInit carries the provider's session reference once known.
type SessionInit struct {
	SessionRef string   `json:"sessionRef"`
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
}

// SessionState records a lifecycle change such as idle or resumed.
type SessionState struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// UserMessage echoes a prompt or follow-up sent to the agent.
type UserMessage struct {
	Text     string `json:"text"`
	HasImage bool   `json:"hasImage,omitempty"`
}

// SystemInfo is an engine notice that is not an error.
type SystemInfo struct {
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// SystemError reports an engine or agent failure.
type SystemError struct {
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (Text) EventType() Type         { return TypeText }
func (Thinking) EventType() Type     { return TypeThinking }
func (ToolStart) EventType() Type    { return TypeToolStart }
func (ToolEnd) EventType() Type      { return TypeToolEnd }
func (Result) EventType() Type       { return TypeResult }
func (SessionInit) EventType() Type  { return TypeSessionInit }
func (SessionState) EventType() Type { return TypeSessionState }
func (UserMessage) EventType() Type  { return TypeUserMessage }
func (SystemInfo) EventType() Type   { return TypeSystemInfo }
func (SystemError) EventType() Type  { return TypeSystemError }

type wireEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	TS        time.Time       `json:"ts"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event with its type tag and payload under data.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %d has no payload", e.ID)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		ID:        e.ID,
		SessionID: e.SessionID,
		TS:        e.TS,
		Type:      e.Payload.EventType(),
		Data:      data,
	})
}

// UnmarshalJSON decodes the payload variant named by the type tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*e = Event{ID: w.ID, SessionID: w.SessionID, TS: w.TS, Payload: p}
	return nil
}

func decode[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeText:
		return decode[Text](raw)
	case TypeThinking:
		return decode[Thinking](raw)
	case TypeToolStart:
		return decode[ToolStart](raw)
	case TypeToolEnd:
		return decode[ToolEnd](raw)
	case TypeResult:
		return decode[Result](raw)
	case TypeSessionInit:
		return decode[SessionInit](raw)
	case TypeSessionState:
		return decode[SessionState](raw)
	case TypeUserMessage:
		return decode[UserMessage](raw)
	case TypeSystemInfo:
		return decode[SystemInfo](raw)
	case TypeSystemError:
		return decode[SystemError](raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
