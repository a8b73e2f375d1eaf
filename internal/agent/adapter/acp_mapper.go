package adapter

import (
	"encoding/json"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/conductor/internal/events"
)

// ACPMapper maps session updates. Message and thought chunks are streamed
// deltas; they are joined and flushed as one event when anything else
// arrives.
type ACPMapper struct {
	mu      sync.Mutex
	text    strings.Builder
	thought strings.Builder
	tools   map[string]string
}

func NewACPMapper() *ACPMapper {
	return &ACPMapper{tools: make(map[string]string)}
}

func (m *ACPMapper) Map(msg Message) ([]events.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case TypeACPUpdate:
		n, ok := msg.Native.(*acp.SessionNotification)
		if !ok {
			return nil, ErrUnmapped
		}
		return m.update(n), nil
	case TypeACPPromptResult:
		r, ok := msg.Native.(*acpPromptResult)
		if !ok {
			return nil, ErrUnmapped
		}
		out := m.flush()
		res := events.Result{Subtype: r.StopReason, Turns: 1}
		if r.Err != nil {
			res.Subtype = "error"
			res.IsError = true
			res.Text = r.Err.Error()
		}
		if res.Subtype == "" {
			res.Subtype = "end_turn"
		}
		return append(out, res), nil
	}
	return nil, ErrUnmapped
}

func (m *ACPMapper) update(n *acp.SessionNotification) []events.Payload {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			if m.thought.Len() > 0 {
				out := m.flush()
				m.text.WriteString(u.AgentMessageChunk.Content.Text.Text)
				return out
			}
			m.text.WriteString(u.AgentMessageChunk.Content.Text.Text)
		}
		return nil
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			if m.text.Len() > 0 {
				out := m.flush()
				m.thought.WriteString(u.AgentThoughtChunk.Content.Text.Text)
				return out
			}
			m.thought.WriteString(u.AgentThoughtChunk.Content.Text.Text)
		}
		return nil
	case u.ToolCall != nil:
		out := m.flush()
		id := string(u.ToolCall.ToolCallId)
		name := u.ToolCall.Title
		if name == "" {
			name = string(u.ToolCall.Kind)
		}
		m.tools[id] = name
		input := toolInput(u.ToolCall.RawInput)
		if len(u.ToolCall.Locations) > 0 {
			if input == nil {
				input = map[string]any{}
			}
			input["path"] = u.ToolCall.Locations[0].Path
		}
		out = append(out, events.ToolStart{ToolID: id, Name: name, Input: input})
		if end, ok := m.toolEnd(id, string(u.ToolCall.Status), u.ToolCall.RawOutput); ok {
			out = append(out, end)
		}
		return out
	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status == nil {
			return nil
		}
		out := m.flush()
		if end, ok := m.toolEnd(string(u.ToolCallUpdate.ToolCallId), string(*u.ToolCallUpdate.Status), u.ToolCallUpdate.RawOutput); ok {
			out = append(out, end)
		}
		return out
	case u.Plan != nil:
		out := m.flush()
		entries := make([]any, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			entries = append(entries, map[string]any{"content": e.Content, "status": string(e.Status)})
		}
		return append(out, events.SystemInfo{Message: "plan", Detail: map[string]any{"entries": entries}})
	}
	return nil
}

func (m *ACPMapper) toolEnd(id, status string, raw any) (events.ToolEnd, bool) {
	if status != "completed" && status != "failed" {
		return events.ToolEnd{}, false
	}
	name := m.tools[id]
	delete(m.tools, id)
	return toolEnd(id, name, outputText(raw), status == "failed", status), true
}

func (m *ACPMapper) flush() []events.Payload {
	var out []events.Payload
	if m.thought.Len() > 0 {
		out = append(out, events.Thinking{Text: m.thought.String()})
		m.thought.Reset()
	}
	if m.text.Len() > 0 {
		out = append(out, events.Text{Text: m.text.String()})
		m.text.Reset()
	}
	return out
}

func outputText(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
