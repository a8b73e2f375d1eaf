package adapter

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/pkg/codex"
)

// CodexMapper maps app-server notifications. Token usage arrives before the
// turn completes, so it is held until the result is built.
type CodexMapper struct {
	mu     sync.Mutex
	usage  codex.TokenUsage
	agents map[string]string
}

func NewCodexMapper() *CodexMapper {
	return &CodexMapper{agents: make(map[string]string)}
}

func (m *CodexMapper) Map(msg Message) ([]events.Payload, error) {
	frame, ok := msg.Native.(*codex.Frame)
	if !ok {
		return nil, ErrUnmapped
	}

	switch frame.Method {
	case codex.NotifyItemStarted:
		var p codex.ItemParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return nil, err
		}
		return m.itemStarted(p.Item), nil
	case codex.NotifyItemCompleted:
		var p codex.ItemParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return nil, err
		}
		return m.itemCompleted(p.Item), nil
	case codex.NotifyThreadTokenUsageUpdated:
		var p codex.TokenUsageParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return nil, err
		}
		if p.TokenUsage != nil && p.TokenUsage.Last != nil {
			m.mu.Lock()
			m.usage = *p.TokenUsage.Last
			m.mu.Unlock()
		}
		return nil, nil
	case codex.NotifyTurnCompleted:
		var p codex.TurnParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return nil, err
		}
		return []events.Payload{m.result(p.Turn)}, nil
	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return nil, err
		}
		return []events.Payload{events.SystemError{Message: p.Message}}, nil
	case codex.NotifyThreadStarted, codex.NotifyTurnStarted,
		codex.NotifyItemAgentMessageDelta, codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		// Deltas are superseded by item/completed.
		return nil, nil
	}
	return nil, ErrUnmapped
}

func (m *CodexMapper) itemStarted(item *codex.Item) []events.Payload {
	if item == nil {
		return nil
	}
	switch item.Type {
	case codex.ItemCommandExecution:
		return []events.Payload{events.ToolStart{ToolID: item.ID, Name: "Bash", Input: map[string]any{"command": item.Command, "cwd": item.Cwd}}}
	case codex.ItemFileChange:
		paths := make([]any, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
		}
		return []events.Payload{events.ToolStart{ToolID: item.ID, Name: "Edit", Input: map[string]any{"paths": paths}}}
	case codex.ItemMcpToolCall:
		var args map[string]any
		_ = json.Unmarshal(item.Arguments, &args)
		return []events.Payload{events.ToolStart{ToolID: item.ID, Name: mcpToolName(item), Input: args}}
	}
	return nil
}

func (m *CodexMapper) itemCompleted(item *codex.Item) []events.Payload {
	if item == nil {
		return nil
	}
	switch item.Type {
	case codex.ItemAgentMessage:
		text := item.Text
		if text == "" {
			text = item.Content.Text()
		}
		if text == "" {
			return nil
		}
		return []events.Payload{events.Text{Text: text}}
	case codex.ItemReasoning:
		text := item.Summary.Text()
		if text == "" {
			text = item.Content.Text()
		}
		if text == "" {
			return nil
		}
		return []events.Payload{events.Thinking{Text: text}}
	case codex.ItemCommandExecution:
		failed := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
		return []events.Payload{toolEnd(item.ID, "Bash", item.AggregatedOutput, failed, item.Status)}
	case codex.ItemFileChange:
		var b strings.Builder
		for _, c := range item.Changes {
			b.WriteString(c.Kind.Type + " " + c.Path + "\n")
		}
		return []events.Payload{toolEnd(item.ID, "Edit", b.String(), item.Status == "failed", item.Status)}
	case codex.ItemMcpToolCall:
		out := item.ToolError
		if out == "" {
			out = string(item.Result)
		}
		return []events.Payload{toolEnd(item.ID, mcpToolName(item), out, item.ToolError != "", item.Status)}
	}
	return nil
}

func (m *CodexMapper) result(turn *codex.Turn) events.Result {
	m.mu.Lock()
	usage := m.usage
	m.usage = codex.TokenUsage{}
	m.mu.Unlock()

	res := events.Result{
		Subtype:      "success",
		Turns:        1,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if turn != nil {
		switch turn.Status {
		case "failed":
			res.Subtype = "error"
			res.IsError = true
			if turn.Error != nil {
				res.Text = turn.Error.Message
			}
		case "interrupted":
			res.Subtype = "interrupted"
		}
	}
	return res
}

func toolEnd(id, name, output string, failed bool, status string) events.ToolEnd {
	end := events.ToolEnd{ToolID: id, Name: name, Output: output, Status: events.ToolCompleted}
	switch {
	case failed:
		end.IsError = true
		end.Status = events.ToolFailed
	case status == "declined" || status == "interrupted":
		end.Status = events.ToolCancelled
	}
	return end
}

func mcpToolName(item *codex.Item) string {
	if item.Server == "" {
		return item.Tool
	}
	return item.Server + "." + item.Tool
}
