package adapter

import (
	"sync"

	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/pkg/claudecode"
)

// ClaudeCodeMapper maps stream-json messages. It remembers tool names by id
// so tool-end events can carry them.
type ClaudeCodeMapper struct {
	mu    sync.Mutex
	tools map[string]string
}

func NewClaudeCodeMapper() *ClaudeCodeMapper {
	return &ClaudeCodeMapper{tools: make(map[string]string)}
}

func (m *ClaudeCodeMapper) Map(msg Message) ([]events.Payload, error) {
	cm, ok := msg.Native.(*claudecode.CLIMessage)
	if !ok {
		return nil, ErrUnmapped
	}
	switch cm.Type {
	case claudecode.MessageTypeSystem:
		if cm.Subtype != claudecode.SystemSubtypeInit {
			return nil, nil
		}
		return []events.Payload{events.SessionInit{
			SessionRef: cm.SessionID,
			Model:      cm.Model,
			Tools:      cm.Tools,
			Cwd:        cm.Cwd,
		}}, nil
	case claudecode.MessageTypeAssistant:
		return m.mapAssistant(cm), nil
	case claudecode.MessageTypeUser:
		return m.mapToolResults(cm), nil
	case claudecode.MessageTypeResult:
		return []events.Payload{mapClaudeResult(cm)}, nil
	}
	return nil, ErrUnmapped
}

func (m *ClaudeCodeMapper) mapAssistant(cm *claudecode.CLIMessage) []events.Payload {
	if cm.Message == nil {
		return nil
	}
	var out []events.Payload
	for _, b := range cm.Message.Content {
		switch b.Type {
		case claudecode.BlockText:
			if b.Text != "" {
				out = append(out, events.Text{Text: b.Text})
			}
		case claudecode.BlockThinking:
			if b.Thinking != "" {
				out = append(out, events.Thinking{Text: b.Thinking})
			}
		case claudecode.BlockToolUse:
			m.mu.Lock()
			m.tools[b.ID] = b.Name
			m.mu.Unlock()
			out = append(out, events.ToolStart{ToolID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return out
}

func (m *ClaudeCodeMapper) mapToolResults(cm *claudecode.CLIMessage) []events.Payload {
	if cm.Message == nil {
		return nil
	}
	var out []events.Payload
	for _, b := range cm.Message.Content {
		if b.Type != claudecode.BlockToolResult {
			continue
		}
		m.mu.Lock()
		name := m.tools[b.ToolUseID]
		delete(m.tools, b.ToolUseID)
		m.mu.Unlock()

		status := events.ToolCompleted
		if b.IsError {
			status = events.ToolFailed
		}
		out = append(out, events.ToolEnd{
			ToolID:  b.ToolUseID,
			Name:    name,
			Output:  b.ResultContent(),
			IsError: b.IsError,
			Status:  status,
		})
	}
	return out
}

func mapClaudeResult(cm *claudecode.CLIMessage) events.Result {
	res := events.Result{
		Subtype:    cm.Subtype,
		Text:       cm.ResultText(),
		IsError:    cm.IsError,
		CostUSD:    cm.Cost(),
		DurationMS: cm.DurationMS,
		Turns:      cm.NumTurns,
	}
	if cm.Usage != nil {
		res.InputTokens = cm.Usage.InputTokens
		res.OutputTokens = cm.Usage.OutputTokens
	}
	return res
}
