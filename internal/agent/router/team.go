package router

import (
	"sort"
	"sync"
	"time"

	"github.com/kandev/conductor/pkg/claudecode"
)

// TeamMember is a sub-agent started through a delegation tool.
type TeamMember struct {
	ToolID      string    `json:"toolId"`
	Tool        string    `json:"tool"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// TeamUpdate reports a sub-agent joining or leaving.
type TeamUpdate struct {
	Member TeamMember `json:"member"`
	Joined bool       `json:"joined"`
	Status string     `json:"status,omitempty"`
}

// IsTeamTool reports whether tool delegates to a sub-agent.
func IsTeamTool(tool string) bool {
	return tool == claudecode.ToolTask || tool == claudecode.ToolAgent
}

// TeamTracker follows the sub-agents active in one session.
type TeamTracker struct {
	mu      sync.Mutex
	members map[string]TeamMember
	updates chan TeamUpdate
}

func NewTeamTracker() *TeamTracker {
	return &TeamTracker{
		members: make(map[string]TeamMember),
		updates: make(chan TeamUpdate, 32),
	}
}

// Updates delivers membership changes. Changes that do not fit are dropped;
// Active remains exact.
func (t *TeamTracker) Updates() <-chan TeamUpdate { return t.updates }

func (t *TeamTracker) start(toolID, tool string, input map[string]any) {
	m := TeamMember{ToolID: toolID, Tool: tool, StartedAt: time.Now().UTC()}
	if d, ok := input["description"].(string); ok {
		m.Description = d
	}
	t.mu.Lock()
	t.members[toolID] = m
	t.mu.Unlock()
	t.send(TeamUpdate{Member: m, Joined: true})
}

func (t *TeamTracker) end(toolID, status string) {
	t.mu.Lock()
	m, ok := t.members[toolID]
	delete(t.members, toolID)
	t.mu.Unlock()
	if ok {
		t.send(TeamUpdate{Member: m, Status: status})
	}
}

func (t *TeamTracker) send(u TeamUpdate) {
	select {
	case t.updates <- u:
	default:
	}
}

// Active lists running sub-agents, oldest first.
func (t *TeamTracker) Active() []TeamMember {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TeamMember, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
