package adapter

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
)

// Constructor builds a fresh adapter for one process.
type Constructor func(spec AgentSpec, interruptGrace time.Duration, log *logger.Logger) Adapter

// Factory resolves agent ids from configuration and picks the adapter
// variant by provider.
type Factory struct {
	mu     sync.RWMutex
	agents map[string]AgentSpec
	ctors  map[string]Constructor
	grace  time.Duration
	shell  string
	logger *logger.Logger
}

// NewFactory indexes cfg.Agents. Agent ids are matched case-insensitively.
func NewFactory(cfg *config.Config, log *logger.Logger) *Factory {
	f := &Factory{
		agents: make(map[string]AgentSpec, len(cfg.Agents)),
		grace:  cfg.Process.InterruptGrace(),
		shell:  cfg.Process.Shell,
		logger: log,
		ctors: map[string]Constructor{
			ProviderClaudeCode: func(s AgentSpec, g time.Duration, l *logger.Logger) Adapter { return NewClaudeCodeAdapter(s, g, l) },
			ProviderCodex:      func(s AgentSpec, g time.Duration, l *logger.Logger) Adapter { return NewCodexAdapter(s, g, l) },
			ProviderACP:        func(s AgentSpec, g time.Duration, l *logger.Logger) Adapter { return NewACPAdapter(s, g, l) },
			ProviderTemplate:   func(s AgentSpec, g time.Duration, l *logger.Logger) Adapter { return NewTemplateAdapter(s, g, l) },
		},
	}
	for id, a := range cfg.Agents {
		f.agents[strings.ToLower(id)] = specFromConfig(id, a, f.shell)
	}
	return f
}

func specFromConfig(id string, a config.AgentConfig, shell string) AgentSpec {
	env := make([]string, 0, len(a.Env))
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	spec := AgentSpec{
		ID:       strings.ToLower(id),
		Provider: a.Provider,
		Binary:   a.Binary,
		Args:     a.Args,
		Command:  a.Command,
		Model:    a.Model,
		Env:      env,
	}
	if spec.Provider == ProviderTemplate && spec.Binary == "" {
		spec.Binary = shell
	}
	return spec
}

// Register overrides the constructor for provider. Tests use it to plug in
// scripted adapters.
func (f *Factory) Register(provider string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[provider] = c
}

// AddAgent registers or replaces an agent definition.
func (f *Factory) AddAgent(spec AgentSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec.ID = strings.ToLower(spec.ID)
	f.agents[spec.ID] = spec
}

// Spec returns the resolved definition of agentID.
func (f *Factory) Spec(agentID string) (AgentSpec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	spec, ok := f.agents[strings.ToLower(agentID)]
	if !ok {
		return AgentSpec{}, apperrors.NotFound("agent", agentID)
	}
	return spec, nil
}

// Agents lists the configured agent ids in order.
func (f *Factory) Agents() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.agents))
	for id := range f.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// New returns a fresh adapter for agentID.
func (f *Factory) New(agentID string) (Adapter, error) {
	spec, err := f.Spec(agentID)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	ctor, ok := f.ctors[spec.Provider]
	f.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validation("agent %s has unknown provider %q", spec.ID, spec.Provider)
	}
	return ctor(spec, f.grace, f.logger), nil
}
