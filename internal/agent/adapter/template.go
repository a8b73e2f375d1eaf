package adapter

import (
	"context"
	"os"
	"time"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
)

// PromptEnv names the variable a template command reads its prompt from.
const PromptEnv = "CONDUCTOR_PROMPT"

// TemplateAdapter runs an arbitrary shell command once per prompt. Each
// stdout line becomes a text event and the exit status ends the turn.
type TemplateAdapter struct {
	*base
}

// NewTemplateAdapter returns an adapter running spec.Command under spec.Binary,
// which is a shell accepting -c.
func NewTemplateAdapter(spec AgentSpec, interruptGrace time.Duration, log *logger.Logger) *TemplateAdapter {
	if spec.Binary == "" {
		spec.Binary = "/bin/sh"
	}
	a := &TemplateAdapter{base: newBase(ProviderTemplate, spec, interruptGrace, log)}
	a.onLine = func(line string) { a.emit(Message{Type: TypeLine, Line: line}) }
	a.onFinish = func(p *process.ManagedProcess) {
		<-p.Done()
		a.emit(Message{Type: TypeExit, Native: p.ExitCode()})
	}
	return a
}

func (a *TemplateAdapter) Mapper() Mapper { return DefaultMapper{} }

func (a *TemplateAdapter) Spawn(ctx context.Context, prompt string, opts Options) (Process, error) {
	if a.spec.Command == "" {
		return nil, apperrors.Validation("agent %s has no command configured", a.spec.ID)
	}
	opts.Env = append(append([]string{}, opts.Env...), PromptEnv+"="+prompt)
	p, err := a.start([]string{"-c", a.spec.Command}, opts)
	if err != nil {
		return nil, err
	}
	if prompt != "" {
		_, _ = p.Write([]byte(prompt + "\n"))
	}
	_ = p.CloseStdin()
	return p, nil
}

// Resume runs the command again; template agents keep no conversation.
func (a *TemplateAdapter) Resume(ctx context.Context, ref, prompt string, opts Options) (Process, error) {
	return a.Spawn(ctx, prompt, opts)
}

func (a *TemplateAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	return apperrors.Conflict("template agents take a single prompt")
}

func (a *TemplateAdapter) Interrupt(ctx context.Context) error {
	p := a.process()
	if p == nil || !p.Alive() {
		return nil
	}
	return p.Kill(os.Interrupt)
}

func (a *TemplateAdapter) ExtractSessionID(Message) (string, bool) { return "", false }
