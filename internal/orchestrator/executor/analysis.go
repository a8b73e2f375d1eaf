package executor

import (
	"context"
	"os"
	"os/exec"
	"regexp"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/router"
	"github.com/kandev/conductor/internal/common/constants"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
)

// The binary and tool reach the shell through the environment, never
// through the command text.
const (
	analysisBinaryEnv = "CONDUCTOR_ANALYSIS_BINARY"
	analysisToolEnv   = "CONDUCTOR_ANALYSIS_TOOL"
	analysisCommand   = `exec "$CONDUCTOR_ANALYSIS_BINARY" "$CONDUCTOR_ANALYSIS_TOOL" --help`
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SubmitAnalysis validates p and enqueues an analysis job for it.
func (e *Executor) SubmitAnalysis(ctx context.Context, p models.AnalysisPayload) (*models.Job, error) {
	p, err := e.resolveAnalysis(p)
	if err != nil {
		return nil, err
	}
	if e.jobs == nil {
		return nil, apperrors.Validation("this worker does not accept analysis requests")
	}
	job, err := e.jobs.Enqueue(ctx, models.JobAnalysis, p)
	if err != nil {
		return nil, apperrors.Internal("enqueue analysis", err)
	}
	e.logger.WithAgentID(p.AgentID).Info("analysis queued", zap.String("tool", p.ToolName), zap.String("job_id", job.ID))
	return job, nil
}

// resolveAnalysis checks the tool name and resolves the binary, defaulting
// to the agent's own.
func (e *Executor) resolveAnalysis(p models.AnalysisPayload) (models.AnalysisPayload, error) {
	if !toolNamePattern.MatchString(p.ToolName) {
		return p, apperrors.Validation("invalid tool name %q", p.ToolName)
	}
	spec, err := e.factory.Spec(p.AgentID)
	if err != nil {
		return p, err
	}
	bin := p.BinaryPath
	if bin == "" {
		bin = spec.Binary
	}
	if bin == "" {
		return p, apperrors.Validation("agent %s has no binary to analyze", p.AgentID)
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return p, apperrors.Validation("binary %q is not executable: %v", bin, err)
	}
	p.BinaryPath = path
	return p, nil
}

// Analyze runs `<binary> <tool> --help`, records its output in the analysis
// log and announces the result on the analysis channel.
func (e *Executor) Analyze(ctx context.Context, p models.AnalysisPayload) (res *bus.AnalysisCompleted, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "analysis.run", "agent.id", p.AgentID, "tool.name", p.ToolName)
	defer func() { tracing.End(span, err) }()

	p, err = e.resolveAnalysis(p)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithAgentID(p.AgentID).WithFields(zap.String("tool", p.ToolName))

	path := e.logs.AnalysisPath(p.AgentID, p.ToolName)
	logID := "analysis-" + p.AgentID
	w, err := eventlog.OpenWriter(path, logID)
	if err != nil {
		return nil, apperrors.Internal("open analysis log", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			log.Warn("failed to close analysis log", zap.Error(cerr))
		}
	}()

	shell := e.opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	ad := adapter.NewTemplateAdapter(adapter.AgentSpec{
		ID:       "analysis",
		Provider: adapter.ProviderTemplate,
		Binary:   shell,
		Command:  analysisCommand,
	}, e.opts.InterruptGrace, log)
	rt := router.New(router.Config{
		SessionID: logID,
		Mapper:    ad.Mapper(),
		Emitter:   logEmitter{writer: w},
		Sessions:  discardSession{},
	}, log)

	timeout := e.opts.AnalysisTimeout
	if timeout <= 0 {
		timeout = constants.SpawnTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := ad.Spawn(runCtx, "", adapter.Options{
		WorkDir: os.TempDir(),
		Env:     []string{analysisBinaryEnv + "=" + p.BinaryPath, analysisToolEnv + "=" + p.ToolName},
	})
	if err != nil {
		return nil, err
	}
	log.Info("analysis started", zap.Int("pid", proc.PID()))

	lines := 0
	messages := ad.Messages()
loop:
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				break loop
			}
			if msg.Type == adapter.TypeLine || msg.Type == "stderr" {
				lines++
			}
			rt.Route(ctx, msg)
		case <-runCtx.Done():
			log.Warn("analysis timed out", zap.Duration("timeout", timeout))
			if terr := proc.Terminate(context.Background(), e.opts.TerminateGrace); terr != nil {
				log.Warn("failed to terminate analysis process", zap.Error(terr))
			}
			for range messages {
			}
			return nil, apperrors.Timeout("analysis of %s %s exceeded %s", p.AgentID, p.ToolName, timeout)
		}
	}
	<-proc.Done()

	res = &bus.AnalysisCompleted{
		Type:     bus.TypeAnalysisDone,
		AgentID:  p.AgentID,
		ToolName: p.ToolName,
		LogPath:  path,
		ExitCode: proc.ExitCode(),
		Lines:    lines,
	}
	if perr := e.bus.Publish(ctx, bus.AnalysisChannel(e.opts.ChannelPrefix), res); perr != nil {
		log.Debug("analysis publish failed", zap.Error(perr))
	}
	log.Info("analysis finished", zap.Int("exit_code", res.ExitCode), zap.Int("lines", lines))
	return res, nil
}
