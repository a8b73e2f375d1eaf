// Package guard holds the checks run before work is admitted: spawn depth,
// the per-agent cap, the per-requester rate limit and the allowed working
// directory roots.
package guard

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store"
)

// ExecutionReader is the slice of the execution store the guards read.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	CountActiveExecutions(ctx context.Context, agentID string) (int, error)
}

// Request describes an execution about to be created.
type Request struct {
	RequesterID       string
	AgentID           string
	ParentExecutionID string
}

// Guard runs every admission check.
type Guard struct {
	executions    ExecutionReader
	maxDepth      int
	maxConcurrent int
	limiter       *RateLimiter
	logger        *logger.Logger

	// admitMu makes the concurrency check and the insert one step for
	// admissions on this process.
	admitMu sync.Mutex
}

func New(executions ExecutionReader, cfg config.GuardsConfig, log *logger.Logger) *Guard {
	return &Guard{
		executions:    executions,
		maxDepth:      cfg.MaxSpawnDepth,
		maxConcurrent: cfg.MaxConcurrentPerAgent,
		limiter:       NewRateLimiter(cfg.RateLimit, cfg.RateWindow()),
		logger:        log.WithFields(zap.String("component", "guard")),
	}
}

// Limiter exposes the rate limiter, mainly so tests can reset it.
func (g *Guard) Limiter() *RateLimiter { return g.limiter }

// AdmitExecution checks the rate limit, the spawn depth and the agent's
// concurrency cap, in that order. It returns the depth to store on the new
// execution.
func (g *Guard) AdmitExecution(ctx context.Context, req Request) (int, error) {
	if err := g.limiter.Allow(req.RequesterID); err != nil {
		g.logger.Warn("rate limit exceeded", zap.String("requester_id", req.RequesterID))
		return 0, err
	}
	depth, err := SpawnDepth(ctx, g.executions, req.ParentExecutionID, g.maxDepth)
	if err != nil {
		return 0, err
	}
	if err := CheckConcurrency(ctx, g.executions, req.AgentID, g.maxConcurrent); err != nil {
		g.logger.Warn("agent at concurrency cap", zap.String("agent_id", req.AgentID))
		return 0, err
	}
	return depth, nil
}

// Admit runs AdmitExecution and then create with the admitted depth while
// holding the admission lock, so concurrent submissions on one process cannot
// overshoot the concurrency cap. Nodes sharing a database still check and
// insert independently and may exceed the cap by the number of nodes racing.
func (g *Guard) Admit(ctx context.Context, req Request, create func(depth int) error) (int, error) {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()

	depth, err := g.AdmitExecution(ctx, req)
	if err != nil {
		return 0, err
	}
	if err := create(depth); err != nil {
		return 0, err
	}
	return depth, nil
}

// SpawnDepth counts the ancestors of a new execution whose parent is
// parentID. A depth at or above limit is a safety violation, as is a cycle in
// the chain.
func SpawnDepth(ctx context.Context, executions ExecutionReader, parentID string, limit int) (int, error) {
	depth := 0
	seen := make(map[string]bool)
	for id := parentID; id != ""; {
		if seen[id] {
			return 0, apperrors.SafetyViolation("execution chain loops through %s", id)
		}
		seen[id] = true
		depth++
		if limit > 0 && depth >= limit {
			return 0, apperrors.SafetyViolation("spawn depth %d reaches the limit of %d", depth, limit)
		}
		parent, err := executions.GetExecution(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperrors.NotFound("execution", id)
		}
		if err != nil {
			return 0, apperrors.Wrap(err, "walk execution chain")
		}
		if parent.ParentExecutionID == nil {
			break
		}
		id = *parent.ParentExecutionID
	}
	return depth, nil
}

// CheckConcurrency rejects when agentID already has limit queued or running
// executions.
func CheckConcurrency(ctx context.Context, executions ExecutionReader, agentID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	n, err := executions.CountActiveExecutions(ctx, agentID)
	if err != nil {
		return apperrors.Wrap(err, "count active executions")
	}
	if n >= limit {
		return apperrors.SafetyViolation("agent %s already has %d active executions (limit %d)", agentID, n, limit)
	}
	return nil
}
