// Package store defines the persistence contract the engine consumes: session
// and execution rows mutated only through conditional updates, and a durable
// job queue.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/conductor/internal/models"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotClaimed is returned when a claim matched zero rows.
	ErrNotClaimed = errors.New("store: row already claimed")
)

// SessionStore reads and conditionally mutates session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ClaimSession atomically marks the session active and owned by workerID.
	// It matches an idle session, an active session with no claimant, or one
	// already claimed by workerID. Returns ErrNotClaimed otherwise.
	ClaimSession(ctx context.Context, id, workerID string) (*models.Session, error)

	// TransitionSession moves the session to `to` only if its status is one of
	// from. It reports whether the row changed. Moving to idle, ended or
	// timed_out clears the claimant.
	TransitionSession(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, message string) (bool, error)

	// ReopenSession moves an idle, ended or timed_out session back to idle with
	// a new resume prompt. It reports whether the row changed.
	ReopenSession(ctx context.Context, id, prompt string) (bool, error)

	SetSessionRef(ctx context.Context, id, ref, model string) error
	RecordTurn(ctx context.Context, id string, costUSD float64, turns int) error
	AddAllowedTool(ctx context.Context, id, tool string) error

	// TouchSession writes a heartbeat if workerID still owns the session and
	// returns ErrNotClaimed otherwise.
	TouchSession(ctx context.Context, id, workerID string) error

	// ReapStaleSessions times out live sessions whose heartbeat is older than
	// cutoff and returns their ids.
	ReapStaleSessions(ctx context.Context, cutoff time.Time, message string) ([]string, error)
}

// ExecutionStore reads and conditionally mutates execution rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)

	// ClaimExecution moves a queued execution to running for workerID.
	ClaimExecution(ctx context.Context, id, workerID string) (*models.Execution, error)
	TransitionExecution(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, message string) (bool, error)
	// TouchExecution is TouchSession for executions.
	TouchExecution(ctx context.Context, id, workerID string) error

	// CountActiveExecutions counts the agent's queued and running executions.
	CountActiveExecutions(ctx context.Context, agentID string) (int, error)
	ReapStaleExecutions(ctx context.Context, cutoff time.Time, message string) ([]string, error)
}

// JobStore is the durable job queue.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *models.Job) error

	// ClaimNextJob locks one due pending job for workerID. It returns nil, nil
	// when nothing is due.
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error
	FailJob(ctx context.Context, id string, lastError string) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	ExecutionStore
	JobStore
	Ping(ctx context.Context) error
	Close() error
}
